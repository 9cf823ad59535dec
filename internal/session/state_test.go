package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSerializeAndRestoreState(t *testing.T) {
	spawn, _ := fakeSpawner()
	m := NewManager(5, spawn)
	sess, err := m.AttachSession("s1", "work", "/home/dev", "", KindInteractiveAgent)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	sess.Model = "sonnet"
	sess.PermissionMode = "default"
	sess.ExternalResumeToken = "tok-123"

	path := filepath.Join(t.TempDir(), "session-state.json")
	if err := m.SerializeState(path); err != nil {
		t.Fatalf("serialize: %v", err)
	}

	restored := RestoreState(path)
	if len(restored) != 1 {
		t.Fatalf("expected 1 restored session, got %d", len(restored))
	}
	if restored[0].Name != "work" || restored[0].ExternalResumeToken != "tok-123" {
		t.Fatalf("unexpected restored session: %+v", restored[0])
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected state file to be consumed (deleted) after restore")
	}
}

func TestRestoreStateDiscardsStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session-state.json")
	state := persistedState{
		Timestamp: time.Now().Add(-10 * time.Minute),
		Sessions:  []PersistedSession{{Name: "old"}},
	}
	data, _ := json.Marshal(state)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	restored := RestoreState(path)
	if restored != nil {
		t.Fatalf("expected stale state discarded, got %+v", restored)
	}
}

func TestRestoreStateDiscardsCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session-state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	restored := RestoreState(path)
	if restored != nil {
		t.Fatalf("expected corrupt state discarded, got %+v", restored)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected corrupt file to be removed")
	}
}

func TestRestoreStateMissingFile(t *testing.T) {
	restored := RestoreState(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if restored != nil {
		t.Fatalf("expected nil for missing file, got %+v", restored)
	}
}
