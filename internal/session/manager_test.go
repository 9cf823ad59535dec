package session

import (
	"errors"
	"testing"
	"time"
)

type fakeBackend struct {
	done chan struct{}
}

func newFakeBackend() *fakeBackend { return &fakeBackend{done: make(chan struct{})} }

func (f *fakeBackend) Write(p []byte) error       { return nil }
func (f *fakeBackend) Resize(cols, rows int) error { return nil }
func (f *fakeBackend) Interrupt() error           { return nil }
func (f *fakeBackend) Close() error {
	select {
	case <-f.done:
	default:
		close(f.done)
	}
	return nil
}
func (f *fakeBackend) Done() <-chan struct{} { return f.done }

func fakeSpawner() (Spawner, map[string]*fakeBackend) {
	backends := make(map[string]*fakeBackend)
	return func(id, source, cwd string, kind Kind) (Backend, error) {
		b := newFakeBackend()
		backends[id] = b
		return b, nil
	}, backends
}

func TestAttachSessionLimit(t *testing.T) {
	spawn, _ := fakeSpawner()
	m := NewManager(2, spawn)

	if _, err := m.AttachSession("s1", "one", "/tmp", "", KindTerminal); err != nil {
		t.Fatalf("attach 1: %v", err)
	}
	if _, err := m.AttachSession("s2", "two", "/tmp", "", KindTerminal); err != nil {
		t.Fatalf("attach 2: %v", err)
	}
	_, err := m.AttachSession("s3", "three", "/tmp", "", KindTerminal)
	var limitErr *SessionLimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected SessionLimitError, got %v", err)
	}
}

func TestAttachSessionDuplicateSource(t *testing.T) {
	spawn, _ := fakeSpawner()
	m := NewManager(5, spawn)

	if _, err := m.AttachSession("s1", "one", "/tmp", "srcA", KindTerminal); err != nil {
		t.Fatalf("attach: %v", err)
	}
	_, err := m.AttachSession("s2", "two", "/tmp", "srcA", KindTerminal)
	var existsErr *SessionExistsError
	if !errors.As(err, &existsErr) {
		t.Fatalf("expected SessionExistsError, got %v", err)
	}
}

func TestAttachSessionInvalidExternalSource(t *testing.T) {
	spawn, _ := fakeSpawner()
	m := NewManager(5, spawn)
	_, err := m.AttachSession("s1", "one", "/tmp", "not valid!", KindTerminal)
	if !errors.Is(err, ErrInvalidExternalSource) {
		t.Fatalf("expected ErrInvalidExternalSource, got %v", err)
	}
}

func TestAllIdle(t *testing.T) {
	spawn, _ := fakeSpawner()
	m := NewManager(5, spawn)
	sess, err := m.AttachSession("s1", "one", "/tmp", "", KindTerminal)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if !m.AllIdle() {
		t.Fatal("expected AllIdle true with no busy sessions")
	}
	sess.SetBusy(true)
	if m.AllIdle() {
		t.Fatal("expected AllIdle false once a session is busy")
	}
	sess.SetBusy(false)
	if !m.AllIdle() {
		t.Fatal("expected AllIdle true again")
	}
}

func TestDestroySessionRemovesFromSourceIndex(t *testing.T) {
	spawn, backends := fakeSpawner()
	m := NewManager(5, spawn)
	if _, err := m.AttachSession("s1", "one", "/tmp", "srcA", KindTerminal); err != nil {
		t.Fatalf("attach: %v", err)
	}
	m.DestroySession("s1")

	select {
	case <-backends["s1"].Done():
	case <-time.After(time.Second):
		t.Fatal("expected backend closed")
	}

	if _, err := m.AttachSession("s2", "two", "/tmp", "srcA", KindTerminal); err != nil {
		t.Fatalf("re-attach after destroy should succeed: %v", err)
	}
}

func TestListSessionsSnapshot(t *testing.T) {
	spawn, _ := fakeSpawner()
	m := NewManager(5, spawn)
	if _, err := m.AttachSession("s1", "one", "/tmp", "", KindInteractiveAgent); err != nil {
		t.Fatalf("attach: %v", err)
	}
	list := m.ListSessions()
	if len(list) != 1 || list[0].ID != "s1" || list[0].Kind != KindInteractiveAgent {
		t.Fatalf("unexpected snapshot: %+v", list)
	}
}
