package session

import (
	"path/filepath"
	"testing"
)

func TestSettingsHookRegisterIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	m := NewSettingsHookManager(path)

	for i := 0; i < 5; i++ {
		if err := m.Register("relay-permission-hook-cmd"); err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
	}

	n, err := m.Count()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly 1 hook entry after 5 registers, got %d", n)
	}
}

func TestSettingsHookUnregisterClearsAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	m := NewSettingsHookManager(path)

	for i := 0; i < 3; i++ {
		if err := m.Register("cmd"); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	if err := m.Unregister(); err != nil {
		t.Fatalf("unregister: %v", err)
	}

	n, err := m.Count()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 entries after unregister, got %d", n)
	}
}

func TestSettingsHookRegisterOnMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	m := NewSettingsHookManager(path)
	if err := m.Register("cmd"); err != nil {
		t.Fatalf("register against missing file: %v", err)
	}
}
