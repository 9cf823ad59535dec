package session

import (
	"encoding/json"
	"os"
	"sync"
)

// hookSentinel tags every hook entry this manager ever writes, so
// unregistration can find and remove all of them regardless of how many
// redundant Register calls preceded it (spec §9 settings-file
// read-modify-write race, property 4).
const hookSentinel = "relay-permission-hook"

// HookEntry is one entry in the host settings file's hooks array.
type HookEntry struct {
	Command string `json:"command"`
	Flag    string `json:"flag"`
}

type settingsDoc struct {
	Hooks []HookEntry `json:"hooks"`
}

// SettingsHookManager centralizes every read-modify-write of the host
// settings file behind one process-wide lock, so concurrent sessions
// registering/unregistering the permission hook never race each other
// (spec §5 "the host settings file ... MUST execute under a process-wide
// mutex").
type SettingsHookManager struct {
	mu   sync.Mutex
	path string
}

// NewSettingsHookManager returns a manager bound to the settings file at
// path.
func NewSettingsHookManager(path string) *SettingsHookManager {
	return &SettingsHookManager{path: path}
}

// Register ensures exactly one hook entry for command exists in the
// settings file. Calling it N times leaves exactly one entry (property 4).
func (m *SettingsHookManager) Register(command string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.load()
	if err != nil {
		return err
	}

	filtered := doc.Hooks[:0]
	for _, h := range doc.Hooks {
		if h.Flag != hookSentinel {
			filtered = append(filtered, h)
		}
	}
	doc.Hooks = append(filtered, HookEntry{Command: command, Flag: hookSentinel})

	return m.save(doc)
}

// Unregister removes every hook entry carrying this manager's sentinel
// flag, regardless of how many Register calls preceded it.
func (m *SettingsHookManager) Unregister() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.load()
	if err != nil {
		return err
	}

	filtered := doc.Hooks[:0]
	for _, h := range doc.Hooks {
		if h.Flag != hookSentinel {
			filtered = append(filtered, h)
		}
	}
	doc.Hooks = filtered

	return m.save(doc)
}

// Count reports how many sentinel-tagged entries currently exist; used by
// tests to assert idempotency without reaching into manager internals.
func (m *SettingsHookManager) Count() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.load()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, h := range doc.Hooks {
		if h.Flag == hookSentinel {
			n++
		}
	}
	return n, nil
}

func (m *SettingsHookManager) load() (settingsDoc, error) {
	raw, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return settingsDoc{}, nil
	}
	if err != nil {
		return settingsDoc{}, err
	}
	if len(raw) == 0 {
		return settingsDoc{}, nil
	}

	var doc settingsDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return settingsDoc{}, err
	}
	return doc, nil
}

func (m *SettingsHookManager) save(doc settingsDoc) error {
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}
