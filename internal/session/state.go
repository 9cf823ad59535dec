package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// staleAfter is how old a session-state file may be before restoreState
// rejects it outright (spec §4.3 serializeState/restoreState).
const staleAfter = 5 * time.Minute

// PersistedSession is the minimal per-session record round-tripped across
// a restart.
type PersistedSession struct {
	Name                string `json:"name"`
	Cwd                 string `json:"cwd"`
	Model               string `json:"model"`
	PermissionMode      string `json:"permissionMode"`
	ExternalResumeToken string `json:"externalResumeToken"`
}

// persistedState is the on-disk envelope, `session-state.json` (spec §6).
type persistedState struct {
	Timestamp time.Time          `json:"timestamp"`
	Sessions  []PersistedSession `json:"sessions"`
}

// SerializeState writes the minimum needed to resume every attached
// session across a restart, atomically (temp file + rename).
func (m *Manager) SerializeState(path string) error {
	m.mu.RLock()
	out := make([]PersistedSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, PersistedSession{
			Name:                s.Name,
			Cwd:                 s.Cwd,
			Model:               s.Model,
			PermissionMode:      s.PermissionMode,
			ExternalResumeToken: s.ExternalResumeToken,
		})
	}
	m.mu.RUnlock()

	state := persistedState{Timestamp: time.Now(), Sessions: out}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create session state dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename session state: %w", err)
	}
	return nil
}

// RestoreState reads path, consumes it (deletes it unconditionally on
// return, per the spec's "consumed once and then deleted" rule), and
// returns the sessions it held. Stale (>5 min old) or corrupt state is
// discarded and yields an empty slice, never an error the caller must
// special-case — restoration is always best-effort.
func RestoreState(path string) []PersistedSession {
	data, err := os.ReadFile(path)
	defer os.Remove(path)
	if err != nil {
		return nil
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		logrus.WithError(err).Warn("session state file corrupt, discarding")
		return nil
	}

	if time.Since(state.Timestamp) > staleAfter {
		logrus.WithField("age", time.Since(state.Timestamp)).Warn("session state stale, discarding")
		return nil
	}

	return state.Sessions
}
