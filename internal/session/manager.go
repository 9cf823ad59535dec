// Package session implements the Session Manager: creation, listing and
// destruction of sessions, event forwarding from agent/terminal processes
// to the broker, and the bounded session-state persistence used to
// survive a supervisor-triggered restart.
package session

import (
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/devpocket/relay/internal/protocol"
)

// Kind mirrors protocol.SessionKind to keep this package import-light for
// callers that only need the session vocabulary.
type Kind = protocol.SessionKind

const (
	KindInteractiveAgent = protocol.SessionKindInteractiveAgent
	KindTerminal         = protocol.SessionKindTerminal
)

// DefaultMaxSessions is the default ceiling on concurrently attached
// sessions (spec §4.3, attachSession).
const DefaultMaxSessions = 5

// historyCap bounds the ring of recent events kept for replay when a
// client switches onto a session mid-stream.
const historyCap = 200

// externalSourceRe restricts the `externalSource` of attach_session to a
// conservative character set (spec §4.4.3 validation/security note).
var externalSourceRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// SessionLimitError is returned when attachSession would exceed MaxSessions.
type SessionLimitError struct{ Max int }

func (e *SessionLimitError) Error() string {
	return fmt.Sprintf("session limit reached (max %d)", e.Max)
}

// SessionExistsError is returned when two attachments target the same
// external source.
type SessionExistsError struct{ Source string }

func (e *SessionExistsError) Error() string {
	return fmt.Sprintf("session already attached to source %q", e.Source)
}

// SessionSpawnError wraps any other attach-time failure.
type SessionSpawnError struct{ Cause error }

func (e *SessionSpawnError) Error() string { return fmt.Sprintf("session spawn failed: %v", e.Cause) }
func (e *SessionSpawnError) Unwrap() error { return e.Cause }

// ErrInvalidExternalSource is returned when externalSource fails the
// restrictive validation regex.
var ErrInvalidExternalSource = errors.New("invalid tmux session name")

// Event is the tuple forwarded from a session to subscribers: the
// originating session id, the event name, and its opaque payload.
type Event struct {
	SessionID string
	Name      string
	Payload   any
}

// Backend is the behavior a concrete session implementation (PTY terminal
// or agent subprocess) must provide. The Manager doesn't know which one
// it's holding; it only drives the shared lifecycle surface.
type Backend interface {
	Write(p []byte) error
	Resize(cols, rows int) error
	Interrupt() error
	Close() error
	Done() <-chan struct{}
}

// Session is the manager's bookkeeping record for one logical workspace.
type Session struct {
	ID                  string
	Name                string
	Cwd                 string
	Kind                Kind
	Model               string
	PermissionMode      string
	ExternalResumeToken string
	ExternalSource      string

	mu              sync.Mutex
	isBusy          bool
	primaryClientID *string

	histMu  sync.Mutex
	history []Event

	Backend Backend
}

func newSession(id, name, cwd string, kind Kind, source string, backend Backend) *Session {
	return &Session{
		ID:             id,
		Name:           name,
		Cwd:            cwd,
		Kind:           kind,
		ExternalSource: source,
		Backend:        backend,
		history:        make([]Event, 0, historyCap),
	}
}

// IsBusy reports whether the session currently has an in-flight turn.
func (s *Session) IsBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isBusy
}

// SetBusy updates the busy flag; called by the dispatcher on
// agent_busy/agent_idle events.
func (s *Session) SetBusy(busy bool) {
	s.mu.Lock()
	s.isBusy = busy
	s.mu.Unlock()
}

// PrimaryClientID returns the current primary, or nil if none.
func (s *Session) PrimaryClientID() *string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primaryClientID
}

// SetPrimary sets (or clears, with nil) the primary client.
func (s *Session) SetPrimary(clientID *string) {
	s.mu.Lock()
	s.primaryClientID = clientID
	s.mu.Unlock()
}

// recordHistory appends to the ring, dropping the oldest entry once full.
func (s *Session) recordHistory(ev Event) {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	if len(s.history) >= historyCap {
		copy(s.history, s.history[1:])
		s.history = s.history[:len(s.history)-1]
	}
	s.history = append(s.history, ev)
}

// History returns a snapshot copy of recent events for replay.
func (s *Session) History() []Event {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	out := make([]Event, len(s.history))
	copy(out, s.history)
	return out
}

// Spawner constructs a Backend for a given attach request. Supplied by the
// caller so the manager stays agnostic to PTY vs agent-subprocess details.
type Spawner func(id, source, cwd string, kind Kind) (Backend, error)

// Manager owns the set of live sessions for one child server instance.
// Unlike the teacher's process-wide singleton, a Manager is constructed
// fresh per child process — the supervisor recreates the child (and thus
// the manager) across restarts, with state round-tripped through
// serializeState/restoreState instead of process-lifetime globals.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	bySource    map[string]string // externalSource -> sessionId
	maxSessions int
	spawn       Spawner
	events      chan Event

	discoveryStop chan struct{}
}

// NewManager constructs a Manager bounded at maxSessions (0 uses the
// default). spawn is invoked on every attachSession to materialize the
// concrete backend.
func NewManager(maxSessions int, spawn Spawner) *Manager {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	return &Manager{
		sessions:    make(map[string]*Session),
		bySource:    make(map[string]string),
		maxSessions: maxSessions,
		spawn:       spawn,
		events:      make(chan Event, 256),
	}
}

// Events returns the channel the broker multiplexes over for
// (sessionId, eventName, payload) tuples (spec §4.3 agent-event contract).
func (m *Manager) Events() <-chan Event { return m.events }

// AttachSession creates a new session bound to externalSource, or returns
// SessionExistsError if a live session is already attached to it.
func (m *Manager) AttachSession(id, name, cwd, externalSource string, kind Kind) (*Session, error) {
	if externalSource != "" && !externalSourceRe.MatchString(externalSource) {
		return nil, ErrInvalidExternalSource
	}

	m.mu.Lock()
	if len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		return nil, &SessionLimitError{Max: m.maxSessions}
	}
	if externalSource != "" {
		if existingID, ok := m.bySource[externalSource]; ok {
			if existing, ok := m.sessions[existingID]; ok && existing.Backend != nil {
				select {
				case <-existing.Backend.Done():
					// backend already dead, fall through and re-attach
				default:
					m.mu.Unlock()
					return nil, &SessionExistsError{Source: externalSource}
				}
			}
		}
	}
	m.mu.Unlock()

	backend, err := m.spawn(id, externalSource, cwd, kind)
	if err != nil {
		return nil, &SessionSpawnError{Cause: err}
	}

	sess := newSession(id, name, cwd, kind, externalSource, backend)

	m.mu.Lock()
	m.sessions[id] = sess
	if externalSource != "" {
		m.bySource[externalSource] = id
	}
	m.mu.Unlock()

	go m.watchBackendExit(sess)

	logrus.WithFields(logrus.Fields{"sessionId": id, "kind": kind, "source": externalSource}).Info("session attached")
	return sess, nil
}

func (m *Manager) watchBackendExit(sess *Session) {
	<-sess.Backend.Done()
	m.DestroySession(sess.ID)
	m.emit(sess.ID, protocol.EventAgentCompleted, nil)
}

// DestroySession detaches and closes a session, tolerating an unknown id.
func (m *Manager) DestroySession(id string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		if sess.ExternalSource != "" {
			delete(m.bySource, sess.ExternalSource)
		}
	}
	m.mu.Unlock()
	if ok {
		_ = sess.Backend.Close()
		logrus.WithField("sessionId", id).Info("session destroyed")
	}
}

// DestroyAll forwards destruction to every underlying session; used at
// shutdown.
func (m *Manager) DestroyAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.DestroySession(id)
	}
}

// Get returns a session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// ListSessions returns the broker-facing snapshot of every live session.
func (m *Manager) ListSessions() []protocol.SessionSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]protocol.SessionSummary, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, protocol.SessionSummary{
			ID:     s.ID,
			Name:   s.Name,
			Cwd:    s.Cwd,
			Kind:   s.Kind,
			IsBusy: s.IsBusy(),
		})
	}
	return out
}

// AllIdle reports whether every live session is currently non-busy; the
// child's drain handler waits on it before tearing sessions down.
func (m *Manager) AllIdle() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.IsBusy() {
			return false
		}
	}
	return true
}

// emit pushes a tagged event onto the manager's event channel. Non-blocking
// with a drop-oldest fallback would violate ordering within a session, so
// a blocking send is used on a sufficiently large buffer instead; the
// broker is expected to drain continuously.
func (m *Manager) emit(sessionID, name string, payload any) {
	ev := Event{SessionID: sessionID, Name: name, Payload: payload}
	if sess, ok := m.Get(sessionID); ok {
		sess.recordHistory(ev)
	}
	m.events <- ev
}

// Emit is the exported form of emit, for Spawner implementations living
// outside this package that need to forward backend-sourced events (e.g.
// an AgentBackend's decoded stdout lines) onto the manager's event
// channel.
func (m *Manager) Emit(sessionID, name string, payload any) {
	m.emit(sessionID, name, payload)
}
