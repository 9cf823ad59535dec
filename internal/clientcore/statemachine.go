// Package clientcore is the Client-Side Resilience Core: a connection
// state machine, a bounded TTL-tagged outbound queue, and a message
// handler that keeps the mobile client's session UI mounted across
// transient disconnects and server restarts (spec §4.5).
package clientcore

import "sync"

// Phase is one of the five connection states (spec §4.5.1).
type Phase string

const (
	PhaseDisconnected     Phase = "disconnected"
	PhaseConnecting       Phase = "connecting"
	PhaseConnected        Phase = "connected"
	PhaseReconnecting     Phase = "reconnecting"
	PhaseServerRestarting Phase = "server_restarting"
)

// MaxRetriesBeforeDisconnect bounds how many consecutive reconnect
// failures are tolerated from reconnecting/server_restarting before
// falling back to disconnected (saved credentials are kept either way).
const MaxRetriesBeforeDisconnect = 10

// State is the client connection store (spec §9 "expose it as a single
// state container with explicit actions"). All mutation happens through
// its methods so the test suite can drive it headlessly without a real
// socket.
type State struct {
	mu sync.Mutex

	phase         Phase
	retryCount    int
	clientID      string
	serverVersion string

	// credentials survive retry exhaustion; only cleared by explicit
	// Disconnect() or an authentication failure from the server.
	token string
}

// NewState returns a fresh store in the disconnected phase.
func NewState() *State {
	return &State{phase: PhaseDisconnected}
}

// Phase returns the current connection phase.
func (s *State) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// SetCredentials stores the auth token used on every (re)connect attempt.
func (s *State) SetCredentials(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// Credentials returns the saved auth token, and whether one is set.
func (s *State) Credentials() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.token != ""
}

// Connect transitions disconnected -> connecting. No-op from any other
// phase (a connect attempt already in flight).
func (s *State) Connect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseDisconnected {
		s.phase = PhaseConnecting
	}
}

// AuthOK transitions connecting -> connected, recording the server-issued
// clientId/serverVersion and resetting the retry counter.
func (s *State) AuthOK(clientID, serverVersion string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = PhaseConnected
	s.clientID = clientID
	s.serverVersion = serverVersion
	s.retryCount = 0
}

// ClientID returns the most recently assigned clientId.
func (s *State) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// CloseRestart is the WebSocket close code that marks an intentional
// server restart; the close code passed to Closed selects whether the next phase is server_restarting (4000) or
// reconnecting (anything else).
const CloseRestart = 4000

// Closed transitions connected -> server_restarting (code 4000) or
// connected -> reconnecting (any other code). No-op if not connected.
func (s *State) Closed(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseConnected {
		return
	}
	if code == CloseRestart {
		s.phase = PhaseServerRestarting
	} else {
		s.phase = PhaseReconnecting
	}
}

// ReconnectAttemptStarted transitions reconnecting|server_restarting ->
// connecting, ahead of a new dial.
func (s *State) ReconnectAttemptStarted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseReconnecting || s.phase == PhaseServerRestarting {
		s.phase = PhaseConnecting
	}
}

// ReconnectFailed records a failed dial/auth attempt. After
// MaxRetriesBeforeDisconnect consecutive failures the state falls back to
// disconnected, but saved credentials are never cleared by this path.
func (s *State) ReconnectFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseReconnecting && s.phase != PhaseServerRestarting && s.phase != PhaseConnecting {
		return
	}
	s.retryCount++
	if s.retryCount >= MaxRetriesBeforeDisconnect {
		s.phase = PhaseDisconnected
	} else if s.phase == PhaseConnecting {
		// fall back to reconnecting so the next attempt goes through the
		// backoff loop rather than dialing in a tight loop
		s.phase = PhaseReconnecting
	}
}

// AuthFailed is the one path that clears saved credentials outside of an
// explicit user Disconnect() (spec §4.5.1).
func (s *State) AuthFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = PhaseDisconnected
	s.token = ""
	s.clientID = ""
}

// Disconnect is the explicit user action: clears the queue (caller's
// responsibility to also call Queue.Clear), session state, phase, and
// saved credentials (spec §4.5.1: credentials are cleared only by
// explicit user action or an authentication failure from the server).
func (s *State) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = PhaseDisconnected
	s.retryCount = 0
	s.clientID = ""
	s.token = ""
}

// SelectShowSession implements property 5: the session view is shown iff
// the connection phase is not disconnected.
func SelectShowSession(s *State) bool {
	return s.Phase() != PhaseDisconnected
}

// ReconnectBackoff is the ascending, capped backoff schedule (spec
// §4.5.1): 1,2,4,8,15s, then held at 15s.
var ReconnectBackoff = []int{1, 2, 4, 8, 15} // seconds

// BackoffSeconds returns the delay, in seconds, before the Nth (0-indexed)
// reconnect attempt.
func BackoffSeconds(attempt int) int {
	if attempt >= len(ReconnectBackoff) {
		return ReconnectBackoff[len(ReconnectBackoff)-1]
	}
	return ReconnectBackoff[attempt]
}
