package clientcore

import "testing"

// property 5
func TestSelectShowSessionIffNotDisconnected(t *testing.T) {
	s := NewState()
	if SelectShowSession(s) {
		t.Fatalf("expected false while disconnected")
	}

	s.Connect()
	if !SelectShowSession(s) {
		t.Fatalf("expected true while connecting")
	}

	s.AuthOK("c1", "1.0.0")
	if !SelectShowSession(s) {
		t.Fatalf("expected true while connected")
	}

	s.Closed(CloseRestart)
	if s.Phase() != PhaseServerRestarting {
		t.Fatalf("expected server_restarting, got %s", s.Phase())
	}
	if !SelectShowSession(s) {
		t.Fatalf("expected true while server_restarting")
	}

	s.Disconnect()
	if SelectShowSession(s) {
		t.Fatalf("expected false after explicit disconnect")
	}
}

func TestClosedOtherCodeGoesReconnecting(t *testing.T) {
	s := NewState()
	s.Connect()
	s.AuthOK("c1", "1.0.0")
	s.Closed(1006)
	if s.Phase() != PhaseReconnecting {
		t.Fatalf("expected reconnecting, got %s", s.Phase())
	}
}

func TestReconnectFailedExhaustionKeepsCredentials(t *testing.T) {
	s := NewState()
	s.SetCredentials("secret-token")
	s.Connect()
	s.AuthOK("c1", "1.0.0")
	s.Closed(1006)

	for i := 0; i < MaxRetriesBeforeDisconnect; i++ {
		s.ReconnectAttemptStarted()
		s.ReconnectFailed()
	}

	if s.Phase() != PhaseDisconnected {
		t.Fatalf("expected disconnected after retry exhaustion, got %s", s.Phase())
	}
	token, ok := s.Credentials()
	if !ok || token != "secret-token" {
		t.Fatalf("expected saved credentials to survive retry exhaustion, got %q ok=%v", token, ok)
	}
}

func TestDisconnectClearsCredentials(t *testing.T) {
	s := NewState()
	s.SetCredentials("secret-token")
	s.Connect()
	s.AuthOK("c1", "1.0.0")

	s.Disconnect()

	if _, ok := s.Credentials(); ok {
		t.Fatalf("expected credentials cleared on explicit disconnect")
	}
	if s.Phase() != PhaseDisconnected {
		t.Fatalf("expected disconnected after explicit disconnect, got %s", s.Phase())
	}
}

func TestAuthFailedClearsCredentials(t *testing.T) {
	s := NewState()
	s.SetCredentials("secret-token")
	s.Connect()
	s.AuthFailed()

	if _, ok := s.Credentials(); ok {
		t.Fatalf("expected credentials cleared on auth failure")
	}
	if s.Phase() != PhaseDisconnected {
		t.Fatalf("expected disconnected after auth failure, got %s", s.Phase())
	}
}

func TestBackoffSchedule(t *testing.T) {
	want := []int{1, 2, 4, 8, 15, 15, 15}
	for i, w := range want {
		if got := BackoffSeconds(i); got != w {
			t.Fatalf("attempt %d: expected %d, got %d", i, w, got)
		}
	}
}

// S1 — restart preserves session UI: connected -> server_restarting (not
// disconnected) -> connecting -> connected with a new clientId.
func TestScenarioS1RestartPreservesSession(t *testing.T) {
	s := NewState()
	s.Connect()
	s.AuthOK("c1", "1.0.0")

	s.Closed(CloseRestart)
	if s.Phase() != PhaseServerRestarting {
		t.Fatalf("expected server_restarting, got %s", s.Phase())
	}
	if !SelectShowSession(s) {
		t.Fatalf("session screen must stay mounted during server_restarting")
	}

	s.ReconnectAttemptStarted()
	if s.Phase() != PhaseConnecting {
		t.Fatalf("expected connecting, got %s", s.Phase())
	}

	s.AuthOK("c2", "1.0.0")
	if s.Phase() != PhaseConnected {
		t.Fatalf("expected connected, got %s", s.Phase())
	}
	if s.ClientID() != "c2" {
		t.Fatalf("expected clientId c2, got %s", s.ClientID())
	}
}
