package broker

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devpocket/relay/internal/protocol"
	"github.com/devpocket/relay/internal/session"
)

type nopBackend struct{ done chan struct{} }

func newNopBackend() *nopBackend        { return &nopBackend{done: make(chan struct{})} }
func (n *nopBackend) Write(p []byte) error        { return nil }
func (n *nopBackend) Resize(cols, rows int) error { return nil }
func (n *nopBackend) Interrupt() error            { return nil }
func (n *nopBackend) Close() error {
	select {
	case <-n.done:
	default:
		close(n.done)
	}
	return nil
}
func (n *nopBackend) Done() <-chan struct{} { return n.done }

func testManager() *session.Manager {
	return session.NewManager(5, func(id, source, cwd string, kind session.Kind) (session.Backend, error) {
		return newNopBackend(), nil
	})
}

func startTestServer(t *testing.T, b *Broker) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.HandleConn(conn)
	}))
	wsURL := "ws" + srv.URL[len("http"):]
	return srv, wsURL
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readTyped(t *testing.T, conn *websocket.Conn, wantType string) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 10; i++ {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg["type"] == wantType {
			return msg
		}
	}
	t.Fatalf("did not see message of type %q", wantType)
	return nil
}

func TestAuthPostureOpenNoAuthRequired(t *testing.T) {
	b := New(Config{AuthRequired: false, ServerMode: protocol.ServerModeCLI, ServerVersion: "1.0.0"}, testManager())
	srv, url := startTestServer(t, b)
	defer srv.Close()

	conn := dial(t, url)
	defer conn.Close()

	msg := readTyped(t, conn, protocol.TypeAuthOK)
	if msg["clientId"] == "" {
		t.Fatal("expected non-empty clientId")
	}

	// Sending auth afterward must not produce auth_fail or close (S4).
	if err := conn.WriteJSON(map[string]any{"type": "auth", "token": "anything"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var probe map[string]any
	err := conn.ReadJSON(&probe)
	if err == nil && probe["type"] == protocol.TypeAuthFail {
		t.Fatal("unexpected auth_fail under authRequired=false")
	}
}

func TestAuthRequiredRejectsBadToken(t *testing.T) {
	b := New(Config{AuthRequired: true, Token: "secret", ServerMode: protocol.ServerModeCLI, ServerVersion: "1.0.0"}, testManager())
	srv, url := startTestServer(t, b)
	defer srv.Close()

	conn := dial(t, url)
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"type": "auth", "token": "wrong"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readTyped(t, conn, protocol.TypeAuthFail)
	if msg["reason"] != "invalid_token" {
		t.Fatalf("unexpected reason: %v", msg["reason"])
	}
}

func TestPrimaryGating(t *testing.T) {
	mgr := testManager()
	sess, err := mgr.AttachSession("s1", "one", "/tmp", "", session.KindInteractiveAgent)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	_ = sess

	b := New(Config{AuthRequired: false, ServerMode: protocol.ServerModeCLI, ServerVersion: "1.0.0"}, mgr)
	srv, url := startTestServer(t, b)
	defer srv.Close()

	connA := dial(t, url)
	defer connA.Close()
	msgA := readTyped(t, connA, protocol.TypeAuthOK)
	clientA := msgA["clientId"].(string)

	connB := dial(t, url)
	defer connB.Close()
	readTyped(t, connB, protocol.TypeAuthOK)

	b.SetPrimary("s1", clientA)
	time.Sleep(50 * time.Millisecond)

	if err := connB.WriteJSON(map[string]any{"type": "input", "sessionId": "s1", "data": "hi"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readTyped(t, connB, protocol.TypeError)
	if msg["message"] != "not_primary" {
		t.Fatalf("expected not_primary, got %v", msg["message"])
	}
}

func TestRawFanOutOnlyToMatchingSessionAndMode(t *testing.T) {
	mgr := testManager()
	b := New(Config{AuthRequired: false, ServerMode: protocol.ServerModeCLI, ServerVersion: "1.0.0"}, mgr)
	srv, url := startTestServer(t, b)
	defer srv.Close()

	conn := dial(t, url)
	defer conn.Close()
	readTyped(t, conn, protocol.TypeAuthOK)

	if err := conn.WriteJSON(map[string]any{"type": "switch_session", "sessionId": "s2"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readTyped(t, conn, protocol.TypeSessionSwitched)
	if err := conn.WriteJSON(map[string]any{"type": "mode", "mode": "terminal"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	b.dispatchSessionEvent(session.Event{SessionID: "s2", Name: protocol.EventRaw, Payload: "bytes"})
	msg := readTyped(t, conn, protocol.EventRaw)
	if msg["sessionId"] != "s2" {
		t.Fatalf("expected sessionId s2, got %v", msg["sessionId"])
	}

	// raw from a different session must not arrive; drain with a short
	// deadline and fail only if it does.
	b.dispatchSessionEvent(session.Event{SessionID: "s3", Name: protocol.EventRaw, Payload: "bytes"})
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var probe map[string]any
	if err := conn.ReadJSON(&probe); err == nil {
		t.Fatalf("unexpected frame delivered for unmatched session: %+v", probe)
	}
}
