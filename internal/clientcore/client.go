package clientcore

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// DialTimeout bounds a single WebSocket dial attempt (spec §5 "Per-attempt
// WebSocket dial has a hard deadline (recommended 5 s)").
const DialTimeout = 5 * time.Second

// Conn is the transport abstraction the Client drives; satisfied by
// *websocket.Conn in production and a fake in tests.
type Conn interface {
	WriteJSON(v any) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer opens a new Conn to url, or returns an error if the attempt
// exceeds DialTimeout or is otherwise refused.
type Dialer func(ctx context.Context, url string) (Conn, error)

// DefaultDialer dials a real WebSocket server with gorilla/websocket.
func DefaultDialer(ctx context.Context, url string) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Client ties the state machine, queue, and store together with a real
// reconnect loop (spec §4.5, the Go-native home of "the client-side
// resilience core").
type Client struct {
	URL   string
	Token string
	Dial  Dialer

	State *State
	Queue *Queue
	Store *Store

	conn Conn

	// Now lets tests control the queue-drain clock; defaults to
	// time.Now.
	Now func() time.Time
}

// NewClient wires up a Client with real defaults.
func NewClient(url, token string) *Client {
	return &Client{
		URL:   url,
		Token: token,
		Dial:  DefaultDialer,
		State: NewState(),
		Queue: NewQueue(),
		Store: NewStore(),
		Now:   time.Now,
	}
}

// Run drives the connect/reconnect loop until ctx is cancelled or the
// state machine lands in disconnected after retry exhaustion and the
// caller does not call Connect again.
func (c *Client) Run(ctx context.Context) {
	c.State.SetCredentials(c.Token)
	c.State.Connect()

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.connectOnce(ctx); err != nil {
			c.State.ReconnectFailed()
			if c.State.Phase() == PhaseDisconnected {
				return
			}
			delay := time.Duration(BackoffSeconds(attempt)) * time.Second
			attempt++
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			c.State.ReconnectAttemptStarted()
			continue
		}

		attempt = 0
		c.readLoop(ctx)

		// readLoop returns once the socket closes; Closed() already set
		// the right next phase (server_restarting vs reconnecting).
		if c.State.Phase() == PhaseDisconnected {
			return
		}
		c.State.ReconnectAttemptStarted()
	}
}

func (c *Client) connectOnce(ctx context.Context) error {
	conn, err := c.Dial(ctx, c.URL)
	if err != nil {
		return err
	}
	c.conn = conn

	token, _ := c.State.Credentials()
	if err := conn.WriteJSON(map[string]any{"type": "auth", "token": token}); err != nil {
		return err
	}

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return err
	}

	var frame map[string]any
	if err := jsonAPI.Unmarshal(msg, &frame); err != nil {
		return fmt.Errorf("decode auth response: %w", err)
	}

	switch frame["type"] {
	case "auth_ok":
		clientID, _ := frame["clientId"].(string)
		serverVersion, _ := frame["serverVersion"].(string)
		c.State.AuthOK(clientID, serverVersion)
		c.drainQueue()
		return nil
	case "auth_fail":
		c.State.AuthFailed()
		return fmt.Errorf("authentication rejected by server")
	default:
		return fmt.Errorf("unexpected first frame type %v", frame["type"])
	}
}

func (c *Client) drainQueue() {
	for _, m := range c.Queue.Drain(c.Now()) {
		_ = c.Send(m.Type, m.Payload)
	}
}

func (c *Client) readLoop(ctx context.Context) {
	defer c.conn.Close()
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			code := websocket.CloseGoingAway
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
			}
			c.State.Closed(code)
			return
		}

		var frame map[string]any
		if err := jsonAPI.Unmarshal(msg, &frame); err != nil {
			continue
		}
		if frame["type"] == "server_shutting_down" {
			continue // the close frame that follows drives the phase transition
		}
		ApplyInbound(c.Store, frame)
	}
}

// Send writes msgType/payload directly if connected, otherwise enqueues
// it (subject to the TTL/cap/excluded-type rules). Returns false when the
// message was neither sent nor queued (spec "sendX API returns a
// distinguishable false").
func (c *Client) Send(msgType string, payload any) bool {
	if c.State.Phase() == PhaseConnected && c.conn != nil {
		if err := c.conn.WriteJSON(map[string]any{"type": msgType, "payload": payload}); err == nil {
			return true
		}
	}
	return c.Queue.Enqueue(msgType, payload, c.Now())
}

// Disconnect performs the explicit user action: clears the queue and
// session state, closes the socket if open.
func (c *Client) Disconnect() {
	c.Queue.Clear()
	c.State.Disconnect()
	if c.conn != nil {
		_ = c.conn.Close()
	}
}
