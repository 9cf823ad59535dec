// Package broker implements the WebSocket Broker: client auth, per-session
// primary ownership, message routing, and agent-event fan-out.
package broker

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/devpocket/relay/internal/protocol"
)

// writeTimeout bounds a single frame write so one stalled client can't
// hang the broker's per-client writer goroutine indefinitely.
const writeTimeout = 10 * time.Second

// Client is the broker's record of one connected socket. Every socket
// owns exactly one reader goroutine (the caller's read loop) and one
// writer goroutine (run()), so frames to a single client are always
// serialized and ordering within that client is preserved.
type Client struct {
	ID         string
	conn       *websocket.Conn
	out        chan any
	done       chan struct{}
	closeOnce  sync.Once

	mu              sync.Mutex
	Authenticated   bool
	DeviceName      string
	DeviceType      protocol.DeviceType
	Platform        string
	ActiveSessionID string
	Mode            protocol.ClientMode
}

// NewClient wraps conn in a Client with a buffered outbound queue and
// starts its writer goroutine.
func NewClient(id string, conn *websocket.Conn) *Client {
	c := &Client{
		ID:   id,
		conn: conn,
		out:  make(chan any, 64),
		done: make(chan struct{}),
		Mode: protocol.ClientModeChat,
	}
	go c.run()
	return c
}

// run is the single writer goroutine for this socket; every Send funnels
// through here so writes never interleave.
func (c *Client) run() {
	for {
		select {
		case msg, ok := <-c.out:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				logrus.WithError(err).WithField("clientId", c.ID).Debug("client write failed")
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Send enqueues msg for delivery, dropping it (never blocking the caller)
// if this client's writer is backed up.
func (c *Client) Send(msg any) {
	select {
	case c.out <- msg:
	case <-c.done:
	default:
		logrus.WithField("clientId", c.ID).Warn("client outbound queue full, dropping frame")
	}
}

// CloseWithCode closes the underlying socket with the given WS close
// code, after flushing a best-effort close frame.
func (c *Client) CloseWithCode(code int, text string) {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text), time.Now().Add(writeTimeout))
	c.Close()
}

// Close tears down the writer goroutine and the socket; idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Done is closed once this client has been torn down.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) setActiveSession(id string) {
	c.mu.Lock()
	c.ActiveSessionID = id
	c.mu.Unlock()
}

func (c *Client) getActiveSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ActiveSessionID
}

func (c *Client) setMode(mode protocol.ClientMode) {
	c.mu.Lock()
	c.Mode = mode
	c.mu.Unlock()
}

func (c *Client) getMode() protocol.ClientMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Mode
}
