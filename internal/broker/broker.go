package broker

import (
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/devpocket/relay/internal/protocol"
	"github.com/devpocket/relay/internal/session"
)

// externalSourceRe mirrors session's validation; kept local so the broker
// can reject before ever calling the Session Manager (spec §4.4.3).
var externalSourceRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// Config holds the broker's fixed-at-startup posture.
type Config struct {
	AuthRequired  bool
	Token         string
	ServerMode    protocol.ServerMode
	ServerVersion string
	Cwd           string
}

// Broker is the multi-client, multi-session fan-out layer. One Broker is
// owned by each child server instance.
type Broker struct {
	cfg     Config
	manager *session.Manager

	mu       sync.RWMutex
	clients  map[string]*Client
	primary  map[string]string // sessionId -> clientId

	permMu  sync.Mutex
	pending map[string]chan protocol.PermissionHTTPResponse

	shuttingDown bool
}

// New constructs a Broker bound to manager, which supplies session
// lifecycle operations and the agent-event stream.
func New(cfg Config, manager *session.Manager) *Broker {
	return &Broker{
		cfg:     cfg,
		manager: manager,
		clients: make(map[string]*Client),
		primary: make(map[string]string),
		pending: make(map[string]chan protocol.PermissionHTTPResponse),
	}
}

// Run multiplexes the Session Manager's event channel, fanning each
// tagged event out to clients per the routing table in spec §4.4.4. It
// blocks until the manager's event channel closes.
func (b *Broker) Run() {
	for ev := range b.manager.Events() {
		b.dispatchSessionEvent(ev)
	}
}

func (b *Broker) dispatchSessionEvent(ev session.Event) {
	switch ev.Name {
	case protocol.EventRaw:
		b.broadcastRaw(ev.SessionID, ev.Payload)
	case protocol.EventAgentBusy, protocol.EventAgentIdle:
		if sess, ok := b.manager.Get(ev.SessionID); ok {
			sess.SetBusy(ev.Name == protocol.EventAgentBusy)
		}
		b.broadcastAll(protocol.NewSessionEvent(ev.Name, ev.SessionID, ev.Payload))
		b.broadcastAll(protocol.NewSessionList(b.manager.ListSessions()))
	default:
		b.broadcastAll(protocol.NewSessionEvent(ev.Name, ev.SessionID, ev.Payload))
	}
}

// broadcastRaw delivers a raw pty frame only to clients actively viewing
// that session in terminal mode (spec §4.4.4, property 9).
func (b *Broker) broadcastRaw(sessionID string, payload any) {
	frame := protocol.NewSessionEvent(protocol.EventRaw, sessionID, payload)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, c := range b.clients {
		if !c.Authenticated {
			continue
		}
		if c.getActiveSession() == sessionID && c.getMode() == protocol.ClientModeTerminal {
			c.Send(frame)
		}
	}
}

func (b *Broker) broadcastAll(msg any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, c := range b.clients {
		if c.Authenticated {
			c.Send(msg)
		}
	}
}

// HandleConn runs the full lifecycle of one client socket: registration,
// auth handshake, read loop dispatch, and teardown. It returns once the
// socket closes.
func (b *Broker) HandleConn(conn *websocket.Conn) {
	id := uuid.NewString()
	client := NewClient(id, conn)

	b.mu.Lock()
	b.clients[id] = client
	b.mu.Unlock()

	defer b.unregister(client)

	if !b.cfg.AuthRequired {
		client.Authenticated = true
		client.Send(b.authOK(client))
		b.sendPostAuthSequence(client)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var in protocol.Inbound
		if err := protocol.JSON.Unmarshal(data, &in); err != nil {
			logrus.WithError(err).Debug("malformed inbound frame dropped")
			continue
		}
		if in.Type == "" {
			continue
		}
		if b.handleInbound(client, in) == errAuthFailed {
			return
		}
	}
}

type handleResult int

const (
	handleOK handleResult = iota
	errAuthFailed
)

func (b *Broker) handleInbound(c *Client, in protocol.Inbound) handleResult {
	if !c.Authenticated {
		if in.Type != protocol.TypeAuth {
			return handleOK
		}
		if in.Token != b.cfg.Token {
			c.Send(protocol.NewAuthFail("invalid_token"))
			c.CloseWithCode(websocket.CloseNormalClosure, "auth_fail")
			return errAuthFailed
		}
		c.Authenticated = true
		c.Send(b.authOK(c))
		b.sendPostAuthSequence(c)
		return handleOK
	}

	switch in.Type {
	case protocol.TypeAuth:
		// already authenticated; ignore per spec §4.4.1 (authRequired=false path)
	case protocol.TypeInput:
		b.handleDrivingInput(c, in.SessionID, protocol.TypeInput, []byte(in.Data))
	case protocol.TypeInterrupt:
		b.handleInterrupt(c, in.SessionID)
	case protocol.TypePermissionResponse:
		b.resolvePermission(in.RequestID, protocol.PermissionHTTPResponse{Decision: in.Decision})
	case protocol.TypeUserQuestionResponse:
		b.handleUserQuestionResponse(c, in.SessionID, in.Answer)
	case protocol.TypeSetModel:
		b.handleSetModel(in.SessionID, in.Model)
	case protocol.TypeSetPermissionMode:
		b.handleSetPermissionMode(in.SessionID, in.PermissionMode)
	case protocol.TypeSwitchSession:
		c.setActiveSession(in.SessionID)
		c.Send(map[string]any{"type": protocol.TypeSessionSwitched, "sessionId": in.SessionID})
	case protocol.TypeAttachSession:
		b.handleAttachSession(c, in)
	case protocol.TypeResize:
		b.handleResize(c, in.SessionID, in.Cols, in.Rows)
	case protocol.TypeMode:
		if in.Mode == string(protocol.ClientModeTerminal) {
			c.setMode(protocol.ClientModeTerminal)
		} else {
			c.setMode(protocol.ClientModeChat)
		}
	default:
		// unknown type: silently skipped per spec §4.5.3 resilience rule
	}
	return handleOK
}

func (b *Broker) resolveSession(c *Client, sessionID string) string {
	if sessionID != "" {
		return sessionID
	}
	return c.getActiveSession()
}

func (b *Broker) handleDrivingInput(c *Client, sessionID, msgType string, data []byte) {
	sid := b.resolveSession(c, sessionID)
	sess, ok := b.manager.Get(sid)
	if !ok {
		c.Send(protocol.NewSessionError("unknown session"))
		return
	}
	if !b.isPrimary(sid, c.ID) {
		c.Send(protocol.NewError("not_primary"))
		return
	}
	if err := sess.Backend.Write(data); err != nil {
		c.Send(protocol.NewSessionError(err.Error()))
	}
}

func (b *Broker) handleInterrupt(c *Client, sessionID string) {
	sid := b.resolveSession(c, sessionID)
	sess, ok := b.manager.Get(sid)
	if !ok {
		return
	}
	if !b.isPrimary(sid, c.ID) {
		c.Send(protocol.NewError("not_primary"))
		return
	}
	_ = sess.Backend.Interrupt()
}

func (b *Broker) handleUserQuestionResponse(c *Client, sessionID, answer string) {
	sid := b.resolveSession(c, sessionID)
	sess, ok := b.manager.Get(sid)
	if !ok || sess.Kind != session.KindInteractiveAgent {
		return
	}
	_ = sess.Backend.Write([]byte(answer))
}

func (b *Broker) handleSetModel(sessionID, model string) {
	sess, ok := b.manager.Get(sessionID)
	if !ok || sess.IsBusy() {
		return
	}
	sess.Model = model
}

func (b *Broker) handleSetPermissionMode(sessionID, mode string) {
	sess, ok := b.manager.Get(sessionID)
	if !ok || sess.IsBusy() {
		return
	}
	sess.PermissionMode = mode
}

func (b *Broker) handleResize(c *Client, sessionID string, cols, rows int) {
	sid := b.resolveSession(c, sessionID)
	sess, ok := b.manager.Get(sid)
	if !ok || sess.Kind != session.KindTerminal {
		return
	}
	_ = sess.Backend.Resize(cols, rows)
}

func (b *Broker) handleAttachSession(c *Client, in protocol.Inbound) {
	if in.ExternalSource != "" && !externalSourceRe.MatchString(in.ExternalSource) {
		c.Send(protocol.NewSessionError("Invalid tmux session name"))
		return
	}
	id := uuid.NewString()
	kind := session.KindInteractiveAgent
	if in.Mode == string(protocol.ClientModeTerminal) {
		kind = session.KindTerminal
	}
	sess, err := b.manager.AttachSession(id, in.Name, "", in.ExternalSource, kind)
	if err != nil {
		c.Send(protocol.NewSessionError(err.Error()))
		return
	}
	c.setActiveSession(id)
	for _, ev := range sess.History() {
		c.Send(protocol.NewSessionEvent(ev.Name, ev.SessionID, ev.Payload))
	}
	b.broadcastAll(protocol.NewSessionList(b.manager.ListSessions()))
}

// SetPrimary updates ownership of sessionID and broadcasts the change
// (spec §4.4.2).
func (b *Broker) SetPrimary(sessionID, clientID string) {
	b.mu.Lock()
	b.primary[sessionID] = clientID
	b.mu.Unlock()
	id := clientID
	b.broadcastAll(protocol.NewPrimaryChanged(sessionID, &id))
}

// clearPrimaryIfOwner clears sessionID's primary iff it's currently
// clientID, broadcasting the clear. Called on client disconnect.
func (b *Broker) clearPrimaryIfOwner(clientID string) {
	b.mu.Lock()
	var cleared []string
	for sid, owner := range b.primary {
		if owner == clientID {
			delete(b.primary, sid)
			cleared = append(cleared, sid)
		}
	}
	b.mu.Unlock()
	for _, sid := range cleared {
		b.broadcastAll(protocol.NewPrimaryChanged(sid, nil))
	}
}

func (b *Broker) isPrimary(sessionID, clientID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	owner, ok := b.primary[sessionID]
	return ok && owner == clientID
}

func (b *Broker) authOK(c *Client) protocol.AuthOK {
	b.mu.RLock()
	connected := make([]string, 0, len(b.clients))
	for id := range b.clients {
		connected = append(connected, id)
	}
	b.mu.RUnlock()
	return protocol.NewAuthOK(c.ID, b.cfg.ServerMode, b.cfg.ServerVersion, b.cfg.Cwd, connected)
}

// sendPostAuthSequence sends the fixed-order frames following auth_ok
// (spec §4.4.1).
func (b *Broker) sendPostAuthSequence(c *Client) {
	c.Send(map[string]any{"type": protocol.TypeServerMode, "mode": b.cfg.ServerMode})
	c.Send(map[string]any{"type": protocol.TypeStatus, "ok": true})
	sessions := b.manager.ListSessions()
	if len(sessions) > 1 {
		c.Send(protocol.NewSessionList(sessions))
	}
	c.Send(map[string]any{"type": protocol.TypeSessionSwitched, "sessionId": c.getActiveSession()})
	c.Send(map[string]any{"type": protocol.TypeAvailableModels, "models": []string{}})
	c.Send(map[string]any{"type": protocol.TypeAvailablePermissionModes, "modes": []string{}})
}

func (b *Broker) unregister(c *Client) {
	b.mu.Lock()
	delete(b.clients, c.ID)
	b.mu.Unlock()
	b.clearPrimaryIfOwner(c.ID)
	c.Close()
}

// ClientCount reports the number of currently registered clients.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// CheckToken validates an out-of-band bearer token (used by the
// /permission HTTP route) against the same token configured for WS auth.
// When auth is not required, any token is accepted.
func (b *Broker) CheckToken(token string) bool {
	if !b.cfg.AuthRequired {
		return true
	}
	return token == b.cfg.Token
}

// Shutdown broadcasts server_shutting_down and closes every socket with
// the application-reserved restart close code (spec §4.4.5).
func (b *Broker) Shutdown() {
	b.mu.Lock()
	b.shuttingDown = true
	clients := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	for _, c := range clients {
		c.Send(protocol.NewServerShuttingDown())
	}
	time.Sleep(50 * time.Millisecond) // let the shutdown notice flush before closing
	for _, c := range clients {
		c.CloseWithCode(protocol.CloseRestart, "restarting")
	}
}
