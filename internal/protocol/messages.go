// Package protocol defines the wire-level message catalogue used by the
// WebSocket broker and the session layer: the inbound/outbound
// frame shapes, the type-tag constants, and the close code used to signal
// an intentional server restart.
package protocol

import jsoniter "github.com/json-iterator/go"

// JSON is the codec used for the hot frame-encode/decode path. It is
// configured to be a drop-in replacement for encoding/json with the same
// struct-tag semantics.
var JSON = jsoniter.ConfigCompatibleWithStandardLibrary

// CloseRestart is the application-reserved WS close code used whenever the
// server closes a socket on purpose (drain, shutdown). Clients key their
// reconnect UX off this value to distinguish "restarting" from "network
// failure" (1006 or anything else).
const CloseRestart = 4000

// Inbound client->broker message types (spec §4.4.3).
const (
	TypeAuth                   = "auth"
	TypeInput                  = "input"
	TypeInterrupt              = "interrupt"
	TypePermissionResponse     = "permission_response"
	TypeUserQuestionResponse   = "user_question_response"
	TypeSetModel               = "set_model"
	TypeSetPermissionMode      = "set_permission_mode"
	TypeSwitchSession          = "switch_session"
	TypeAttachSession          = "attach_session"
	TypeResize                 = "resize"
	TypeMode                   = "mode"
)

// Outbound broker->client message types (spec §4.4.1, §4.4.4, §4.5.3).
const (
	TypeAuthOK                  = "auth_ok"
	TypeAuthFail                = "auth_fail"
	TypeServerMode               = "server_mode"
	TypeStatus                   = "status"
	TypeSessionList              = "session_list"
	TypeSessionSwitched          = "session_switched"
	TypeAvailableModels          = "available_models"
	TypeAvailablePermissionModes = "available_permission_modes"
	TypePrimaryChanged           = "primary_changed"
	TypeSessionError             = "session_error"
	TypeServerShuttingDown       = "server_shutting_down"
	TypeServerError              = "server_error"
	TypeServerStatus             = "server_status"
	TypeError                    = "error"
	TypeClientJoined             = "client_joined"
	TypeClientLeft               = "client_left"
	TypeDirectoryListing         = "directory_listing"
)

// Session-event types emitted by the Session Manager and fanned out by the
// broker (spec §4.3, §4.4.4). These ride the same `type` field as every
// other outbound frame once tagged with a sessionId.
const (
	EventMessage            = "message"
	EventRaw                = "raw"
	EventStreamStart        = "stream_start"
	EventStreamDelta        = "stream_delta"
	EventStreamEnd          = "stream_end"
	EventToolStart          = "tool_start"
	EventToolResult         = "tool_result"
	EventAgentSpawned       = "agent_spawned"
	EventAgentCompleted     = "agent_completed"
	EventPermissionRequest  = "permission_request"
	EventUserQuestion       = "user_question"
	EventResult             = "result"
	EventError              = "error"
	EventStatusUpdate       = "status_update"
	EventClaudeReady        = "claude_ready"
	EventAgentBusy          = "agent_busy"
	EventAgentIdle          = "agent_idle"
)

// ServerMode mirrors the two shapes a child server can present to clients.
type ServerMode string

const (
	ServerModeCLI      ServerMode = "cli"
	ServerModeTerminal ServerMode = "terminal"
)

// ClientMode selects whether a client receives raw pty frames.
type ClientMode string

const (
	ClientModeChat     ClientMode = "chat"
	ClientModeTerminal ClientMode = "terminal"
)

// SessionKind distinguishes agent-driven sessions from raw terminals.
type SessionKind string

const (
	SessionKindInteractiveAgent SessionKind = "interactive-agent"
	SessionKindTerminal         SessionKind = "terminal"
)

// DeviceType enumerates the client attributes sent at auth time.
type DeviceType string

const (
	DeviceTypePhone   DeviceType = "phone"
	DeviceTypeTablet  DeviceType = "tablet"
	DeviceTypeDesktop DeviceType = "desktop"
	DeviceTypeUnknown DeviceType = "unknown"
)

// Envelope is the generic shape of every frame crossing the wire: a type
// tag plus a free-form payload. The broker does not decode through it:
// inbound frames are decoded directly into Inbound.
type Envelope struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"-"`
}

// Inbound is the raw shape used to sniff a client frame's type and fields
// without committing to a specific struct. Unknown/missing fields are left
// at their zero value, matching the "silently skip" resilience rule.
type Inbound struct {
	Type                string `json:"type"`
	Token               string `json:"token,omitempty"`
	Data                string `json:"data,omitempty"`
	SessionID           string `json:"sessionId,omitempty"`
	RequestID           string `json:"requestId,omitempty"`
	Decision            string `json:"decision,omitempty"`
	Answer              string `json:"answer,omitempty"`
	Model               string `json:"model,omitempty"`
	PermissionMode      string `json:"permissionMode,omitempty"`
	ExternalSource      string `json:"externalSource,omitempty"`
	Name                string `json:"name,omitempty"`
	Cols                int    `json:"cols,omitempty"`
	Rows                int    `json:"rows,omitempty"`
	Mode                string `json:"mode,omitempty"`
}

// AuthOK is the stable auth_ok contract (spec §4.4.1).
type AuthOK struct {
	Type             string     `json:"type"`
	ClientID         string     `json:"clientId"`
	ServerMode       ServerMode `json:"serverMode"`
	ServerVersion    string     `json:"serverVersion"`
	Cwd              string     `json:"cwd"`
	ConnectedClients []string   `json:"connectedClients"`
	ProtocolVersion  int        `json:"protocolVersion"`
}

func NewAuthOK(clientID string, mode ServerMode, version, cwd string, connected []string) AuthOK {
	return AuthOK{
		Type:             TypeAuthOK,
		ClientID:         clientID,
		ServerMode:       mode,
		ServerVersion:    version,
		Cwd:              cwd,
		ConnectedClients: connected,
		ProtocolVersion:  ProtocolVersion,
	}
}

// ProtocolVersion is bumped whenever the wire contract changes shape.
const ProtocolVersion = 1

// AuthFail carries the reason a client's auth attempt was rejected.
type AuthFail struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func NewAuthFail(reason string) AuthFail {
	return AuthFail{Type: TypeAuthFail, Reason: reason}
}

// SessionSummary is the snapshot shape used by session_list.
type SessionSummary struct {
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	Cwd     string      `json:"cwd"`
	Kind    SessionKind `json:"kind"`
	IsBusy  bool        `json:"isBusy"`
}

type SessionList struct {
	Type     string           `json:"type"`
	Sessions []SessionSummary `json:"sessions"`
}

func NewSessionList(sessions []SessionSummary) SessionList {
	return SessionList{Type: TypeSessionList, Sessions: sessions}
}

// PrimaryChanged announces a session's new (or cleared) primary client.
type PrimaryChanged struct {
	Type      string  `json:"type"`
	SessionID string  `json:"sessionId"`
	ClientID  *string `json:"clientId"`
}

func NewPrimaryChanged(sessionID string, clientID *string) PrimaryChanged {
	return PrimaryChanged{Type: TypePrimaryChanged, SessionID: sessionID, ClientID: clientID}
}

// SessionError carries a human-readable failure for a rejected client
// request; never fatal to the broker.
type SessionError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewSessionError(message string) SessionError {
	return SessionError{Type: TypeSessionError, Message: message}
}

// Error is the generic reply for rejected driving input (e.g. not_primary).
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewError(message string) Error {
	return Error{Type: TypeError, Message: message}
}

// ServerError surfaces a fatal/non-fatal infra failure (tunnel etc.) to
// every connected client.
type ServerError struct {
	Type        string `json:"type"`
	Category    string `json:"category"`
	Recoverable bool   `json:"recoverable"`
	Message     string `json:"message,omitempty"`
}

func NewServerError(category, message string, recoverable bool) ServerError {
	return ServerError{Type: TypeServerError, Category: category, Recoverable: recoverable, Message: message}
}

// SessionEvent is the tagged-union shape agent events are wrapped in
// before being fanned out by the broker. Payload is opaque JSON owned by
// the session/agent layer.
type SessionEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Payload   any    `json:"payload,omitempty"`
}

func NewSessionEvent(eventName, sessionID string, payload any) SessionEvent {
	return SessionEvent{Type: eventName, SessionID: sessionID, Payload: payload}
}

// ServerShuttingDown is broadcast before the broker closes every socket
// with CloseRestart.
type ServerShuttingDown struct {
	Type string `json:"type"`
}

func NewServerShuttingDown() ServerShuttingDown {
	return ServerShuttingDown{Type: TypeServerShuttingDown}
}

// PermissionRequest/Response model the HTTP<->WS permission bridge
// (spec §4.4.4).
type PermissionRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	ToolName  string `json:"tool_name"`
	ToolInput any    `json:"tool_input"`
}

type PermissionHTTPRequest struct {
	ToolName  string `json:"tool_name"`
	ToolInput any    `json:"tool_input"`
}

type PermissionHTTPResponse struct {
	Decision string `json:"decision"`
	Message  string `json:"message,omitempty"`
}
