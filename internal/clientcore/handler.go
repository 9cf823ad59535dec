package clientcore

import "sync"

// ClientRecord mirrors a client_joined broadcast entry kept client-side
// for the connected-devices list.
type ClientRecord struct {
	ClientID   string
	DeviceName string
	DeviceType string
}

// SessionRecord is the client-side view of one session_list entry.
type SessionRecord struct {
	SessionID string
	Name      string
	IsBusy    bool
}

// Store is the inbound-message handler target: everything a connected
// client tracks about sessions, other clients, and primary ownership.
// Mutated exclusively through ApplyInbound's dispatch table (spec §4.5.3).
type Store struct {
	mu sync.Mutex

	sessions map[string]SessionRecord
	clients  map[string]ClientRecord

	// primaryBySession maps sessionId -> whether the latest primary_changed
	// named a primary client (any string clientId; it is not compared with
	// this device's own id).
	// "default" or an absent sessionId also mirrors into legacyPrimary for
	// callers that still read a single flat field.
	primaryBySession map[string]bool
	legacyPrimary    bool

	directoryCallback func(entries []string, errMsg string)
}

// NewStore returns an empty client-side store.
func NewStore() *Store {
	return &Store{
		sessions:         make(map[string]SessionRecord),
		clients:          make(map[string]ClientRecord),
		primaryBySession: make(map[string]bool),
	}
}

// HandlerFunc mutates the store in response to one decoded inbound frame.
type HandlerFunc func(s *Store, payload map[string]any)

// dispatch is the single lookup table from wire `type` to handler (spec
// §9 "represent inbound frames as a tagged variant union ... route via a
// lookup table"). Unknown types and frames missing `type` are handled by
// ApplyInbound before this table is even consulted.
var dispatch = map[string]HandlerFunc{
	"session_list":    handleSessionList,
	"primary_changed": handlePrimaryChanged,
	"client_joined":   handleClientJoined,
	"client_left":     handleClientLeft,
	"directory_listing": handleDirectoryListing,
}

// ApplyInbound decodes a raw frame's `type` field and routes it through
// the dispatch table. Frames missing `type`, or carrying an unrecognized
// one, are silently skipped — never an error.
func ApplyInbound(s *Store, frame map[string]any) {
	typ, ok := frame["type"].(string)
	if !ok || typ == "" {
		return
	}
	h, ok := dispatch[typ]
	if !ok {
		return
	}
	h(s, frame)
}

func handleSessionList(s *Store, payload map[string]any) {
	raw, ok := payload["sessions"].([]any)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]SessionRecord, len(raw))
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id, ok := entry["id"].(string)
		if !ok || id == "" {
			continue
		}
		name, _ := entry["name"].(string)
		busy, _ := entry["isBusy"].(bool)
		next[id] = SessionRecord{SessionID: id, Name: name, IsBusy: busy}
	}
	s.sessions = next
}

// handlePrimaryChanged implements the "unknown sessionId must not clobber
// legacy single-session state" rule: only sessionId == "default" or an
// absent sessionId maps into the flat legacy field.
func handlePrimaryChanged(s *Store, payload map[string]any) {
	sessionID, hasSessionID := payload["sessionId"].(string)

	// clientId may legitimately be nil/absent (clearing primary) or a
	// non-string garbage value from a malformed frame; either way that's
	// just "not primary" rather than a crash.
	_, clientIDIsString := payload["clientId"].(string)
	isPrimary := clientIDIsString

	s.mu.Lock()
	defer s.mu.Unlock()

	if hasSessionID && sessionID != "" {
		s.primaryBySession[sessionID] = isPrimary
	}
	if !hasSessionID || sessionID == "" || sessionID == "default" {
		s.legacyPrimary = isPrimary
	}
}

func handleClientJoined(s *Store, payload map[string]any) {
	id, ok := payload["clientId"].(string)
	if !ok || id == "" {
		return
	}
	name, _ := payload["deviceName"].(string)
	deviceType, _ := payload["deviceType"].(string)

	s.mu.Lock()
	defer s.mu.Unlock()
	// Dedup by clientId: a repeat join simply replaces the prior record.
	s.clients[id] = ClientRecord{ClientID: id, DeviceName: name, DeviceType: deviceType}
}

func handleClientLeft(s *Store, payload map[string]any) {
	id, ok := payload["clientId"].(string)
	if !ok {
		// non-string clientId: no-op, never a crash.
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, id)
}

func handleDirectoryListing(s *Store, payload map[string]any) {
	s.mu.Lock()
	cb := s.directoryCallback
	s.directoryCallback = nil // one-shot
	s.mu.Unlock()

	if cb == nil {
		return
	}

	var entries []string
	if raw, ok := payload["entries"].([]any); ok {
		for _, e := range raw {
			if str, ok := e.(string); ok {
				entries = append(entries, str)
			}
		}
	}
	errMsg, _ := payload["error"].(string)

	cb(entries, errMsg)
}

// RegisterDirectoryListingCallback arms the one-shot callback consumed by
// the next directory_listing frame.
func (s *Store) RegisterDirectoryListingCallback(cb func(entries []string, errMsg string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.directoryCallback = cb
}

// IsPrimary reports whether the latest primary_changed for sessionID named
// a primary client ("" or "default" reads the legacy flat field). It does
// not check whether that client is this device.
func (s *Store) IsPrimary(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sessionID == "" || sessionID == "default" {
		return s.legacyPrimary
	}
	if v, ok := s.primaryBySession[sessionID]; ok {
		return v
	}
	return false
}

// Sessions returns a snapshot of the current session list.
func (s *Store) Sessions() []SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionRecord, 0, len(s.sessions))
	for _, v := range s.sessions {
		out = append(out, v)
	}
	return out
}

// Clients returns a snapshot of the currently known connected clients.
func (s *Store) Clients() []ClientRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ClientRecord, 0, len(s.clients))
	for _, v := range s.clients {
		out = append(out, v)
	}
	return out
}
