package broker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/devpocket/relay/internal/protocol"
)

// PermissionTimeout bounds how long the HTTP bridge waits for a matching
// WS permission_response before deciding `deny` (spec §5, recommended to
// match the settings-hook timeout of 300s).
const PermissionTimeout = 300 * time.Second

// RequestPermission broadcasts a permission_request to every authenticated
// client and blocks until a matching permission_response arrives or ctx/
// the internal timeout elapses, in which case it returns deny.
func (b *Broker) RequestPermission(ctx context.Context, req protocol.PermissionHTTPRequest) protocol.PermissionHTTPResponse {
	requestID := uuid.NewString()
	ch := make(chan protocol.PermissionHTTPResponse, 1)

	b.permMu.Lock()
	b.pending[requestID] = ch
	b.permMu.Unlock()
	defer func() {
		b.permMu.Lock()
		delete(b.pending, requestID)
		b.permMu.Unlock()
	}()

	b.broadcastAll(protocol.PermissionRequest{
		Type:      protocol.EventPermissionRequest,
		RequestID: requestID,
		ToolName:  req.ToolName,
		ToolInput: req.ToolInput,
	})

	timeout := time.NewTimer(PermissionTimeout)
	defer timeout.Stop()

	select {
	case resp := <-ch:
		return resp
	case <-timeout.C:
		return protocol.PermissionHTTPResponse{Decision: "deny"}
	case <-ctx.Done():
		return protocol.PermissionHTTPResponse{Decision: "deny"}
	}
}

// resolvePermission delivers a permission_response to its waiting HTTP
// caller; silently no-ops on an unknown requestId (spec §4.4.3).
func (b *Broker) resolvePermission(requestID string, resp protocol.PermissionHTTPResponse) {
	b.permMu.Lock()
	ch, ok := b.pending[requestID]
	b.permMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}
