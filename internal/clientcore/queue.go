package clientcore

import (
	"sync"
	"time"
)

// QueueCap is the max number of buffered messages; the 11th enqueue fails
// rather than evicting an older entry (spec §3 invariant, property 2).
const QueueCap = 10

// ttlByType holds the TTL for each queueable message type (spec §4.5.2).
var ttlByType = map[string]time.Duration{
	"input":                   60 * time.Second,
	"permission_response":     30 * time.Second,
	"user_question_response":  30 * time.Second,
	"interrupt":               5 * time.Second,
}

// neverQueued are types that silently no-op when offline instead of
// consuming a queue slot (spec §4.5.2, property 3).
var neverQueued = map[string]bool{
	"set_model":           true,
	"set_permission_mode": true,
	"resize":              true,
}

// QueuedMessage is one buffered outbound frame (spec §3
// OutboundQueuedMessage).
type QueuedMessage struct {
	Type       string
	Payload    any
	EnqueuedAt time.Time
	TTL        time.Duration
}

func (m QueuedMessage) expired(now time.Time) bool {
	return m.EnqueuedAt.Add(m.TTL).Before(now)
}

// Queue is the bounded TTL-tagged outbound message buffer.
type Queue struct {
	mu       sync.Mutex
	messages []QueuedMessage
}

// NewQueue returns an empty queue.
func NewQueue() *Queue { return &Queue{} }

// Enqueue buffers msgType/payload at time now. Returns false (never
// queued, no slot consumed) for the excluded types, or if the queue is
// already at capacity.
func (q *Queue) Enqueue(msgType string, payload any, now time.Time) bool {
	if neverQueued[msgType] {
		return false
	}

	ttl, known := ttlByType[msgType]
	if !known {
		ttl = 60 * time.Second
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) >= QueueCap {
		return false
	}

	q.messages = append(q.messages, QueuedMessage{
		Type:       msgType,
		Payload:    payload,
		EnqueuedAt: now,
		TTL:        ttl,
	})
	return true
}

// Len returns the number of currently buffered messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Drain returns, in FIFO order, every message whose TTL has not expired
// as of now, then always empties the queue (spec §4.5.2 drain algorithm,
// property 1).
func (q *Queue) Drain(now time.Time) []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	survivors := make([]QueuedMessage, 0, len(q.messages))
	for _, m := range q.messages {
		if !m.expired(now) {
			survivors = append(survivors, m)
		}
	}
	q.messages = nil
	return survivors
}

// Clear empties the queue without draining (used by disconnect()).
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = nil
}
