package clientcore

import (
	"testing"
	"time"
)

var base = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// property 1
func TestQueueTTLDrainsOnlySurvivors(t *testing.T) {
	q := NewQueue()
	if ok := q.Enqueue("input", "hello", base); !ok {
		t.Fatalf("expected enqueue to succeed")
	}
	if ok := q.Enqueue("interrupt", nil, base); !ok {
		t.Fatalf("expected enqueue to succeed")
	}
	if ok := q.Enqueue("input", "world", base.Add(6*time.Second)); !ok {
		t.Fatalf("expected enqueue to succeed")
	}

	drained := q.Drain(base.Add(7 * time.Second))
	if len(drained) != 2 {
		t.Fatalf("expected 2 survivors, got %d", len(drained))
	}
	if drained[0].Payload != "hello" || drained[1].Payload != "world" {
		t.Fatalf("unexpected drain order/content: %+v", drained)
	}
	if q.Len() != 0 {
		t.Fatalf("expected queue empty after drain, got %d", q.Len())
	}
}

// property 2
func TestQueueCapRejectsEleventh(t *testing.T) {
	q := NewQueue()
	for i := 0; i < QueueCap; i++ {
		if ok := q.Enqueue("input", i, base); !ok {
			t.Fatalf("enqueue %d should have succeeded", i)
		}
	}
	if ok := q.Enqueue("input", "overflow", base); ok {
		t.Fatalf("11th enqueue should fail")
	}
	if q.Len() != QueueCap {
		t.Fatalf("expected queue length to remain %d, got %d", QueueCap, q.Len())
	}
}

// property 3
func TestExcludedTypesNeverConsumeCapacity(t *testing.T) {
	q := NewQueue()
	for _, typ := range []string{"set_model", "set_permission_mode", "resize"} {
		if ok := q.Enqueue(typ, nil, base); ok {
			t.Fatalf("%s should never be queued", typ)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("expected 0 queued messages, got %d", q.Len())
	}
}

// S2 — queue drains on reconnect.
func TestScenarioS2QueueDrainsOnReconnect(t *testing.T) {
	q := NewQueue()
	q.Enqueue("input", "hello", base)
	q.Enqueue("interrupt", nil, base)
	q.Enqueue("input", "world", base.Add(6*time.Second))

	drained := q.Drain(base.Add(7 * time.Second))
	if len(drained) != 2 {
		t.Fatalf("expected exactly 2 messages, got %d", len(drained))
	}
	if drained[0].Type != "input" || drained[0].Payload != "hello" {
		t.Fatalf("expected first survivor to be input hello, got %+v", drained[0])
	}
	if drained[1].Type != "input" || drained[1].Payload != "world" {
		t.Fatalf("expected second survivor to be input world, got %+v", drained[1])
	}
}

func TestQueueClear(t *testing.T) {
	q := NewQueue()
	q.Enqueue("input", "x", base)
	q.Clear()
	if q.Len() != 0 {
		t.Fatalf("expected queue cleared, got %d", q.Len())
	}
}
