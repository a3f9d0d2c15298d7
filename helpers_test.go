package gograph

import (
	"context"
	"sync"
	"testing"

	"github.com/davidroman0O/gograph/store"
	"github.com/davidroman0O/gograph/telemetry"
)

// TestLogger is a simple logger implementation for testing
type TestLogger struct {
	t *testing.T
}

func (l *TestLogger) Debug(format string, args ...interface{}) {
	l.t.Logf("[DEBUG] "+format, args...)
}

func (l *TestLogger) Info(format string, args ...interface{}) {
	l.t.Logf("[INFO] "+format, args...)
}

func (l *TestLogger) Warn(format string, args ...interface{}) {
	l.t.Logf("[WARN] "+format, args...)
}

func (l *TestLogger) Error(format string, args ...interface{}) {
	l.t.Logf("[ERROR] "+format, args...)
}

type counterState struct {
	Counter int      `json:"counter"`
	Visited []string `json:"visited"`
}

// noop creates a node that does nothing, with a readable fixed ID.
func noop(id string) Node[counterState] {
	return &testNode{BaseNode: NewBaseNodeWithID(id, id)}
}

// visit creates a node that appends its ID to Visited.
func visit(id string) Node[counterState] {
	return &testNode{
		BaseNode: NewBaseNodeWithID(id, id),
		fn: func(ctx context.Context, st *store.Store[counterState]) error {
			return st.Update(ctx, func(s counterState) store.Partial {
				return store.Partial{"visited": append(s.Visited, id)}
			})
		},
	}
}

func increment() Node[counterState] {
	return &testNode{
		BaseNode: NewBaseNodeWithID("increment", "Increment"),
		fn: func(ctx context.Context, st *store.Store[counterState]) error {
			return st.Update(ctx, func(s counterState) store.Partial {
				return store.Partial{"counter": s.Counter + 1}
			})
		},
	}
}

type testNode struct {
	BaseNode
	fn ServiceFunc[counterState]
}

func (n *testNode) Service(ctx context.Context, st *store.Store[counterState]) error {
	if n.fn == nil {
		return nil
	}
	return n.fn(ctx, st)
}

// eventLog records every telemetry event it receives.
type eventLog struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (l *eventLog) Emit(ev telemetry.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []telemetry.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]telemetry.Event(nil), l.events...)
}

func (l *eventLog) kinds() []telemetry.Kind {
	var out []telemetry.Kind
	for _, ev := range l.all() {
		out = append(out, ev.Kind)
	}
	return out
}
