// Package telemetry defines the events a workflow emits while it runs and a
// Dispatcher that delivers them to hooks without ever blocking or failing the
// run that produced them.
package telemetry

import (
	"encoding/json"
	"time"
)

// Kind identifies an event.
type Kind string

const (
	// KindRunStarted is emitted once per run, with the initial state and the graph structure.
	KindRunStarted Kind = "run.started"
	// KindNodeStarted is emitted right before a node's Service is called.
	KindNodeStarted Kind = "node.started"
	// KindNodeFinished is emitted after a node returns, with its duration and error.
	KindNodeFinished Kind = "node.finished"
	// KindStateChanged is emitted for every committed store mutation.
	KindStateChanged Kind = "state.changed"
	// KindRunFinished is emitted once per run, with the final state or the error.
	KindRunFinished Kind = "run.finished"
)

// Event is a single telemetry record. Fields that do not apply to an event's
// Kind are left empty. State snapshots are JSON encoded so hooks do not need
// to know the workflow's state type.
type Event struct {
	Kind     Kind
	RunID    string
	Workflow string
	Time     time.Time

	NodeID   string
	NodeName string

	// Duration is set on node.finished and run.finished.
	Duration time.Duration
	// Status is set on node.finished and run.finished ("completed", "failed", "cancelled").
	Status string
	// Err is set on node.finished and run.finished when they failed.
	Err error

	// State is the initial state on run.started and the final state on run.finished.
	State json.RawMessage
	// Graph is the graph structure on run.started.
	Graph json.RawMessage

	// Before and After are the snapshots around a state.changed event.
	Before json.RawMessage
	After  json.RawMessage
	// Fields lists the fields touched by a state.changed event.
	Fields []string
}

// Emitter accepts events. Implementations must not block the caller.
type Emitter interface {
	Emit(Event)
}

// Hook consumes events. Errors are reported by the dispatcher and never
// reach the workflow.
type Hook interface {
	Handle(Event) error
}

// HookFunc adapts a function into a Hook.
type HookFunc func(Event) error

// Handle implements Hook.
func (f HookFunc) Handle(ev Event) error {
	return f(ev)
}

// Discard is an Emitter that drops every event.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(Event) {}
