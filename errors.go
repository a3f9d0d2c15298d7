package gograph

import (
	"errors"
	"fmt"
)

// Graph construction errors. All of them are fatal: NewGraph never returns a
// partially built graph.
var (
	// ErrInvalidEdge is returned for self-loops, nil endpoints and edges leaving the sink.
	ErrInvalidEdge = errors.New("invalid edge")
	// ErrUnreachableNode is returned when an edge endpoint cannot be reached from the source.
	ErrUnreachableNode = errors.New("node unreachable from source")
	// ErrUnreachableSink is returned when the sink cannot be reached from the source.
	ErrUnreachableSink = errors.New("sink unreachable from source")
	// ErrCycle is returned when the edges contain a cycle.
	ErrCycle = errors.New("cycle detected")
	// ErrDanglingNode is returned when a node other than the sink has no outgoing edge.
	ErrDanglingNode = errors.New("node has no outgoing edge")
	// ErrDuplicateNode is returned when two different nodes share an ID.
	ErrDuplicateNode = errors.New("duplicate node id")
)

// Run errors.
var (
	// ErrCancelled is returned when a run stops because its context was
	// cancelled before the next node could start.
	ErrCancelled = errors.New("run cancelled")
	// ErrNoRun is returned when a workflow's state is queried before any run.
	ErrNoRun = errors.New("workflow has not run yet")
	// ErrNoStore is returned when a store factory returns no store.
	ErrNoStore = errors.New("store factory returned no store")
	// ErrNodePanic is wrapped by the error of a node that panicked.
	ErrNodePanic = errors.New("node panicked")
)

// NodeExecutionError wraps an error returned by a node's Service method.
// The original error is available through errors.Unwrap / errors.As.
type NodeExecutionError struct {
	RunID    string
	NodeID   string
	NodeName string
	Err      error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node '%s' (%s) failed: %v", e.NodeName, e.NodeID, e.Err)
}

func (e *NodeExecutionError) Unwrap() error {
	return e.Err
}
