package gograph

import (
	"context"
	"time"

	"github.com/davidroman0O/gograph/store"
)

// Node is a single unit of work within a graph.
// Nodes are stateless descriptors: they are constructed once, shared by every
// run of a workflow, and read or write run data only through the store they
// receive at call time.
type Node[S any] interface {
	// ID returns the node's unique identifier within a graph
	ID() string

	// Name returns a human-readable name used in logs and telemetry
	Name() string

	// Service performs the node's work against the run's store.
	// A returned error aborts the current run; nodes do not retry on their own.
	Service(ctx context.Context, st *store.Store[S]) error
}

// Edge is a directed dependency: Head runs only after Tail has completed.
type Edge[S any] struct {
	Tail Node[S]
	Head Node[S]
}

// NodeInfo identifies a node invocation for middleware.
type NodeInfo struct {
	RunID    string
	Workflow string
	NodeID   string
	NodeName string
	// Index is the position of the node in the run's execution order.
	Index int
	// IsSink reports whether the node is the graph's sink.
	IsSink bool
}

// RunInfo identifies a run for workflow-level middleware.
type RunInfo struct {
	ID       string
	Workflow string
	Started  time.Time
}

// NodeRunnerFunc is the core function type for executing a node.
type NodeRunnerFunc func(ctx context.Context, node NodeInfo) error

// NodeMiddleware represents a function that wraps node execution.
// It allows performing operations before and after a node executes,
// retrying it, or short-circuiting it entirely.
type NodeMiddleware func(next NodeRunnerFunc) NodeRunnerFunc

// RunnerFunc is the core function type for executing a run.
type RunnerFunc func(ctx context.Context, run RunInfo) error

// Middleware represents a function that wraps a whole run.
// Middleware can perform actions before and after the graph walk,
// modify the context, or skip execution entirely.
type Middleware func(next RunnerFunc) RunnerFunc

// Status values for runs and nodes
const (
	// StatusRunning means currently in progress
	StatusRunning = "running"

	// StatusCompleted means successfully finished
	StatusCompleted = "completed"

	// StatusFailed means execution failed
	StatusFailed = "failed"

	// StatusCancelled means the run was stopped before completing
	StatusCancelled = "cancelled"
)

// RunResult contains the result of a workflow run
type RunResult[S any] struct {
	RunID    string
	Status   string
	Err      error
	Duration time.Duration
	// State is the run's final state; after a failed or cancelled run it is
	// the last committed state and may be incomplete.
	State S
	// StateJSON is the JSON encoding of State.
	StateJSON []byte
}
