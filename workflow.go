package gograph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidroman0O/gograph/store"
	"github.com/davidroman0O/gograph/telemetry"
)

// StoreFactory creates the fresh store a run works against.
type StoreFactory[S any] func() (*store.Store[S], error)

// InitialState returns a StoreFactory that starts every run from a copy of
// initial.
func InitialState[S any](initial S) StoreFactory[S] {
	return func() (*store.Store[S], error) {
		return store.New(initial)
	}
}

// Workflow binds a graph to a store factory. Every run gets its own store,
// so a workflow can be executed repeatedly, or concurrently, without state
// leaking from one run into another.
type Workflow[S any] struct {
	// ID is the unique identifier for the workflow
	ID string
	// Name is a human-readable name for the workflow
	Name string

	graph     *Graph[S]
	factory   StoreFactory[S]
	options   workflowOptions
	graphJSON json.RawMessage

	// mu guards last, the store of the most recently started run.
	mu   sync.RWMutex
	last *store.Store[S]
}

type workflowOptions struct {
	logger         Logger
	concurrency    int
	emitter        telemetry.Emitter
	middleware     []Middleware
	nodeMiddleware []NodeMiddleware
}

// WorkflowOption is a function that configures a Workflow
type WorkflowOption func(*workflowOptions)

// WithLogger sets the logger used during runs
func WithLogger(logger Logger) WorkflowOption {
	return func(o *workflowOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithConcurrency sets how many independent nodes may run at the same time.
// The default of 1 walks the graph sequentially in a deterministic order.
func WithConcurrency(n int) WorkflowOption {
	return func(o *workflowOptions) {
		if n < 1 {
			n = 1
		}
		o.concurrency = n
	}
}

// WithTelemetry sets the emitter that receives run, node and state events.
func WithTelemetry(emitter telemetry.Emitter) WorkflowOption {
	return func(o *workflowOptions) {
		if emitter != nil {
			o.emitter = emitter
		}
	}
}

// WithMiddleware adds run-level middleware. The first middleware is the
// outermost wrapper.
func WithMiddleware(middleware ...Middleware) WorkflowOption {
	return func(o *workflowOptions) {
		o.middleware = append(o.middleware, middleware...)
	}
}

// WithNodeMiddleware adds middleware applied to every node invocation. The
// first middleware is the outermost wrapper.
func WithNodeMiddleware(middleware ...NodeMiddleware) WorkflowOption {
	return func(o *workflowOptions) {
		o.nodeMiddleware = append(o.nodeMiddleware, middleware...)
	}
}

// NewWorkflow creates a workflow named name that runs graph against stores
// produced by factory.
func NewWorkflow[S any](name string, graph *Graph[S], factory StoreFactory[S], opts ...WorkflowOption) (*Workflow[S], error) {
	if graph == nil {
		return nil, errors.New("workflow requires a graph")
	}
	if factory == nil {
		return nil, errors.New("workflow requires a store factory")
	}

	options := workflowOptions{
		logger:      NewDefaultLogger(),
		concurrency: 1,
		emitter:     telemetry.Discard,
	}
	for _, opt := range opts {
		opt(&options)
	}

	graphJSON, err := json.Marshal(graph)
	if err != nil {
		return nil, fmt.Errorf("failed to encode graph: %w", err)
	}

	return &Workflow[S]{
		ID:        uuid.NewString(),
		Name:      name,
		graph:     graph,
		factory:   factory,
		options:   options,
		graphJSON: graphJSON,
	}, nil
}

// Graph returns the workflow's graph.
func (w *Workflow[S]) Graph() *Graph[S] {
	return w.graph
}

// Schema returns the JSON Schema of the workflow's state type.
func (w *Workflow[S]) Schema() ([]byte, error) {
	return store.Schema[S]()
}

// Execute performs one isolated run and returns its error, if any.
func (w *Workflow[S]) Execute(ctx context.Context) error {
	return w.Run(ctx).Err
}

// Run performs one isolated run: it asks the factory for a fresh store,
// walks the graph from source to sink and reports the outcome.
func (w *Workflow[S]) Run(ctx context.Context) RunResult[S] {
	if ctx == nil {
		ctx = context.Background()
	}

	run := RunInfo{
		ID:       uuid.NewString(),
		Workflow: w.Name,
		Started:  time.Now(),
	}
	logger := w.options.logger

	st, err := w.factory()
	if err == nil && st == nil {
		err = ErrNoStore
	}
	if err != nil {
		err = fmt.Errorf("workflow '%s': %w", w.Name, err)
		logger.Error("Failed to create store for workflow %s: %v", w.Name, err)
		return RunResult[S]{RunID: run.ID, Status: StatusFailed, Err: err}
	}

	w.mu.Lock()
	w.last = st
	w.mu.Unlock()

	if w.options.emitter != telemetry.Discard {
		unsubscribe := st.Subscribe(w.observe(run))
		defer unsubscribe()
	}

	w.emit(telemetry.Event{
		Kind:  telemetry.KindRunStarted,
		RunID: run.ID,
		Time:  run.Started,
		State: snapshot(st),
		Graph: w.graphJSON,
	})
	logger.Info("Starting workflow: %s (run %s)", w.Name, run.ID)

	var handler RunnerFunc = func(ctx context.Context, run RunInfo) error {
		return w.walk(ctx, run, st)
	}
	for i := len(w.options.middleware) - 1; i >= 0; i-- {
		handler = w.options.middleware[i](handler)
	}

	err = handler(ctx, run)

	result := RunResult[S]{
		RunID:     run.ID,
		Status:    statusOf(err),
		Err:       err,
		Duration:  time.Since(run.Started),
		State:     st.State(),
		StateJSON: snapshot(st),
	}

	w.emit(telemetry.Event{
		Kind:     telemetry.KindRunFinished,
		RunID:    run.ID,
		Time:     time.Now(),
		Duration: result.Duration,
		Status:   result.Status,
		Err:      err,
		State:    result.StateJSON,
	})

	switch result.Status {
	case StatusCompleted:
		logger.Info("Workflow completed successfully: %s (run %s, %s)", w.Name, run.ID, result.Duration)
	case StatusCancelled:
		logger.Warn("Workflow cancelled: %s (run %s): %v", w.Name, run.ID, err)
	default:
		logger.Error("Workflow failed: %s (run %s): %v", w.Name, run.ID, err)
	}

	return result
}

// State returns a snapshot of the state of the most recently started run.
// After a failed or cancelled run the snapshot holds the last committed
// state, which may be incomplete.
func (w *Workflow[S]) State() (S, error) {
	w.mu.RLock()
	st := w.last
	w.mu.RUnlock()

	if st == nil {
		var zero S
		return zero, ErrNoRun
	}
	return st.State(), nil
}

// StateJSON returns the JSON encoding of State.
func (w *Workflow[S]) StateJSON() ([]byte, error) {
	w.mu.RLock()
	st := w.last
	w.mu.RUnlock()

	if st == nil {
		return nil, ErrNoRun
	}
	return st.JSON()
}

// Store returns the store of the most recently started run, or nil.
func (w *Workflow[S]) Store() *store.Store[S] {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.last
}

// observe forwards store changes of one run to the emitter.
func (w *Workflow[S]) observe(run RunInfo) store.Observer[S] {
	return func(c store.Change[S]) {
		ev := telemetry.Event{
			Kind:   telemetry.KindStateChanged,
			RunID:  run.ID,
			Time:   c.At,
			NodeID: c.NodeID,
			Before: marshal(c.Before),
			After:  marshal(c.After),
			Fields: c.Fields,
		}
		if n, ok := w.graph.Node(c.NodeID); ok {
			ev.NodeName = n.Name()
		}
		w.emit(ev)
	}
}

func (w *Workflow[S]) emit(ev telemetry.Event) {
	ev.Workflow = w.Name
	w.options.emitter.Emit(ev)
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return StatusCompleted
	case errors.Is(err, ErrCancelled):
		return StatusCancelled
	default:
		return StatusFailed
	}
}

func snapshot[S any](st *store.Store[S]) json.RawMessage {
	data, err := st.JSON()
	if err != nil {
		return nil
	}
	return data
}

func marshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
