package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/davidroman0O/gograph"
	"github.com/davidroman0O/gograph/store"
)

// CounterState is the state shared by the counter workflow's nodes.
type CounterState struct {
	Counter int `json:"counter"`
}

// StartNode announces the start of a run.
type StartNode struct {
	gograph.BaseNode
	logger *slog.Logger
	delay  time.Duration
}

func (n *StartNode) Service(ctx context.Context, _ *store.Store[CounterState]) error {
	n.logger.InfoContext(ctx, "Workflow started.")
	return pause(ctx, n.delay)
}

// IncrementNode adds one to the counter.
type IncrementNode struct {
	gograph.BaseNode
	logger *slog.Logger
	delay  time.Duration
}

func (n *IncrementNode) Service(ctx context.Context, st *store.Store[CounterState]) error {
	err := st.Update(ctx, func(s CounterState) store.Partial {
		return store.Partial{"counter": s.Counter + 1}
	})
	if err != nil {
		return err
	}
	n.logger.InfoContext(ctx, "Counter incremented", slog.Int("counter", st.State().Counter))
	return pause(ctx, n.delay)
}

// EndNode announces the end of a run.
type EndNode struct {
	gograph.BaseNode
	logger *slog.Logger
	delay  time.Duration
}

func (n *EndNode) Service(ctx context.Context, _ *store.Store[CounterState]) error {
	n.logger.InfoContext(ctx, "Workflow finished.")
	return pause(ctx, n.delay)
}

// pause waits for d or until ctx is done.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// newCounterGraph builds start -> increment -> end.
func newCounterGraph(logger *slog.Logger, delay time.Duration) (*gograph.Graph[CounterState], error) {
	start := &StartNode{BaseNode: gograph.NewBaseNode("StartNode"), logger: logger, delay: delay}
	increment := &IncrementNode{BaseNode: gograph.NewBaseNode("IncrementNode"), logger: logger, delay: delay}
	end := &EndNode{BaseNode: gograph.NewBaseNode("EndNode"), logger: logger, delay: delay}

	return gograph.NewGraph[CounterState](start, end,
		gograph.NewEdge[CounterState](start, increment),
		gograph.NewEdge[CounterState](increment, end),
	)
}
