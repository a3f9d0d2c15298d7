package gograph

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/davidroman0O/gograph/store"
	"github.com/davidroman0O/gograph/telemetry"
)

// walk executes every node of the graph once against st. A node starts only
// after all of its predecessors have completed; the first failure stops the
// run and no further node is started.
func (w *Workflow[S]) walk(ctx context.Context, run RunInfo, st *store.Store[S]) error {
	handler := w.nodeHandler(st)

	if w.options.concurrency > 1 && w.graph.Len() > 1 {
		return w.walkConcurrent(ctx, run, handler)
	}
	return w.walkSequential(ctx, run, handler)
}

// nodeHandler builds the node middleware chain around the call to Service.
func (w *Workflow[S]) nodeHandler(st *store.Store[S]) NodeRunnerFunc {
	var handler NodeRunnerFunc = func(ctx context.Context, info NodeInfo) (err error) {
		node, ok := w.graph.Node(info.NodeID)
		if !ok {
			return fmt.Errorf("unknown node '%s'", info.NodeID)
		}
		// A panicking node fails its run; in a concurrent walk it would
		// otherwise take down the whole process.
		defer func() {
			if r := recover(); r != nil {
				w.options.logger.Error("Node %s panicked: %v\n%s", info.NodeName, r, debug.Stack())
				err = fmt.Errorf("%w: node %s: %v", ErrNodePanic, info.NodeName, r)
			}
		}()
		return node.Service(store.WithNodeID(ctx, info.NodeID), st)
	}

	// Apply middleware in reverse order
	for i := len(w.options.nodeMiddleware) - 1; i >= 0; i-- {
		handler = w.options.nodeMiddleware[i](handler)
	}
	return handler
}

// walkSequential runs the nodes one at a time in topological order.
func (w *Workflow[S]) walkSequential(ctx context.Context, run RunInfo, handler NodeRunnerFunc) error {
	for i, id := range w.graph.order {
		if ctx.Err() != nil {
			return cancelled(ctx)
		}
		if err := w.executeNode(ctx, w.nodeInfo(run, id, i), handler); err != nil {
			return err
		}
	}
	return nil
}

// walkConcurrent runs up to options.concurrency nodes at a time. Every node
// holds a counter of predecessors still running; the node that brings a
// counter to zero queues its successor.
func (w *Workflow[S]) walkConcurrent(ctx context.Context, run RunInfo, handler NodeRunnerFunc) error {
	g := w.graph

	index := make(map[string]int, len(g.order))
	waiting := make(map[string]*atomic.Int32, len(g.order))
	for i, id := range g.order {
		index[id] = i
		c := new(atomic.Int32)
		c.Store(int32(len(g.pred[id])))
		waiting[id] = c
	}

	// Every node is queued exactly once, so sends never block.
	ready := make(chan string, len(g.order))
	ready <- g.source.ID()

	var pending atomic.Int32
	pending.Store(int32(len(g.order)))

	eg, egCtx := errgroup.WithContext(ctx)
	workers := min(w.options.concurrency, len(g.order))
	for range workers {
		eg.Go(func() error {
			for {
				select {
				case <-egCtx.Done():
					return nil
				case id, ok := <-ready:
					if !ok {
						return nil
					}
					if ctx.Err() != nil {
						return cancelled(ctx)
					}
					if egCtx.Err() != nil {
						return nil
					}
					if err := w.executeNode(egCtx, w.nodeInfo(run, id, index[id]), handler); err != nil {
						return err
					}
					for _, next := range g.succ[id] {
						if waiting[next].Add(-1) == 0 {
							ready <- next
						}
					}
					if pending.Add(-1) == 0 {
						close(ready)
					}
				}
			}
		})
	}

	err := eg.Wait()
	if err == nil && pending.Load() > 0 {
		if ctx.Err() != nil {
			return cancelled(ctx)
		}
		return fmt.Errorf("run stopped with %d nodes not executed", pending.Load())
	}
	return err
}

func (w *Workflow[S]) nodeInfo(run RunInfo, id string, index int) NodeInfo {
	node := w.graph.nodes[id]
	return NodeInfo{
		RunID:    run.ID,
		Workflow: w.Name,
		NodeID:   id,
		NodeName: node.Name(),
		Index:    index,
		IsSink:   id == w.graph.sink.ID(),
	}
}

// executeNode runs one node through the middleware chain and reports it.
// Errors caused by the run's cancellation become ErrCancelled; any other
// error is wrapped in a NodeExecutionError.
func (w *Workflow[S]) executeNode(ctx context.Context, info NodeInfo, handler NodeRunnerFunc) error {
	logger := w.options.logger
	logger.Debug("Executing node %d/%d: %s", info.Index+1, w.graph.Len(), info.NodeName)

	w.emit(telemetry.Event{
		Kind:     telemetry.KindNodeStarted,
		RunID:    info.RunID,
		Time:     time.Now(),
		NodeID:   info.NodeID,
		NodeName: info.NodeName,
	})

	start := time.Now()
	err := handler(ctx, info)
	elapsed := time.Since(start)

	status := StatusCompleted
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			status = StatusCancelled
			err = cancelled(ctx)
		} else {
			status = StatusFailed
			err = &NodeExecutionError{
				RunID:    info.RunID,
				NodeID:   info.NodeID,
				NodeName: info.NodeName,
				Err:      err,
			}
		}
	}

	w.emit(telemetry.Event{
		Kind:     telemetry.KindNodeFinished,
		RunID:    info.RunID,
		Time:     time.Now(),
		NodeID:   info.NodeID,
		NodeName: info.NodeName,
		Duration: elapsed,
		Status:   status,
		Err:      err,
	})

	if err != nil {
		logger.Error("Node %s failed after %s: %v", info.NodeName, elapsed, err)
		return err
	}
	logger.Info("Completed node %d/%d: %s", info.Index+1, w.graph.Len(), info.NodeName)
	return nil
}

// cancelled wraps the cause of ctx's cancellation in ErrCancelled.
func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
}
