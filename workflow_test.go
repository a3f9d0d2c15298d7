package gograph

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidroman0O/gograph/store"
	"github.com/davidroman0O/gograph/telemetry"
)

func counterWorkflow(t *testing.T, opts ...WorkflowOption) *Workflow[counterState] {
	t.Helper()
	start, inc, end := noop("start"), increment(), noop("end")
	g, err := NewGraph(start, end, NewEdge(start, inc), NewEdge(inc, end))
	require.NoError(t, err)

	opts = append([]WorkflowOption{WithLogger(&TestLogger{t: t})}, opts...)
	w, err := NewWorkflow("counter", g, InitialState(counterState{}), opts...)
	require.NoError(t, err)
	return w
}

func TestNewWorkflowValidation(t *testing.T) {
	a := noop("a")
	g, err := NewGraph(a, a)
	require.NoError(t, err)

	_, err = NewWorkflow[counterState]("w", nil, InitialState(counterState{}))
	assert.Error(t, err)

	_, err = NewWorkflow("w", g, nil)
	assert.Error(t, err)

	w, err := NewWorkflow("w", g, InitialState(counterState{}))
	require.NoError(t, err)
	assert.NotEmpty(t, w.ID)
	assert.Equal(t, "w", w.Name)
	assert.Same(t, g, w.Graph())
}

func TestWorkflowExecuteCounter(t *testing.T) {
	w := counterWorkflow(t)

	require.NoError(t, w.Execute(context.Background()))

	state, err := w.State()
	require.NoError(t, err)
	assert.Equal(t, 1, state.Counter)

	data, err := w.StateJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"counter":1,"visited":null}`, string(data))
}

func TestWorkflowStateBeforeRun(t *testing.T) {
	w := counterWorkflow(t)

	_, err := w.State()
	assert.ErrorIs(t, err, ErrNoRun)
	_, err = w.StateJSON()
	assert.ErrorIs(t, err, ErrNoRun)
	assert.Nil(t, w.Store())
}

func TestWorkflowRunsAreIndependent(t *testing.T) {
	w := counterWorkflow(t)

	for i := 0; i < 3; i++ {
		result := w.Run(context.Background())
		require.NoError(t, result.Err)
		assert.Equal(t, StatusCompleted, result.Status)
		// Every run starts from a fresh store.
		assert.Equal(t, 1, result.State.Counter)
		assert.JSONEq(t, `{"counter":1,"visited":null}`, string(result.StateJSON))
	}
}

func TestWorkflowRunResult(t *testing.T) {
	w := counterWorkflow(t)

	first := w.Run(context.Background())
	second := w.Run(context.Background())

	assert.NotEmpty(t, first.RunID)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Greater(t, first.Duration, time.Duration(0))

	// State reflects the most recent run.
	require.NotNil(t, w.Store())
	assert.Equal(t, 1, w.Store().State().Counter)
}

func TestWorkflowNodeFailure(t *testing.T) {
	boom := errors.New("boom")
	var failNext atomic.Bool
	failNext.Store(true)

	start, end := noop("start"), visit("end")
	flaky := &testNode{
		BaseNode: NewBaseNodeWithID("flaky", "Flaky"),
		fn: func(ctx context.Context, st *store.Store[counterState]) error {
			if err := st.Set(ctx, store.Partial{"counter": 7}); err != nil {
				return err
			}
			if failNext.Swap(false) {
				return boom
			}
			return nil
		},
	}
	g, err := NewGraph(start, end, NewEdge(start, flaky), NewEdge(flaky, end))
	require.NoError(t, err)
	w, err := NewWorkflow("flaky", g, InitialState(counterState{}), WithLogger(&TestLogger{t: t}))
	require.NoError(t, err)

	result := w.Run(context.Background())
	require.Error(t, result.Err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.ErrorIs(t, result.Err, boom)

	var nodeErr *NodeExecutionError
	require.ErrorAs(t, result.Err, &nodeErr)
	assert.Equal(t, "flaky", nodeErr.NodeID)
	assert.Equal(t, "Flaky", nodeErr.NodeName)
	assert.Equal(t, result.RunID, nodeErr.RunID)

	// The sink never ran; writes made before the failure stay visible.
	state, err := w.State()
	require.NoError(t, err)
	assert.Equal(t, 7, state.Counter)
	assert.Empty(t, state.Visited)

	// The workflow is reusable after a failure.
	result = w.Run(context.Background())
	require.NoError(t, result.Err)
	assert.Equal(t, []string{"end"}, result.State.Visited)
}

func TestWorkflowSchemaViolationFailsRun(t *testing.T) {
	start, end := noop("start"), noop("end")
	bad := &testNode{
		BaseNode: NewBaseNodeWithID("bad", "Bad"),
		fn: func(ctx context.Context, st *store.Store[counterState]) error {
			return st.Set(ctx, store.Partial{"unknown": 1})
		},
	}
	g, err := NewGraph(start, end, NewEdge(start, bad), NewEdge(bad, end))
	require.NoError(t, err)
	w, err := NewWorkflow("bad", g, InitialState(counterState{}))
	require.NoError(t, err)

	err = w.Execute(context.Background())
	assert.ErrorIs(t, err, store.ErrSchemaViolation)
	var nodeErr *NodeExecutionError
	assert.ErrorAs(t, err, &nodeErr)
}

func TestWorkflowStoreFactoryFailure(t *testing.T) {
	a := noop("a")
	g, err := NewGraph(a, a)
	require.NoError(t, err)

	factoryErr := errors.New("no database")
	w, err := NewWorkflow("w", g, func() (*store.Store[counterState], error) {
		return nil, factoryErr
	})
	require.NoError(t, err)
	assert.ErrorIs(t, w.Execute(context.Background()), factoryErr)

	w, err = NewWorkflow("w", g, func() (*store.Store[counterState], error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.ErrorIs(t, w.Execute(context.Background()), ErrNoStore)
}

func TestWorkflowCancelledBeforeStart(t *testing.T) {
	var calls atomic.Int32
	counting := &testNode{
		BaseNode: NewBaseNodeWithID("count", "Count"),
		fn: func(context.Context, *store.Store[counterState]) error {
			calls.Add(1)
			return nil
		},
	}
	end := noop("end")
	g, err := NewGraph(counting, end, NewEdge(counting, end))
	require.NoError(t, err)
	w, err := NewWorkflow("w", g, InitialState(counterState{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := w.Run(ctx)
	assert.ErrorIs(t, result.Err, ErrCancelled)
	assert.ErrorIs(t, result.Err, context.Canceled)
	assert.Equal(t, StatusCancelled, result.Status)
	assert.Zero(t, calls.Load())
}

func TestWorkflowCancelledMidRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	start, end := noop("start"), visit("end")
	stopper := &testNode{
		BaseNode: NewBaseNodeWithID("stopper", "Stopper"),
		fn: func(context.Context, *store.Store[counterState]) error {
			cancel()
			return nil
		},
	}
	g, err := NewGraph(start, end, NewEdge(start, stopper), NewEdge(stopper, end))
	require.NoError(t, err)
	w, err := NewWorkflow("w", g, InitialState(counterState{}))
	require.NoError(t, err)

	result := w.Run(ctx)
	assert.ErrorIs(t, result.Err, ErrCancelled)
	assert.Empty(t, result.State.Visited)
}

func TestWorkflowNodeHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start, end := noop("start"), noop("end")
	slow := &testNode{
		BaseNode: NewBaseNodeWithID("slow", "Slow"),
		fn: func(ctx context.Context, _ *store.Store[counterState]) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
				return nil
			}
		},
	}
	g, err := NewGraph(start, end, NewEdge(start, slow), NewEdge(slow, end))
	require.NoError(t, err)
	w, err := NewWorkflow("w", g, InitialState(counterState{}))
	require.NoError(t, err)

	result := w.Run(ctx)
	assert.ErrorIs(t, result.Err, ErrCancelled)
	assert.ErrorIs(t, result.Err, context.DeadlineExceeded)
	assert.Equal(t, StatusCancelled, result.Status)
}

func fanInGraph(t *testing.T) *Graph[counterState] {
	t.Helper()
	a, b, c, d, e := visit("a"), visit("b"), visit("c"), visit("d"), visit("e")
	g, err := NewGraph(a, e,
		NewEdge(a, b),
		NewEdge(a, c),
		NewEdge(a, d),
		NewEdge(b, e),
		NewEdge(c, e),
		NewEdge(d, e),
	)
	require.NoError(t, err)
	return g
}

func TestWorkflowFanInSequential(t *testing.T) {
	w, err := NewWorkflow("fan-in", fanInGraph(t), InitialState(counterState{}))
	require.NoError(t, err)

	result := w.Run(context.Background())
	require.NoError(t, result.Err)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, result.State.Visited)
}

func TestWorkflowFanInConcurrent(t *testing.T) {
	w, err := NewWorkflow("fan-in", fanInGraph(t), InitialState(counterState{}), WithConcurrency(3))
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		result := w.Run(context.Background())
		require.NoError(t, result.Err)

		visited := result.State.Visited
		require.Len(t, visited, 5)
		// The join runs exactly once, after every branch.
		assert.Equal(t, "a", visited[0])
		assert.Equal(t, "e", visited[4])
		assert.ElementsMatch(t, []string{"b", "c", "d"}, visited[1:4])
	}
}

func TestWorkflowConcurrentBranchesOverlap(t *testing.T) {
	var running, peak atomic.Int32
	branch := func(id string) Node[counterState] {
		return &testNode{
			BaseNode: NewBaseNodeWithID(id, id),
			fn: func(context.Context, *store.Store[counterState]) error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(50 * time.Millisecond)
				running.Add(-1)
				return nil
			},
		}
	}
	a, b, c, d := noop("a"), branch("b"), branch("c"), noop("d")
	g, err := NewGraph(a, d, NewEdge(a, b), NewEdge(a, c), NewEdge(b, d), NewEdge(c, d))
	require.NoError(t, err)

	w, err := NewWorkflow("w", g, InitialState(counterState{}), WithConcurrency(2))
	require.NoError(t, err)
	require.NoError(t, w.Execute(context.Background()))
	assert.Equal(t, int32(2), peak.Load())
}

func TestWorkflowNodePanicFailsRun(t *testing.T) {
	tests := []struct {
		name string
		opts []WorkflowOption
	}{
		{name: "sequential"},
		{name: "concurrent", opts: []WorkflowOption{WithConcurrency(4)}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var panicNext atomic.Bool
			panicNext.Store(true)

			start, end := noop("start"), visit("end")
			broken := &testNode{
				BaseNode: NewBaseNodeWithID("broken", "Broken"),
				fn: func(context.Context, *store.Store[counterState]) error {
					if panicNext.Swap(false) {
						var m map[string]int
						m["x"] = 1
					}
					return nil
				},
			}
			side := visit("side")
			g, err := NewGraph(start, end,
				NewEdge(start, broken), NewEdge(start, side),
				NewEdge(broken, end), NewEdge(side, end),
			)
			require.NoError(t, err)

			opts := append([]WorkflowOption{WithLogger(&TestLogger{t: t})}, tc.opts...)
			w, err := NewWorkflow("panicky", g, InitialState(counterState{}), opts...)
			require.NoError(t, err)

			err = w.Execute(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrNodePanic)
			assert.Contains(t, err.Error(), "assignment to entry in nil map")

			var nodeErr *NodeExecutionError
			require.ErrorAs(t, err, &nodeErr)
			assert.Equal(t, "broken", nodeErr.NodeID)

			require.NoError(t, w.Execute(context.Background()))
			state, err := w.State()
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"side", "end"}, state.Visited)
		})
	}
}

func TestWorkflowConcurrentFailureStopsRun(t *testing.T) {
	boom := errors.New("boom")
	a, d := noop("a"), visit("d")
	failing := &testNode{
		BaseNode: NewBaseNodeWithID("b", "b"),
		fn: func(context.Context, *store.Store[counterState]) error {
			return boom
		},
	}
	c := visit("c")
	g, err := NewGraph(a, d, NewEdge(a, failing), NewEdge(a, c), NewEdge(failing, d), NewEdge(c, d))
	require.NoError(t, err)

	w, err := NewWorkflow("w", g, InitialState(counterState{}), WithConcurrency(4))
	require.NoError(t, err)

	result := w.Run(context.Background())
	assert.ErrorIs(t, result.Err, boom)
	assert.Equal(t, StatusFailed, result.Status)
	assert.NotContains(t, result.State.Visited, "d")
}

func TestWorkflowConcurrentExecutes(t *testing.T) {
	w := counterWorkflow(t, WithConcurrency(2))

	var wg sync.WaitGroup
	results := make([]RunResult[counterState], 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = w.Run(context.Background())
		}(i)
	}
	wg.Wait()

	for _, result := range results {
		require.NoError(t, result.Err)
		assert.Equal(t, 1, result.State.Counter)
	}
}

func TestWorkflowTelemetryEvents(t *testing.T) {
	events := &eventLog{}
	w := counterWorkflow(t, WithTelemetry(events))

	result := w.Run(context.Background())
	require.NoError(t, result.Err)

	assert.Equal(t, []telemetry.Kind{
		telemetry.KindRunStarted,
		telemetry.KindNodeStarted, telemetry.KindNodeFinished,
		telemetry.KindNodeStarted, telemetry.KindStateChanged, telemetry.KindNodeFinished,
		telemetry.KindNodeStarted, telemetry.KindNodeFinished,
		telemetry.KindRunFinished,
	}, events.kinds())

	all := events.all()
	for _, ev := range all {
		assert.Equal(t, result.RunID, ev.RunID)
		assert.Equal(t, "counter", ev.Workflow)
	}

	started := all[0]
	assert.JSONEq(t, `{"counter":0,"visited":null}`, string(started.State))
	assert.NotEmpty(t, started.Graph)

	changed := all[4]
	assert.Equal(t, "increment", changed.NodeID)
	assert.Equal(t, "Increment", changed.NodeName)
	assert.Equal(t, []string{"counter"}, changed.Fields)
	assert.JSONEq(t, `{"counter":0,"visited":null}`, string(changed.Before))
	assert.JSONEq(t, `{"counter":1,"visited":null}`, string(changed.After))

	finished := all[len(all)-1]
	assert.Equal(t, StatusCompleted, finished.Status)
	assert.NoError(t, finished.Err)
	assert.JSONEq(t, `{"counter":1,"visited":null}`, string(finished.State))
}

func TestWorkflowTelemetryFailure(t *testing.T) {
	events := &eventLog{}
	boom := errors.New("boom")
	start, end := noop("start"), noop("end")
	failing := NewNode[counterState]("fail", func(context.Context, *store.Store[counterState]) error {
		return boom
	})
	g, err := NewGraph(start, end, NewEdge(start, failing), NewEdge(failing, end))
	require.NoError(t, err)
	w, err := NewWorkflow("w", g, InitialState(counterState{}), WithTelemetry(events))
	require.NoError(t, err)

	require.Error(t, w.Execute(context.Background()))

	all := events.all()
	require.Len(t, all, 6)
	nodeFinished := all[4]
	assert.Equal(t, telemetry.KindNodeFinished, nodeFinished.Kind)
	assert.Equal(t, StatusFailed, nodeFinished.Status)
	assert.ErrorIs(t, nodeFinished.Err, boom)

	runFinished := all[5]
	assert.Equal(t, StatusFailed, runFinished.Status)
	assert.ErrorIs(t, runFinished.Err, boom)
}

func TestWorkflowFailingHookDoesNotFailRun(t *testing.T) {
	hook := telemetry.HookFunc(func(telemetry.Event) error {
		panic("collector down")
	})
	w := counterWorkflow(t, WithTelemetry(telemetry.NewSyncEmitter(nil, hook)))
	require.NoError(t, w.Execute(context.Background()))
}

func TestWorkflowRunMiddleware(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next RunnerFunc) RunnerFunc {
			return func(ctx context.Context, run RunInfo) error {
				order = append(order, name+":before")
				err := next(ctx, run)
				order = append(order, name+":after")
				return err
			}
		}
	}
	w := counterWorkflow(t, WithMiddleware(mw("outer"), mw("inner")))

	require.NoError(t, w.Execute(context.Background()))
	assert.Equal(t, []string{"outer:before", "inner:before", "inner:after", "outer:after"}, order)
}

func TestWorkflowRunMiddlewareCanSkip(t *testing.T) {
	skip := func(next RunnerFunc) RunnerFunc {
		return func(context.Context, RunInfo) error {
			return nil
		}
	}
	w := counterWorkflow(t, WithMiddleware(skip))

	result := w.Run(context.Background())
	require.NoError(t, result.Err)
	assert.Equal(t, 0, result.State.Counter)
}

func TestWorkflowNodeMiddlewareSeesEveryNode(t *testing.T) {
	var seen []NodeInfo
	record := func(next NodeRunnerFunc) NodeRunnerFunc {
		return func(ctx context.Context, node NodeInfo) error {
			seen = append(seen, node)
			return next(ctx, node)
		}
	}
	w := counterWorkflow(t, WithNodeMiddleware(record))

	result := w.Run(context.Background())
	require.NoError(t, result.Err)
	require.Len(t, seen, 3)
	for i, info := range seen {
		assert.Equal(t, i, info.Index)
		assert.Equal(t, result.RunID, info.RunID)
		assert.Equal(t, "counter", info.Workflow)
	}
	assert.Equal(t, "Increment", seen[1].NodeName)
	assert.True(t, seen[2].IsSink)
	assert.False(t, seen[0].IsSink)
}

func TestWorkflowStoreAttributesNode(t *testing.T) {
	var nodeIDs []string
	start, end := noop("start"), noop("end")
	inc := increment()
	g, err := NewGraph(start, end, NewEdge(start, inc), NewEdge(inc, end))
	require.NoError(t, err)
	w, err := NewWorkflow("w", g, func() (*store.Store[counterState], error) {
		st, err := store.New(counterState{Counter: 41})
		if err != nil {
			return nil, err
		}
		st.Subscribe(func(c store.Change[counterState]) {
			nodeIDs = append(nodeIDs, c.NodeID)
		})
		return st, nil
	})
	require.NoError(t, err)

	result := w.Run(context.Background())
	require.NoError(t, result.Err)
	assert.Equal(t, 42, result.State.Counter)
	assert.Equal(t, []string{"increment"}, nodeIDs)
}

func TestWorkflowSchema(t *testing.T) {
	w := counterWorkflow(t)
	schema, err := w.Schema()
	require.NoError(t, err)
	assert.Contains(t, string(schema), `"counter"`)
	assert.Contains(t, string(schema), `"visited"`)
}
