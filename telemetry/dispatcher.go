package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the number of events a Dispatcher queues before it
// starts dropping.
const DefaultBufferSize = 1024

// Dispatcher delivers events to hooks on a background goroutine. Emit never
// blocks: when the buffer is full, or after Close, events are dropped and
// counted. Hook errors and panics are logged and swallowed.
type Dispatcher struct {
	hooks  []Hook
	logger *slog.Logger
	size   int

	// mu guards closed and the send side of events.
	mu     sync.RWMutex
	closed bool
	events chan Event
	done   chan struct{}

	dropped   atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithBufferSize sets the queue length. Values below 1 are ignored.
func WithBufferSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.size = n
		}
	}
}

// WithLogger sets the logger used to report hook failures and drops.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher starts a dispatcher that fans events out to hooks in order.
func NewDispatcher(hooks []Hook, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		hooks:  append([]Hook(nil), hooks...),
		logger: slog.New(slog.DiscardHandler),
		size:   DefaultBufferSize,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.events = make(chan Event, d.size)

	go d.loop()
	return d
}

// Emit queues ev for delivery without blocking.
func (d *Dispatcher) Emit(ev Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.dropped.Add(1)
		return
	}

	select {
	case d.events <- ev:
	default:
		if d.dropped.Add(1) == 1 {
			d.logger.Warn("telemetry buffer full, dropping events", slog.Int("buffer", d.size))
		}
	}
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for ev := range d.events {
		for _, h := range d.hooks {
			deliver(d.logger, h, ev, &d.failed)
		}
		d.delivered.Add(1)
	}
}

// deliver hands ev to h, isolating the caller from errors and panics.
func deliver(logger *slog.Logger, h Hook, ev Event, failed *atomic.Uint64) {
	defer func() {
		if r := recover(); r != nil {
			failed.Add(1)
			logger.Error("telemetry hook panicked",
				slog.String("event", string(ev.Kind)),
				slog.String("run_id", ev.RunID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	if err := h.Handle(ev); err != nil {
		failed.Add(1)
		logger.Warn("telemetry hook failed",
			slog.String("event", string(ev.Kind)),
			slog.String("run_id", ev.RunID),
			slog.String("error", err.Error()),
		)
	}
}

// Close stops accepting events and waits until the queued ones have been
// delivered or ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("telemetry dispatcher did not drain: %w", ctx.Err())
	}
}

// Stats reports delivery counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Delivered: d.delivered.Load(),
		Dropped:   d.dropped.Load(),
		Failed:    d.failed.Load(),
	}
}

// Stats holds Dispatcher counters.
type Stats struct {
	// Delivered counts events handed to every hook.
	Delivered uint64
	// Dropped counts events rejected because the buffer was full or closed.
	Dropped uint64
	// Failed counts hook invocations that returned an error or panicked.
	Failed uint64
}

// SyncEmitter delivers events to hooks on the caller's goroutine. It keeps
// the same isolation as Dispatcher but trades non-blocking delivery for
// determinism, which suits tests and short-lived tools.
type SyncEmitter struct {
	hooks  []Hook
	logger *slog.Logger
	mu     sync.Mutex
	failed atomic.Uint64
}

// NewSyncEmitter creates a SyncEmitter. A nil logger discards reports.
func NewSyncEmitter(logger *slog.Logger, hooks ...Hook) *SyncEmitter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SyncEmitter{hooks: hooks, logger: logger}
}

// Emit delivers ev to every hook before returning. Concurrent emitters are
// serialized so hooks never run in parallel.
func (s *SyncEmitter) Emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.hooks {
		deliver(s.logger, h, ev, &s.failed)
	}
}

// Failed returns the number of failed hook invocations.
func (s *SyncEmitter) Failed() uint64 {
	return s.failed.Load()
}
