// Package tracing turns workflow telemetry into OpenTelemetry spans: one span
// per run, a child span per node and a span event per state change.
package tracing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/davidroman0O/gograph/telemetry"
)

// tracerName is the instrumentation scope name for workflow tracing.
const tracerName = "github.com/davidroman0O/gograph"

// Span names.
const (
	RunSpanName  = "gograph.run"
	NodeSpanName = "gograph.node"
	// StateChangedEvent is the name of the span event recorded for each
	// committed store mutation.
	StateChangedEvent = "gograph.state.changed"
)

// Attribute keys.
const (
	AttrRunID        = attribute.Key("gograph.run.id")
	AttrWorkflow     = attribute.Key("gograph.workflow.name")
	AttrNodeID       = attribute.Key("gograph.node.id")
	AttrNodeName     = attribute.Key("gograph.node.name")
	AttrStatus       = attribute.Key("gograph.status")
	AttrGraph        = attribute.Key("gograph.graph")
	AttrInitialState = attribute.Key("gograph.state.initial")
	AttrFinalState   = attribute.Key("gograph.state.final")
	AttrFields       = attribute.Key("gograph.state.fields")
	AttrBefore       = attribute.Key("gograph.state.before")
	AttrAfter        = attribute.Key("gograph.state.after")
)

// DefaultMaxRunAge is how long a run span stays open without its
// run.finished event before the hook gives up on it.
const DefaultMaxRunAge = time.Hour

// Hook records spans from telemetry events. Span timestamps come from the
// events, so the spans are accurate even when delivery is delayed.
type Hook struct {
	tracer    trace.Tracer
	maxRunAge time.Duration

	mu   sync.Mutex
	runs map[string]*runSpans
}

type runSpans struct {
	ctx     context.Context
	span    trace.Span
	started time.Time
	nodes   map[string]trace.Span
}

// Option configures a Hook.
type Option func(*Hook)

// WithMaxRunAge sets how long a run may stay open before its spans are ended
// with an error status. An event dispatcher that drops run.finished would
// otherwise leave the run open forever. A non-positive d disables eviction.
func WithMaxRunAge(d time.Duration) Option {
	return func(h *Hook) {
		h.maxRunAge = d
	}
}

// New returns a Hook that starts spans with the global TracerProvider.
func New(opts ...Option) *Hook {
	return NewWithTracer(otel.Tracer(tracerName), opts...)
}

// NewWithTracer returns a Hook that starts spans with tracer.
func NewWithTracer(tracer trace.Tracer, opts ...Option) *Hook {
	h := &Hook{
		tracer:    tracer,
		maxRunAge: DefaultMaxRunAge,
		runs:      make(map[string]*runSpans),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle implements telemetry.Hook.
func (h *Hook) Handle(ev telemetry.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ev.Kind == telemetry.KindRunStarted {
		h.evict(ev.Time)
		h.startRun(ev)
		return nil
	}

	r, ok := h.runs[ev.RunID]
	if !ok {
		return fmt.Errorf("tracing: %s for unknown run %s", ev.Kind, ev.RunID)
	}

	switch ev.Kind {
	case telemetry.KindNodeStarted:
		_, span := h.tracer.Start(r.ctx, NodeSpanName,
			trace.WithTimestamp(ev.Time),
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				AttrRunID.String(ev.RunID),
				AttrNodeID.String(ev.NodeID),
				AttrNodeName.String(ev.NodeName),
			),
		)
		r.nodes[ev.NodeID] = span

	case telemetry.KindStateChanged:
		span, ok := r.nodes[ev.NodeID]
		if !ok {
			span = r.span
		}
		span.AddEvent(StateChangedEvent,
			trace.WithTimestamp(ev.Time),
			trace.WithAttributes(
				AttrFields.StringSlice(ev.Fields),
				AttrBefore.String(string(ev.Before)),
				AttrAfter.String(string(ev.After)),
			),
		)

	case telemetry.KindNodeFinished:
		span, ok := r.nodes[ev.NodeID]
		if !ok {
			return fmt.Errorf("tracing: node %s finished without starting", ev.NodeID)
		}
		delete(r.nodes, ev.NodeID)
		finish(span, ev)

	case telemetry.KindRunFinished:
		delete(h.runs, ev.RunID)
		r.endNodes("run finished before node", ev.Time)
		if len(ev.State) > 0 {
			r.span.SetAttributes(AttrFinalState.String(string(ev.State)))
		}
		finish(r.span, ev)
	}
	return nil
}

func (h *Hook) startRun(ev telemetry.Event) {
	attrs := []attribute.KeyValue{
		AttrRunID.String(ev.RunID),
		AttrWorkflow.String(ev.Workflow),
	}
	if len(ev.Graph) > 0 {
		attrs = append(attrs, AttrGraph.String(string(ev.Graph)))
	}
	if len(ev.State) > 0 {
		attrs = append(attrs, AttrInitialState.String(string(ev.State)))
	}

	ctx, span := h.tracer.Start(context.Background(), RunSpanName,
		trace.WithNewRoot(),
		trace.WithTimestamp(ev.Time),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	h.runs[ev.RunID] = &runSpans{
		ctx:     ctx,
		span:    span,
		started: ev.Time,
		nodes:   make(map[string]trace.Span),
	}
}

// evict ends the spans of runs started more than maxRunAge before now.
func (h *Hook) evict(now time.Time) {
	if h.maxRunAge <= 0 {
		return
	}
	for id, r := range h.runs {
		if now.Sub(r.started) <= h.maxRunAge {
			continue
		}
		delete(h.runs, id)
		r.endNodes("run abandoned", now)
		r.span.SetStatus(codes.Error, "run did not report completion")
		r.span.End(trace.WithTimestamp(now))
	}
}

func (r *runSpans) endNodes(reason string, at time.Time) {
	for id, span := range r.nodes {
		span.SetStatus(codes.Error, reason)
		span.End(trace.WithTimestamp(at))
		delete(r.nodes, id)
	}
}

func finish(span trace.Span, ev telemetry.Event) {
	span.SetAttributes(AttrStatus.String(ev.Status))
	if ev.Err != nil {
		span.RecordError(ev.Err, trace.WithTimestamp(ev.Time))
		span.SetStatus(codes.Error, ev.Err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(ev.Time))
}

// Open returns the number of runs whose span has not ended yet.
func (h *Hook) Open() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.runs)
}
