package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/davidroman0O/gograph/telemetry"
)

// meterName is the instrumentation scope name for workflow metrics.
const meterName = "github.com/davidroman0O/gograph"

// Instruments is a telemetry hook that records OpenTelemetry metrics:
//   - gograph.run.duration (Float64Histogram, seconds) by workflow and status
//   - gograph.run.executions (Int64Counter) by workflow and status
//   - gograph.node.duration (Float64Histogram, seconds) by workflow, node and status
//   - gograph.state.changes (Int64Counter) by workflow and node
type Instruments struct {
	runDuration  metric.Float64Histogram
	runs         metric.Int64Counter
	nodeDuration metric.Float64Histogram
	stateChanges metric.Int64Counter
}

// NewInstruments creates instruments with the global MeterProvider.
func NewInstruments() (*Instruments, error) {
	return NewInstrumentsWithMeter(otel.Meter(meterName))
}

// NewInstrumentsWithMeter creates instruments with meter.
func NewInstrumentsWithMeter(meter metric.Meter) (*Instruments, error) {
	var (
		i   Instruments
		err error
	)

	i.runDuration, err = meter.Float64Histogram("gograph.run.duration",
		metric.WithDescription("Duration of workflow runs in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: create run duration histogram: %w", err)
	}

	i.runs, err = meter.Int64Counter("gograph.run.executions",
		metric.WithDescription("Total number of workflow runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: create run counter: %w", err)
	}

	i.nodeDuration, err = meter.Float64Histogram("gograph.node.duration",
		metric.WithDescription("Duration of node executions in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: create node duration histogram: %w", err)
	}

	i.stateChanges, err = meter.Int64Counter("gograph.state.changes",
		metric.WithDescription("Total number of committed state mutations"),
		metric.WithUnit("{change}"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: create state change counter: %w", err)
	}

	return &i, nil
}

// Handle implements telemetry.Hook.
func (i *Instruments) Handle(ev telemetry.Event) error {
	ctx := context.Background()
	switch ev.Kind {
	case telemetry.KindNodeFinished:
		i.nodeDuration.Record(ctx, ev.Duration.Seconds(), metric.WithAttributes(
			attribute.String("workflow", ev.Workflow),
			attribute.String("node", ev.NodeName),
			attribute.String("status", ev.Status),
		))
	case telemetry.KindStateChanged:
		i.stateChanges.Add(ctx, 1, metric.WithAttributes(
			attribute.String("workflow", ev.Workflow),
			attribute.String("node", ev.NodeName),
		))
	case telemetry.KindRunFinished:
		attrs := metric.WithAttributes(
			attribute.String("workflow", ev.Workflow),
			attribute.String("status", ev.Status),
		)
		i.runDuration.Record(ctx, ev.Duration.Seconds(), attrs)
		i.runs.Add(ctx, 1, attrs)
	}
	return nil
}
