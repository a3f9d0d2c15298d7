// Package metrics aggregates workflow telemetry into metrics, either as
// Prometheus collectors or as OpenTelemetry instruments.
package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/davidroman0O/gograph/telemetry"
)

// Collector is a telemetry hook backed by Prometheus collectors.
type Collector struct {
	runs         *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	nodeDuration *prometheus.HistogramVec
	stateChanges *prometheus.CounterVec
	inflight     *prometheus.GaugeVec
}

// NewCollector creates the collectors under namespace and registers them
// with reg. Registering twice with the same registerer reuses the existing
// collectors.
func NewCollector(reg prometheus.Registerer, namespace string) (*Collector, error) {
	c := &Collector{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of finished workflow runs.",
		}, []string{"workflow", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of workflow runs in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"workflow", "status"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Duration of node executions in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"workflow", "node", "status"}),
		stateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_changes_total",
			Help:      "Total number of committed state mutations.",
		}, []string{"workflow", "node"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_in_flight",
			Help:      "Number of workflow runs currently executing.",
		}, []string{"workflow"}),
	}

	var err error
	c.runs, err = register(reg, c.runs)
	if err != nil {
		return nil, err
	}
	c.runDuration, err = register(reg, c.runDuration)
	if err != nil {
		return nil, err
	}
	c.nodeDuration, err = register(reg, c.nodeDuration)
	if err != nil {
		return nil, err
	}
	c.stateChanges, err = register(reg, c.stateChanges)
	if err != nil {
		return nil, err
	}
	c.inflight, err = register(reg, c.inflight)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("metrics: register collector: %w", err)
	}
	return c, nil
}

// Handle implements telemetry.Hook.
func (c *Collector) Handle(ev telemetry.Event) error {
	switch ev.Kind {
	case telemetry.KindRunStarted:
		c.inflight.WithLabelValues(ev.Workflow).Inc()
	case telemetry.KindNodeFinished:
		c.nodeDuration.WithLabelValues(ev.Workflow, ev.NodeName, ev.Status).Observe(ev.Duration.Seconds())
	case telemetry.KindStateChanged:
		c.stateChanges.WithLabelValues(ev.Workflow, ev.NodeName).Inc()
	case telemetry.KindRunFinished:
		c.inflight.WithLabelValues(ev.Workflow).Dec()
		c.runs.WithLabelValues(ev.Workflow, ev.Status).Inc()
		c.runDuration.WithLabelValues(ev.Workflow, ev.Status).Observe(ev.Duration.Seconds())
	}
	return nil
}
