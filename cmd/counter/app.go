package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/davidroman0O/gograph"
	"github.com/davidroman0O/gograph/history"
	"github.com/davidroman0O/gograph/telemetry"
	"github.com/davidroman0O/gograph/telemetry/metrics"
	"github.com/davidroman0O/gograph/telemetry/tracing"
)

// App runs the counter workflow in a loop and owns its telemetry sinks.
type App struct {
	cfg        *Config
	logger     *slog.Logger
	workflow   *gograph.Workflow[CounterState]
	dispatcher *telemetry.Dispatcher
	history    *history.Recorder

	// closers run in reverse order on Close.
	closers []func(context.Context) error
}

// NewApp wires the workflow to the sinks enabled in cfg.
func NewApp(ctx context.Context, cfg *Config, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	var hooks []telemetry.Hook

	if cfg.TelemetryEnabled() {
		tp, err := newTracerProvider(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, tp.Shutdown)
		hooks = append(hooks, tracing.NewWithTracer(tp.Tracer("github.com/davidroman0O/gograph/cmd/counter")))
		logger.Info("Span export enabled", slog.String("collector", cfg.CollectorEndpoint()))
	} else {
		logger.Warn("COLLECTOR_API_KEY environment variable is not set, span export disabled. " +
			"Generate a new API key in the collector UI.")
	}

	if cfg.HistoryPath != "" {
		rec, err := history.Open(ctx, cfg.HistoryPath, history.WithLogger(logger))
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		a.history = rec
		a.closers = append(a.closers, func(context.Context) error { return rec.Close() })
		hooks = append(hooks, rec)
	}

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		collector, err := metrics.NewCollector(reg, "gograph")
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		hooks = append(hooks, collector)
		a.serveMetrics(reg)
	}

	a.dispatcher = telemetry.NewDispatcher(hooks, telemetry.WithLogger(logger))
	a.closers = append(a.closers, a.dispatcher.Close)

	graph, err := newCounterGraph(logger, cfg.NodeDelay)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.workflow, err = gograph.NewWorkflow(cfg.Workflow, graph, gograph.InitialState(CounterState{}),
		gograph.WithLogger(gograph.NewSlogLogger(logger)),
		gograph.WithTelemetry(a.dispatcher),
		gograph.WithNodeMiddleware(gograph.Recover(gograph.NewSlogLogger(logger))),
	)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *App) serveMetrics(reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("Serving metrics", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", slog.String("error", err.Error()))
		}
	}()
	a.closers = append(a.closers, srv.Shutdown)
}

// Loop executes the workflow, logs its final state and sleeps, until ctx is
// cancelled or MaxRuns is reached. A failed run is logged and the loop goes on.
func (a *App) Loop(ctx context.Context) error {
	a.logger.Info("Starting application...", slog.String("workflow", a.cfg.Workflow))

	for runs := 1; ; runs++ {
		a.logger.Info("Executing workflow...", slog.Int("run", runs))
		if err := a.workflow.Execute(ctx); err != nil {
			if errors.Is(err, gograph.ErrCancelled) {
				a.logger.Info("Interrupted, stopping")
				return nil
			}
			a.logger.Error("Workflow run failed", slog.String("error", err.Error()))
		}

		state, err := a.workflow.StateJSON()
		if err != nil {
			return err
		}
		a.logger.Info("Final state", slog.String("state", string(state)))
		a.pruneHistory(ctx)

		if a.cfg.MaxRuns > 0 && runs >= a.cfg.MaxRuns {
			return nil
		}
		if err := pause(ctx, a.cfg.RunInterval); err != nil {
			a.logger.Info("Interrupted, stopping")
			return nil
		}
	}
}

// pruneHistory drops recorded runs older than the retention period. A failed
// prune is logged and retried after the next run.
func (a *App) pruneHistory(ctx context.Context) {
	if a.history == nil || a.cfg.HistoryRetention <= 0 {
		return
	}
	cutoff := time.Now().Add(-a.cfg.HistoryRetention)
	if _, err := a.history.Prune(ctx, cutoff); err != nil {
		a.logger.Warn("Pruning run history failed", slog.String("error", err.Error()))
	}
}

// Close flushes pending telemetry and releases every sink.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
