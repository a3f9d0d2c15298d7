// Package history records workflow runs and node executions in SQLite so
// past runs, their final state and their failures can be inspected later.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // register the "sqlite" driver

	"github.com/davidroman0O/gograph"
	"github.com/davidroman0O/gograph/telemetry"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS gograph_runs (
	id            TEXT PRIMARY KEY,
	workflow      TEXT NOT NULL,
	status        TEXT NOT NULL,
	error         TEXT,
	initial_state TEXT,
	final_state   TEXT,
	graph         TEXT,
	started_at    INTEGER NOT NULL,
	finished_at   INTEGER,
	duration_ns   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_gograph_runs_started ON gograph_runs (started_at DESC);
CREATE TABLE IF NOT EXISTS gograph_nodes (
	run_id       TEXT NOT NULL REFERENCES gograph_runs (id) ON DELETE CASCADE,
	node_id      TEXT NOT NULL,
	node_name    TEXT NOT NULL,
	status       TEXT NOT NULL,
	error        TEXT,
	state_writes INTEGER NOT NULL DEFAULT 0,
	started_at   INTEGER NOT NULL,
	finished_at  INTEGER,
	duration_ns  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, node_id)
);`

// Run is a recorded workflow run.
type Run struct {
	ID           string
	Workflow     string
	Status       string
	Error        string
	InitialState []byte
	FinalState   []byte
	Graph        []byte
	StartedAt    time.Time
	FinishedAt   time.Time
	Duration     time.Duration
}

// Node is a recorded node execution.
type Node struct {
	RunID       string
	NodeID      string
	NodeName    string
	Status      string
	Error       string
	StateWrites int
	StartedAt   time.Time
	FinishedAt  time.Time
	Duration    time.Duration
}

// Recorder is a telemetry hook that persists runs to SQLite.
type Recorder struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures the Recorder.
type Option func(*Recorder)

// WithLogger sets the logger for the recorder.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Open opens the SQLite database at dsn, creating the schema if needed.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, dsn string, opts ...Option) (*Recorder, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", dsn, err)
	}
	// SQLite serializes writers; a single connection also keeps an
	// in-memory database alive for the recorder's lifetime.
	db.SetMaxOpenConns(1)

	r := &Recorder{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create schema: %w", err)
	}
	return r, nil
}

// Close closes the database.
func (r *Recorder) Close() error {
	return r.db.Close()
}

// Handle implements telemetry.Hook.
func (r *Recorder) Handle(ev telemetry.Event) error {
	ctx := context.Background()
	var err error

	switch ev.Kind {
	case telemetry.KindRunStarted:
		_, err = r.db.ExecContext(ctx,
			`INSERT INTO gograph_runs (id, workflow, status, initial_state, graph, started_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			ev.RunID, ev.Workflow, gograph.StatusRunning, text(ev.State), text(ev.Graph), ev.Time.UnixNano())

	case telemetry.KindNodeStarted:
		_, err = r.db.ExecContext(ctx,
			`INSERT INTO gograph_nodes (run_id, node_id, node_name, status, started_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (run_id, node_id) DO UPDATE SET status = excluded.status, started_at = excluded.started_at`,
			ev.RunID, ev.NodeID, ev.NodeName, gograph.StatusRunning, ev.Time.UnixNano())

	case telemetry.KindStateChanged:
		_, err = r.db.ExecContext(ctx,
			`UPDATE gograph_nodes SET state_writes = state_writes + 1 WHERE run_id = ? AND node_id = ?`,
			ev.RunID, ev.NodeID)

	case telemetry.KindNodeFinished:
		_, err = r.db.ExecContext(ctx,
			`UPDATE gograph_nodes SET status = ?, error = ?, finished_at = ?, duration_ns = ?
			 WHERE run_id = ? AND node_id = ?`,
			ev.Status, errText(ev.Err), ev.Time.UnixNano(), int64(ev.Duration), ev.RunID, ev.NodeID)

	case telemetry.KindRunFinished:
		_, err = r.db.ExecContext(ctx,
			`UPDATE gograph_runs SET status = ?, error = ?, final_state = ?, finished_at = ?, duration_ns = ?
			 WHERE id = ?`,
			ev.Status, errText(ev.Err), text(ev.State), ev.Time.UnixNano(), int64(ev.Duration), ev.RunID)
	}

	if err != nil {
		return fmt.Errorf("history: record %s for run %s: %w", ev.Kind, ev.RunID, err)
	}
	return nil
}

// Runs returns up to limit runs of workflow, most recent first. An empty
// workflow matches every workflow; a limit below 1 returns every run.
func (r *Recorder) Runs(ctx context.Context, workflow string, limit int) ([]Run, error) {
	if limit < 1 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, workflow, status, error, initial_state, final_state, graph, started_at, finished_at, duration_ns
		 FROM gograph_runs
		 WHERE ? = '' OR workflow = ?
		 ORDER BY started_at DESC
		 LIMIT ?`,
		workflow, workflow, limit)
	if err != nil {
		return nil, fmt.Errorf("history: list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: list runs: %w", err)
	}
	return runs, nil
}

// Run returns the run with the given ID.
func (r *Recorder) Run(ctx context.Context, id string) (Run, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, workflow, status, error, initial_state, final_state, graph, started_at, finished_at, duration_ns
		 FROM gograph_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return run, err
}

// Nodes returns the node executions of a run in start order.
func (r *Recorder) Nodes(ctx context.Context, runID string) ([]Node, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT run_id, node_id, node_name, status, error, state_writes, started_at, finished_at, duration_ns
		 FROM gograph_nodes WHERE run_id = ?
		 ORDER BY started_at, rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("history: list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var (
			n                     Node
			errMsg                sql.NullString
			started, finished, ns sql.NullInt64
		)
		if err := rows.Scan(&n.RunID, &n.NodeID, &n.NodeName, &n.Status, &errMsg, &n.StateWrites, &started, &finished, &ns); err != nil {
			return nil, fmt.Errorf("history: scan node: %w", err)
		}
		n.Error = errMsg.String
		n.StartedAt = fromNanos(started)
		n.FinishedAt = fromNanos(finished)
		n.Duration = time.Duration(ns.Int64)
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: list nodes: %w", err)
	}
	return nodes, nil
}

// Prune deletes runs that started before cutoff and returns how many were
// removed.
func (r *Recorder) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM gograph_runs WHERE started_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	if n > 0 {
		r.logger.Debug("pruned run history", slog.Int64("runs", n), slog.Time("cutoff", cutoff))
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var (
		run                           Run
		errMsg, initial, final, graph sql.NullString
		started, finished, durationNs sql.NullInt64
	)
	err := s.Scan(&run.ID, &run.Workflow, &run.Status, &errMsg, &initial, &final, &graph, &started, &finished, &durationNs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("history: scan run: %w", err)
	}
	run.Error = errMsg.String
	run.InitialState = bytesOf(initial)
	run.FinalState = bytesOf(final)
	run.Graph = bytesOf(graph)
	run.StartedAt = fromNanos(started)
	run.FinishedAt = fromNanos(finished)
	run.Duration = time.Duration(durationNs.Int64)
	return run, nil
}

func text(data []byte) sql.NullString {
	if len(data) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(data), Valid: true}
}

func errText(err error) sql.NullString {
	if err == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: err.Error(), Valid: true}
}

func bytesOf(s sql.NullString) []byte {
	if !s.Valid {
		return nil
	}
	return []byte(s.String)
}

func fromNanos(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.Unix(0, n.Int64)
}
