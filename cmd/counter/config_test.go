package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(env(nil))
	require.NoError(t, err)

	assert.Equal(t, "Example Deployment Workflow", cfg.Workflow)
	assert.Equal(t, "localhost:50051", cfg.CollectorEndpoint())
	assert.True(t, cfg.CollectorInsecure)
	assert.Equal(t, 5*time.Second, cfg.RunInterval)
	assert.Equal(t, time.Second, cfg.NodeDelay)
	assert.False(t, cfg.TelemetryEnabled())
	assert.Zero(t, cfg.MaxRuns)
	assert.Equal(t, 24*time.Hour, cfg.HistoryRetention)
}

func TestLoadConfigFromEnv(t *testing.T) {
	cfg, err := loadConfig(env(map[string]string{
		"COLLECTOR_API_KEY":  "secret",
		"COLLECTOR_HOST":     "collector",
		"COLLECTOR_PORT":     "4317",
		"COLLECTOR_INSECURE": "false",
		"LOG_LEVEL":          "debug",
		"LOG_FORMAT":         "json",
		"RUN_INTERVAL":       "250ms",
		"NODE_DELAY":         "0s",
		"MAX_RUNS":           "3",
		"HISTORY_PATH":       "runs.db",
		"HISTORY_RETENTION":  "1h",
		"METRICS_ADDR":       ":9090",
	}))
	require.NoError(t, err)

	assert.True(t, cfg.TelemetryEnabled())
	assert.Equal(t, "collector:4317", cfg.CollectorEndpoint())
	assert.False(t, cfg.CollectorInsecure)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 250*time.Millisecond, cfg.RunInterval)
	assert.Zero(t, cfg.NodeDelay)
	assert.Equal(t, 3, cfg.MaxRuns)
	assert.Equal(t, "runs.db", cfg.HistoryPath)
	assert.Equal(t, time.Hour, cfg.HistoryRetention)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counter.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`
workflow          = "File Workflow"
run_interval      = "2s"
max_runs          = 7
history_retention = "0s"

collector {
  host    = "file-host"
  port    = 6000
  api_key = "from-file"
}
`), 0o644))

	cfg, err := loadConfig(env(map[string]string{
		"GOGRAPH_CONFIG": path,
		"COLLECTOR_PORT": "7000",
	}))
	require.NoError(t, err)

	assert.Equal(t, "File Workflow", cfg.Workflow)
	assert.Equal(t, 2*time.Second, cfg.RunInterval)
	assert.Equal(t, 7, cfg.MaxRuns)
	assert.Zero(t, cfg.HistoryRetention)
	assert.Equal(t, "from-file", cfg.APIKey)
	// Environment variables win over the file.
	assert.Equal(t, "file-host:7000", cfg.CollectorEndpoint())
}

func TestLoadConfigErrors(t *testing.T) {
	badFile := filepath.Join(t.TempDir(), "bad.hcl")
	require.NoError(t, os.WriteFile(badFile, []byte(`unknown_key = 1`), 0o644))

	tests := []struct {
		name string
		vars map[string]string
	}{
		{"bad port", map[string]string{"COLLECTOR_PORT": "http"}},
		{"port out of range", map[string]string{"COLLECTOR_PORT": "70000"}},
		{"bad interval", map[string]string{"RUN_INTERVAL": "soon"}},
		{"negative delay", map[string]string{"NODE_DELAY": "-1s"}},
		{"bad insecure", map[string]string{"COLLECTOR_INSECURE": "maybe"}},
		{"bad log level", map[string]string{"LOG_LEVEL": "loud"}},
		{"bad log format", map[string]string{"LOG_FORMAT": "xml"}},
		{"negative max runs", map[string]string{"MAX_RUNS": "-1"}},
		{"negative retention", map[string]string{"HISTORY_RETENTION": "-1h"}},
		{"bad retention", map[string]string{"HISTORY_RETENTION": "forever"}},
		{"missing file", map[string]string{"GOGRAPH_CONFIG": "/does/not/exist.hcl"}},
		{"unknown file key", map[string]string{"GOGRAPH_CONFIG": badFile}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(env(tt.vars))
			assert.Error(t, err)
		})
	}
}
