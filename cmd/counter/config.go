package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/joho/godotenv"
)

// Config holds everything the counter application needs to run.
type Config struct {
	Workflow    string
	ServiceName string

	CollectorHost     string
	CollectorPort     int
	CollectorInsecure bool
	APIKey            string

	LogLevel  string
	LogFormat string

	RunInterval time.Duration
	NodeDelay   time.Duration
	// MaxRuns stops the loop after that many runs; 0 runs until interrupted.
	MaxRuns int

	HistoryPath string
	// HistoryRetention is how long recorded runs are kept; 0 keeps them all.
	HistoryRetention time.Duration
	MetricsAddr      string
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() Config {
	return Config{
		Workflow:          "Example Deployment Workflow",
		ServiceName:       "gograph Deployment Example",
		CollectorHost:     "localhost",
		CollectorPort:     50051,
		CollectorInsecure: true,
		LogLevel:          "info",
		LogFormat:         "text",
		RunInterval:       5 * time.Second,
		NodeDelay:         time.Second,
		HistoryRetention:  24 * time.Hour,
	}
}

// NewConfig validates cfg and returns a copy of it.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.Workflow == "" {
		return nil, errors.New("workflow name cannot be empty")
	}
	if cfg.CollectorPort < 1 || cfg.CollectorPort > 65535 {
		return nil, fmt.Errorf("collector port %d is out of range", cfg.CollectorPort)
	}
	if cfg.RunInterval < 0 {
		return nil, fmt.Errorf("run interval %s cannot be negative", cfg.RunInterval)
	}
	if cfg.NodeDelay < 0 {
		return nil, fmt.Errorf("node delay %s cannot be negative", cfg.NodeDelay)
	}
	if cfg.HistoryRetention < 0 {
		return nil, fmt.Errorf("history retention %s cannot be negative", cfg.HistoryRetention)
	}
	if cfg.MaxRuns < 0 {
		return nil, fmt.Errorf("max runs %d cannot be negative", cfg.MaxRuns)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.LogFormat)
	}
	return &cfg, nil
}

// TelemetryEnabled reports whether spans should be exported.
func (c *Config) TelemetryEnabled() bool {
	return c.APIKey != ""
}

// CollectorEndpoint returns host:port of the span collector.
func (c *Config) CollectorEndpoint() string {
	return fmt.Sprintf("%s:%d", c.CollectorHost, c.CollectorPort)
}

// hclConfigFile is the structure of an optional HCL configuration file.
type hclConfigFile struct {
	Workflow         *string            `hcl:"workflow,optional"`
	ServiceName      *string            `hcl:"service_name,optional"`
	LogLevel         *string            `hcl:"log_level,optional"`
	LogFormat        *string            `hcl:"log_format,optional"`
	RunInterval      *string            `hcl:"run_interval,optional"`
	NodeDelay        *string            `hcl:"node_delay,optional"`
	MaxRuns          *int               `hcl:"max_runs,optional"`
	HistoryPath      *string            `hcl:"history_path,optional"`
	HistoryRetention *string            `hcl:"history_retention,optional"`
	MetricsAddr      *string            `hcl:"metrics_addr,optional"`
	Collector        *hclCollectorBlock `hcl:"collector,block"`
}

type hclCollectorBlock struct {
	Host     *string `hcl:"host,optional"`
	Port     *int    `hcl:"port,optional"`
	Insecure *bool   `hcl:"insecure,optional"`
	APIKey   *string `hcl:"api_key,optional"`
}

// LoadConfig builds the configuration in layers: defaults, then the HCL file
// named by GOGRAPH_CONFIG (if any), then environment variables. A .env file
// in the working directory is loaded first and never overrides variables
// already set.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	return loadConfig(os.LookupEnv)
}

func loadConfig(lookup func(string) (string, bool)) (*Config, error) {
	cfg := DefaultConfig()

	if path, ok := lookup("GOGRAPH_CONFIG"); ok && path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return nil, err
	}
	return NewConfig(cfg)
}

func applyFile(cfg *Config, path string) error {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse config file %s: %w", path, diags)
	}

	var parsed hclConfigFile
	diags = gohcl.DecodeBody(file.Body, nil, &parsed)
	if diags.HasErrors() {
		return fmt.Errorf("failed to decode config file %s: %w", path, diags)
	}

	setString(&cfg.Workflow, parsed.Workflow)
	setString(&cfg.ServiceName, parsed.ServiceName)
	setString(&cfg.LogLevel, parsed.LogLevel)
	setString(&cfg.LogFormat, parsed.LogFormat)
	setString(&cfg.HistoryPath, parsed.HistoryPath)
	setString(&cfg.MetricsAddr, parsed.MetricsAddr)
	if parsed.MaxRuns != nil {
		cfg.MaxRuns = *parsed.MaxRuns
	}
	if err := setDuration(&cfg.RunInterval, parsed.RunInterval, "run_interval"); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	if err := setDuration(&cfg.NodeDelay, parsed.NodeDelay, "node_delay"); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	if err := setDuration(&cfg.HistoryRetention, parsed.HistoryRetention, "history_retention"); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}

	if c := parsed.Collector; c != nil {
		setString(&cfg.CollectorHost, c.Host)
		setString(&cfg.APIKey, c.APIKey)
		if c.Port != nil {
			cfg.CollectorPort = *c.Port
		}
		if c.Insecure != nil {
			cfg.CollectorInsecure = *c.Insecure
		}
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("WORKFLOW_NAME", &cfg.Workflow)
	str("SERVICE_NAME", &cfg.ServiceName)
	str("COLLECTOR_HOST", &cfg.CollectorHost)
	str("COLLECTOR_API_KEY", &cfg.APIKey)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)
	str("HISTORY_PATH", &cfg.HistoryPath)
	str("METRICS_ADDR", &cfg.MetricsAddr)

	if v, ok := lookup("COLLECTOR_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid COLLECTOR_PORT %q: %w", v, err)
		}
		cfg.CollectorPort = port
	}
	if v, ok := lookup("COLLECTOR_INSECURE"); ok && v != "" {
		insecure, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid COLLECTOR_INSECURE %q: %w", v, err)
		}
		cfg.CollectorInsecure = insecure
	}
	if v, ok := lookup("MAX_RUNS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MAX_RUNS %q: %w", v, err)
		}
		cfg.MaxRuns = n
	}
	if v, ok := lookup("RUN_INTERVAL"); ok && v != "" {
		if err := setDuration(&cfg.RunInterval, &v, "RUN_INTERVAL"); err != nil {
			return err
		}
	}
	if v, ok := lookup("NODE_DELAY"); ok && v != "" {
		if err := setDuration(&cfg.NodeDelay, &v, "NODE_DELAY"); err != nil {
			return err
		}
	}
	if v, ok := lookup("HISTORY_RETENTION"); ok && v != "" {
		if err := setDuration(&cfg.HistoryRetention, &v, "HISTORY_RETENTION"); err != nil {
			return err
		}
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *string, name string) error {
	if v == nil {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, *v, err)
	}
	*dst = d
	return nil
}
