// Package config loads the analyst run configuration.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/danshapiro/analyst/internal/schema"
)

const (
	WorkerInProcess = "inprocess"
	WorkerProcess   = "process"
)

type SandboxConfig struct {
	TimeoutMS      int    `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	GraceMS        int    `json:"grace_ms,omitempty" yaml:"grace_ms,omitempty"`
	MemoryMB       int    `json:"memory_mb,omitempty" yaml:"memory_mb,omitempty"`
	MaxSteps       int64  `json:"max_steps,omitempty" yaml:"max_steps,omitempty"`
	MaxOutputBytes int    `json:"max_output_bytes,omitempty" yaml:"max_output_bytes,omitempty"`
	Worker         string `json:"worker,omitempty" yaml:"worker,omitempty"`
}

// KindPolicyConfig overrides the retry policy of one failure kind. Zero
// fields keep the built-in value for that kind.
type KindPolicyConfig struct {
	MaxAttempts int      `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	BaseDelayMS int      `json:"base_delay_ms,omitempty" yaml:"base_delay_ms,omitempty"`
	MaxDelayMS  int      `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`
	Jitter      *float64 `json:"jitter,omitempty" yaml:"jitter,omitempty"`
	Retryable   *bool    `json:"retryable,omitempty" yaml:"retryable,omitempty"`
}

type RetryConfig struct {
	GenerationRetries int `json:"generation_retries,omitempty" yaml:"generation_retries,omitempty"`
	ExecutionRetries  int `json:"execution_retries,omitempty" yaml:"execution_retries,omitempty"`
	ErrorContext      int `json:"error_context,omitempty" yaml:"error_context,omitempty"`
	// BackoffBaseMS and BackoffMaxMS apply to every retryable kind without an
	// entry in Policies.
	BackoffBaseMS int `json:"backoff_base_ms,omitempty" yaml:"backoff_base_ms,omitempty"`
	BackoffMaxMS  int `json:"backoff_max_ms,omitempty" yaml:"backoff_max_ms,omitempty"`
	// Policies is keyed by kind name, e.g. "NetworkError".
	Policies map[string]KindPolicyConfig `json:"policies,omitempty" yaml:"policies,omitempty"`
}

type EventsConfig struct {
	NDJSONPath  string `json:"ndjson_path,omitempty" yaml:"ndjson_path,omitempty"`
	RedisURL    string `json:"redis_url,omitempty" yaml:"redis_url,omitempty"`
	RedisStream string `json:"redis_stream,omitempty" yaml:"redis_stream,omitempty"`
	RedisMaxLen int64  `json:"redis_maxlen,omitempty" yaml:"redis_maxlen,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty" yaml:"queue_size,omitempty"`
}

type LoggingConfig struct {
	Level string `json:"level,omitempty" yaml:"level,omitempty"`
}

type MetricsConfig struct {
	// TextfilePath, when set, receives the metrics in the node-exporter
	// textfile format at the end of a run.
	TextfilePath string `json:"textfile_path,omitempty" yaml:"textfile_path,omitempty"`
}

type Config struct {
	Version    int           `json:"version" yaml:"version"`
	Sandbox    SandboxConfig `json:"sandbox,omitempty" yaml:"sandbox,omitempty"`
	Retry      RetryConfig   `json:"retry,omitempty" yaml:"retry,omitempty"`
	Reconciler schema.Config `json:"reconciler,omitempty" yaml:"reconciler,omitempty"`
	Events     EventsConfig  `json:"events,omitempty" yaml:"events,omitempty"`
	Logging    LoggingConfig `json:"logging,omitempty" yaml:"logging,omitempty"`
	Metrics    MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// Load reads path (YAML, or JSON by extension), applies ANALYST_*
// environment overrides and defaults, and validates the result. An empty
// path yields the defaults plus environment overrides.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (*Config, error) {
	var cfg Config
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json":
			err = decodeJSONStrict(b, &cfg)
		default:
			err = decodeYAMLStrict(b, &cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the defaults with no file and no environment.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func decodeJSONStrict(b []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Sandbox.TimeoutMS == 0 {
		cfg.Sandbox.TimeoutMS = 30000
	}
	if cfg.Sandbox.GraceMS == 0 {
		cfg.Sandbox.GraceMS = 2000
	}
	if cfg.Sandbox.MemoryMB == 0 {
		cfg.Sandbox.MemoryMB = 512
	}
	if cfg.Sandbox.MaxSteps == 0 {
		cfg.Sandbox.MaxSteps = 50_000_000
	}
	if cfg.Sandbox.MaxOutputBytes == 0 {
		cfg.Sandbox.MaxOutputBytes = 1 << 20
	}
	cfg.Sandbox.Worker = strings.ToLower(strings.TrimSpace(cfg.Sandbox.Worker))
	if cfg.Sandbox.Worker == "" {
		cfg.Sandbox.Worker = WorkerInProcess
	}
	if cfg.Retry.GenerationRetries == 0 {
		cfg.Retry.GenerationRetries = 3
	}
	if cfg.Retry.ExecutionRetries == 0 {
		cfg.Retry.ExecutionRetries = 2
	}
	if cfg.Retry.ErrorContext == 0 {
		cfg.Retry.ErrorContext = 5
	}
	if cfg.Reconciler.Threshold == 0 {
		cfg.Reconciler.Threshold = schema.DefaultThreshold
	}
	if cfg.Reconciler.Margin == 0 {
		cfg.Reconciler.Margin = schema.DefaultMargin
	}
	cfg.Events.NDJSONPath = strings.TrimSpace(cfg.Events.NDJSONPath)
	cfg.Events.RedisURL = strings.TrimSpace(cfg.Events.RedisURL)
	if cfg.Events.QueueSize == 0 {
		cfg.Events.QueueSize = 256
	}
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	cfg.Metrics.TextfilePath = strings.TrimSpace(cfg.Metrics.TextfilePath)
}

func validate(cfg *Config) error {
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", cfg.Version)
	}
	s := cfg.Sandbox
	if s.TimeoutMS < 0 || s.GraceMS < 0 || s.MemoryMB < 0 || s.MaxSteps < 0 || s.MaxOutputBytes < 0 {
		return fmt.Errorf("sandbox limits must be positive")
	}
	if s.Worker != WorkerInProcess && s.Worker != WorkerProcess {
		return fmt.Errorf("sandbox.worker must be %q or %q (got %q)", WorkerInProcess, WorkerProcess, s.Worker)
	}
	r := cfg.Retry
	if r.GenerationRetries < 1 || r.ExecutionRetries < 1 {
		return fmt.Errorf("retry.generation_retries and retry.execution_retries must be >= 1")
	}
	if r.ErrorContext < 1 {
		return fmt.Errorf("retry.error_context must be >= 1")
	}
	if r.BackoffBaseMS < 0 || r.BackoffMaxMS < 0 {
		return fmt.Errorf("retry backoff must be >= 0")
	}
	if r.BackoffMaxMS > 0 && r.BackoffMaxMS < r.BackoffBaseMS {
		return fmt.Errorf("retry.backoff_max_ms (%d) is below retry.backoff_base_ms (%d)", r.BackoffMaxMS, r.BackoffBaseMS)
	}
	if _, err := cfg.RetryPolicy(); err != nil {
		return err
	}
	if err := cfg.Reconciler.Validate(); err != nil {
		return fmt.Errorf("reconciler: %w", err)
	}
	if cfg.Events.QueueSize < 0 || cfg.Events.RedisMaxLen < 0 {
		return fmt.Errorf("events.queue_size and events.redis_maxlen must be >= 0")
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error (got %q)", cfg.Logging.Level)
	}
	return nil
}
