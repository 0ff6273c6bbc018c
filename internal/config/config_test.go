package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danshapiro/analyst/internal/failure"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadWithEnv("", noEnv)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	l := cfg.Limits()
	assert.Equal(t, 30*time.Second, l.Timeout)
	assert.Equal(t, 2*time.Second, l.Grace)
	assert.Equal(t, int64(512<<20), l.MemoryBytes)
	assert.Equal(t, int64(50_000_000), l.MaxSteps)

	c := cfg.Ceilings()
	assert.Equal(t, 3, c.Generation)
	assert.Equal(t, 2, c.Execution)
	assert.Equal(t, WorkerInProcess, cfg.Sandbox.Worker)
	assert.Equal(t, 0.55, cfg.Reconciler.Threshold)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel())

	ec, err := cfg.Engine()
	require.NoError(t, err)
	assert.Equal(t, 5, ec.ErrorContext)
	assert.Equal(t, 4, ec.Policy.For(failure.KindNetwork).MaxAttempts)
}

func TestLoad_YAML(t *testing.T) {
	p := writeFile(t, "run.yaml", `
version: 1
sandbox:
  timeout_ms: 5000
  memory_mb: 128
  worker: process
retry:
  generation_retries: 4
  execution_retries: 1
  policies:
    NetworkError:
      max_attempts: 6
      base_delay_ms: 100
      max_delay_ms: 2000
      jitter: 0
reconciler:
  threshold: 0.7
  synonyms:
    - [revenue, sales, turnover]
events:
  ndjson_path: " progress.ndjson "
logging:
  level: DEBUG
`)
	cfg, err := LoadWithEnv(p, noEnv)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Limits().Timeout)
	assert.Equal(t, int64(128<<20), cfg.Limits().MemoryBytes)
	assert.Equal(t, WorkerProcess, cfg.Sandbox.Worker)
	assert.Equal(t, 5, cfg.Ceilings().Global())
	assert.Equal(t, "progress.ndjson", cfg.Events.NDJSONPath)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel())
	assert.Equal(t, [][]string{{"revenue", "sales", "turnover"}}, cfg.Reconciler.Synonyms)

	policy, err := cfg.RetryPolicy()
	require.NoError(t, err)
	net := policy.For(failure.KindNetwork)
	assert.Equal(t, 6, net.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, net.BaseDelay)
	assert.Equal(t, 2*time.Second, net.MaxDelay)
	assert.Zero(t, net.Jitter)
	assert.True(t, net.Retryable)
	assert.Equal(t, 3, policy.For(failure.KindData).MaxAttempts)
}

func TestLoad_JSONByExtension(t *testing.T) {
	p := writeFile(t, "run.json", `{"version": 1, "retry": {"error_context": 2}}`)
	cfg, err := LoadWithEnv(p, noEnv)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Retry.ErrorContext)
}

func TestLoad_RejectsUnknownFieldsAndExtraDocuments(t *testing.T) {
	cases := map[string]string{
		"unknown.yaml": "version: 1\nsandbox:\n  timeout: 5\n",
		"multi.yaml":   "version: 1\n---\nversion: 1\n",
		"unknown.json": `{"version": 1, "bogus": true}`,
		"multi.json":   `{"version": 1} {"version": 1}`,
	}
	for name, body := range cases {
		_, err := LoadWithEnv(writeFile(t, name, body), noEnv)
		assert.Error(t, err, name)
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := map[string]string{
		"version":   "version: 2\n",
		"worker":    "sandbox:\n  worker: docker\n",
		"kind":      "retry:\n  policies:\n    BogusError:\n      max_attempts: 2\n",
		"backoff":   "retry:\n  backoff_base_ms: 500\n  backoff_max_ms: 100\n",
		"jitter":    "retry:\n  policies:\n    CodeError:\n      jitter: 2\n",
		"threshold": "reconciler:\n  threshold: 1.5\n",
		"level":     "logging:\n  level: verbose\n",
		"negative":  "sandbox:\n  timeout_ms: -1\n",
	}
	for name, body := range cases {
		_, err := LoadWithEnv(writeFile(t, name+".yaml", body), noEnv)
		assert.Error(t, err, name)
	}
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	p := writeFile(t, "run.yaml", "sandbox:\n  timeout_ms: 5000\nretry:\n  generation_retries: 4\n")
	cfg, err := LoadWithEnv(p, envMap(map[string]string{
		EnvSandboxTimeoutSeconds: "10",
		EnvSandboxMemoryMB:       "256",
		EnvGenerationRetries:     "2",
		EnvExecutionRetries:      "3",
		EnvFuzzyThreshold:        "0.8",
		EnvBackoffBaseMS:         "50",
		EnvBackoffMaxMS:          "400",
		EnvLogLevel:              "warn",
		EnvRedisURL:              "redis://localhost:6379/0",
		"UNRELATED":              "x",
	}))
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.Limits().Timeout)
	assert.Equal(t, int64(256<<20), cfg.Limits().MemoryBytes)
	assert.Equal(t, 2, cfg.Retry.GenerationRetries)
	assert.Equal(t, 3, cfg.Retry.ExecutionRetries)
	assert.Equal(t, 0.8, cfg.Reconciler.Threshold)
	assert.Equal(t, slog.LevelWarn, cfg.LogLevel())
	assert.Equal(t, "redis://localhost:6379/0", cfg.Events.RedisURL)

	policy, err := cfg.RetryPolicy()
	require.NoError(t, err)
	for _, k := range []failure.Kind{failure.KindData, failure.KindCode, failure.KindTimeout, failure.KindNetwork} {
		assert.Equal(t, 50*time.Millisecond, policy.For(k).BaseDelay, k.String())
		assert.Equal(t, 400*time.Millisecond, policy.For(k).MaxDelay, k.String())
	}
	assert.False(t, policy.For(failure.KindResource).Retryable)
}

func TestLoad_RejectsBadEnvironment(t *testing.T) {
	for key, v := range map[string]string{
		EnvSandboxTimeoutSeconds: "soon",
		EnvGenerationRetries:     "0",
		EnvFuzzyThreshold:        "2",
	} {
		_, err := LoadWithEnv("", envMap(map[string]string{key: v}))
		assert.Error(t, err, key)
	}
	cfg, err := LoadWithEnv("", envMap(map[string]string{EnvSandboxMemoryMB: "  "}))
	require.NoError(t, err)
	assert.Equal(t, 512, cfg.Sandbox.MemoryMB)
}

func TestLoad_PolicyOverrideCanDisableRetries(t *testing.T) {
	p := writeFile(t, "run.yaml", "retry:\n  policies:\n    data:\n      retryable: false\n")
	cfg, err := LoadWithEnv(p, noEnv)
	require.NoError(t, err)
	policy, err := cfg.RetryPolicy()
	require.NoError(t, err)
	assert.False(t, policy.For(failure.KindData).Retryable)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := LoadWithEnv(filepath.Join(t.TempDir(), "nope.yaml"), noEnv)
	assert.Error(t, err)
}
