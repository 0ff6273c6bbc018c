package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Environment overrides. They win over the file.
const (
	EnvSandboxTimeoutSeconds = "ANALYST_SANDBOX_TIMEOUT_SECONDS"
	EnvSandboxMemoryMB       = "ANALYST_SANDBOX_MEMORY_MB"
	EnvGenerationRetries     = "ANALYST_MAX_GENERATION_RETRIES"
	EnvExecutionRetries      = "ANALYST_MAX_EXECUTION_RETRIES"
	EnvFuzzyThreshold        = "ANALYST_FUZZY_THRESHOLD"
	EnvBackoffBaseMS         = "ANALYST_BACKOFF_BASE_MS"
	EnvBackoffMaxMS          = "ANALYST_BACKOFF_MAX_MS"
	EnvLogLevel              = "ANALYST_LOG_LEVEL"
	EnvRedisURL              = "ANALYST_REDIS_URL"
)

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		return nil
	}
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	setInt := func(key string, dst *int, scale int) error {
		v, ok := get(key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("%s: want a positive integer, got %q", key, v)
		}
		*dst = n * scale
		return nil
	}

	for _, o := range []struct {
		key   string
		dst   *int
		scale int
	}{
		{EnvSandboxTimeoutSeconds, &cfg.Sandbox.TimeoutMS, 1000},
		{EnvSandboxMemoryMB, &cfg.Sandbox.MemoryMB, 1},
		{EnvGenerationRetries, &cfg.Retry.GenerationRetries, 1},
		{EnvExecutionRetries, &cfg.Retry.ExecutionRetries, 1},
		{EnvBackoffBaseMS, &cfg.Retry.BackoffBaseMS, 1},
		{EnvBackoffMaxMS, &cfg.Retry.BackoffMaxMS, 1},
	} {
		if err := setInt(o.key, o.dst, o.scale); err != nil {
			return err
		}
	}
	if v, ok := get(EnvFuzzyThreshold); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 || f > 1 {
			return fmt.Errorf("%s: want a number in (0, 1], got %q", EnvFuzzyThreshold, v)
		}
		cfg.Reconciler.Threshold = f
	}
	if v, ok := get(EnvLogLevel); ok {
		cfg.Logging.Level = v
	}
	if v, ok := get(EnvRedisURL); ok {
		cfg.Events.RedisURL = v
	}
	return nil
}
