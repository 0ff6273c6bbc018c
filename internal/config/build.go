package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/danshapiro/analyst/internal/engine"
	"github.com/danshapiro/analyst/internal/failure"
	"github.com/danshapiro/analyst/internal/sandbox"
)

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// Limits converts the sandbox section.
func (c *Config) Limits() sandbox.Limits {
	return sandbox.Limits{
		Timeout:        ms(c.Sandbox.TimeoutMS),
		Grace:          ms(c.Sandbox.GraceMS),
		MemoryBytes:    int64(c.Sandbox.MemoryMB) << 20,
		MaxSteps:       c.Sandbox.MaxSteps,
		MaxOutputBytes: c.Sandbox.MaxOutputBytes,
	}.WithDefaults()
}

func (c *Config) Ceilings() engine.Ceilings {
	return engine.Ceilings{Generation: c.Retry.GenerationRetries, Execution: c.Retry.ExecutionRetries}
}

// RetryPolicy builds the per-kind retry table: built-in defaults, then the
// global backoff bounds for retryable kinds, then per-kind overrides.
func (c *Config) RetryPolicy() (engine.RetryPolicy, error) {
	defaults := engine.DefaultRetryPolicy()
	overrides := map[failure.Kind]engine.KindPolicy{}
	if c.Retry.BackoffBaseMS > 0 || c.Retry.BackoffMaxMS > 0 {
		for _, k := range failure.Kinds() {
			p := defaults.For(k)
			if !p.Retryable {
				continue
			}
			if c.Retry.BackoffBaseMS > 0 {
				p.BaseDelay = ms(c.Retry.BackoffBaseMS)
			}
			if c.Retry.BackoffMaxMS > 0 {
				p.MaxDelay = ms(c.Retry.BackoffMaxMS)
			}
			if p.MaxDelay < p.BaseDelay {
				p.MaxDelay = p.BaseDelay
			}
			overrides[k] = p
		}
	}
	for name, pc := range c.Retry.Policies {
		k, err := failure.ParseKind(name)
		if err != nil {
			return engine.RetryPolicy{}, fmt.Errorf("retry.policies: %w", err)
		}
		p, ok := overrides[k]
		if !ok {
			p = defaults.For(k)
		}
		if pc.MaxAttempts != 0 {
			p.MaxAttempts = pc.MaxAttempts
		}
		if pc.BaseDelayMS != 0 {
			p.BaseDelay = ms(pc.BaseDelayMS)
		}
		if pc.MaxDelayMS != 0 {
			p.MaxDelay = ms(pc.MaxDelayMS)
		}
		if pc.Jitter != nil {
			p.Jitter = *pc.Jitter
		}
		if pc.Retryable != nil {
			p.Retryable = *pc.Retryable
		}
		overrides[k] = p
	}
	return engine.NewRetryPolicy(overrides)
}

// Engine returns the orchestrator configuration.
func (c *Config) Engine() (engine.Config, error) {
	policy, err := c.RetryPolicy()
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Policy:       policy,
		Ceilings:     c.Ceilings(),
		ErrorContext: c.Retry.ErrorContext,
		Limits:       c.Limits(),
	}, nil
}

// LogLevel maps logging.level to a slog level.
func (c *Config) LogLevel() slog.Level {
	switch c.Logging.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
