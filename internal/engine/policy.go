package engine

import (
	"fmt"
	"time"

	"github.com/danshapiro/analyst/internal/failure"
)

// KindPolicy bounds retries of one failure kind.
type KindPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
	// Jitter is the fraction of the delay randomized in both directions.
	Jitter float64 `json:"jitter"`
	// Retryable false sends the first failure of this kind straight to
	// degradation, whatever the record says.
	Retryable bool `json:"retryable"`
}

func (p KindPolicy) validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1")
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("delays must be >= 0")
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("max_delay %s is below base_delay %s", p.MaxDelay, p.BaseDelay)
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("jitter must be within [0, 1]")
	}
	return nil
}

// RetryPolicy is the per-kind retry table. It is built once at startup and
// only read afterwards, so one value may be shared by concurrent runs.
type RetryPolicy struct {
	kinds map[failure.Kind]KindPolicy
}

func defaultKindPolicies() map[failure.Kind]KindPolicy {
	return map[failure.Kind]KindPolicy{
		failure.KindData:     {MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second, Jitter: 0.2, Retryable: true},
		failure.KindCode:     {MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second, Jitter: 0.2, Retryable: true},
		failure.KindTimeout:  {MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: 10 * time.Second, Jitter: 0.1, Retryable: true},
		failure.KindNetwork:  {MaxAttempts: 4, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Jitter: 0.25, Retryable: true},
		failure.KindResource: {MaxAttempts: 1},
		failure.KindUnknown:  {MaxAttempts: 1},
	}
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{kinds: defaultKindPolicies()}
}

// NewRetryPolicy starts from the defaults and replaces the kinds present in
// overrides.
func NewRetryPolicy(overrides map[failure.Kind]KindPolicy) (RetryPolicy, error) {
	kinds := defaultKindPolicies()
	for k, p := range overrides {
		if err := p.validate(); err != nil {
			return RetryPolicy{}, fmt.Errorf("retry policy for %s: %w", k, err)
		}
		kinds[k] = p
	}
	return RetryPolicy{kinds: kinds}, nil
}

// For returns the policy of kind k. A zero RetryPolicy behaves as the
// default.
func (p RetryPolicy) For(k failure.Kind) KindPolicy {
	if p.kinds == nil {
		return defaultKindPolicies()[k]
	}
	if kp, ok := p.kinds[k]; ok {
		return kp
	}
	return KindPolicy{MaxAttempts: 1}
}

// Ceilings are the per-stage failure ceilings of one run. Their sum is the
// hard ceiling on attempts.
type Ceilings struct {
	Generation int `json:"generation"`
	Execution  int `json:"execution"`
}

const (
	DefaultGenerationRetries = 3
	DefaultExecutionRetries  = 2
	DefaultErrorContext      = 5
)

func DefaultCeilings() Ceilings {
	return Ceilings{Generation: DefaultGenerationRetries, Execution: DefaultExecutionRetries}
}

func (c Ceilings) withDefaults() Ceilings {
	if c.Generation <= 0 {
		c.Generation = DefaultGenerationRetries
	}
	if c.Execution <= 0 {
		c.Execution = DefaultExecutionRetries
	}
	return c
}

// Global is the most attempts a run may make.
func (c Ceilings) Global() int { return c.Generation + c.Execution }

func (c Ceilings) forStage(s failure.Stage) int {
	if s == failure.StageExecution {
		return c.Execution
	}
	return c.Generation
}
