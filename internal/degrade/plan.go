// Package degrade computes fixed, known-safe fallback analyses when a
// generated analysis cannot be completed. Degrade never fails.
package degrade

import (
	"strings"
)

// Strategy identifies a fallback analysis. It doubles as the intent
// category the caller supplies.
type Strategy string

const (
	StrategyRevenue     Strategy = "revenue"
	StrategyTrend       Strategy = "trend"
	StrategyCorrelation Strategy = "correlation"
	StrategyComparison  Strategy = "comparison"
	StrategyGeneric     Strategy = "generic"
)

// ParseIntent maps an intent label to a strategy. Unknown labels select the
// generic strategy.
func ParseIntent(s string) Strategy {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyRevenue, "sales", "revenue_analysis":
		return StrategyRevenue
	case StrategyTrend, "time_series", "timeseries", "forecast":
		return StrategyTrend
	case StrategyCorrelation, "relationship":
		return StrategyCorrelation
	case StrategyComparison, "compare", "breakdown":
		return StrategyComparison
	default:
		return StrategyGeneric
	}
}

const (
	MinConfidence = 0.3
	MaxConfidence = 1.0

	ambiguousPenalty  = 0.1
	unresolvedPenalty = 0.05
)

// BaseConfidence is the confidence of a strategy before mapping penalties.
func BaseConfidence(s Strategy) float64 {
	switch s {
	case StrategyRevenue:
		return 0.75
	case StrategyTrend:
		return 0.7
	case StrategyCorrelation, StrategyComparison:
		return 0.65
	case StrategyGeneric:
		return 0.5
	}
	return MinConfidence
}

// Confidence applies the mapping penalties to base and clamps the result.
func Confidence(base float64, ambiguous, unresolved int) float64 {
	c := base - ambiguousPenalty*float64(ambiguous) - unresolvedPenalty*float64(unresolved)
	// Keep two decimals so repeated subtraction does not leak float noise
	// into reports.
	c = float64(int(c*100+0.5)) / 100
	if c < MinConfidence {
		return MinConfidence
	}
	if c > MaxConfidence {
		return MaxConfidence
	}
	return c
}

// Plan describes the fallback that ran.
type Plan struct {
	StrategyID Strategy `json:"strategy_id"`
	// Requested is the strategy the intent asked for; it differs from
	// StrategyID when a fallback was needed.
	Requested   Strategy `json:"requested"`
	Rationale   string   `json:"rationale"`
	Confidence  float64  `json:"confidence"`
	InputsUsed  []string `json:"inputs_used"`
	Limitations []string `json:"limitations"`
}

// Degraded is a plan together with the result it produced.
type Degraded struct {
	Plan   Plan           `json:"plan"`
	Result map[string]any `json:"result"`
}
