package degrade

import (
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/danshapiro/analyst/internal/dataset"
	"github.com/danshapiro/analyst/internal/failure"
	"github.com/danshapiro/analyst/internal/schema"
)

// Engine runs fallback strategies. It is stateless and safe for concurrent
// use.
type Engine struct {
	r      *schema.Reconciler
	logger *slog.Logger
}

func New(r *schema.Reconciler, logger *slog.Logger) *Engine {
	if r == nil {
		r = schema.Default
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{r: r, logger: logger.With("component", "degrade")}
}

// outcome is what one strategy computed over one table.
type outcome struct {
	values      map[string]any
	inputs      []string
	limitations []string
	rationale   string
}

type strategyFunc func(l *locator, t *dataset.Table) (outcome, string)

func strategyFor(s Strategy) strategyFunc {
	switch s {
	case StrategyRevenue:
		return revenue
	case StrategyTrend:
		return trend
	case StrategyCorrelation:
		return correlation
	case StrategyComparison:
		return comparison
	case StrategyGeneric:
		return generic
	}
	return generic
}

// Degrade selects the strategy for intent, falls back to generic when it
// cannot run, and to a data-quality report alone when nothing can. mappings
// are the column mappings the failed run produced; their ambiguity lowers
// the confidence.
func (e *Engine) Degrade(intent Strategy, catalog dataset.Catalog, log *failure.Log, mappings []schema.Mapping) (d Degraded) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("fallback strategy panicked", "panic", r)
			d = Degraded{
				Plan: Plan{
					StrategyID:  StrategyGeneric,
					Requested:   intent,
					Rationale:   "No fallback analysis could be computed.",
					Confidence:  MinConfidence,
					InputsUsed:  []string{},
					Limitations: []string{"The fallback analysis failed unexpectedly; no statistics are available."},
				},
				Result: map[string]any{"data_quality": safeQuality(catalog)},
			}
		}
	}()

	requested := ParseIntent(string(intent))
	tables := catalog.Tables()
	runAmbiguous, runUnresolved := 0, 0
	var lims []string
	lims = append(lims, failureLimitation(log))
	for _, m := range mappings {
		switch {
		case m.IsAmbiguous():
			runAmbiguous++
			lims = append(lims, fmt.Sprintf("Column %q matched several columns (%s) equally well and was not used.", m.Requested, candidateNames(m.Ambiguous)))
		case m.Unresolved():
			runUnresolved++
			lims = append(lims, fmt.Sprintf("Column %q does not exist in the data and has no close match.", m.Requested))
		}
	}

	result := map[string]any{"data_quality": dataQuality(tables)}
	plan := Plan{Requested: requested}

	strategy := requested
	out, loc, reason := e.run(strategy, tables, &lims)
	if reason != "" && strategy != StrategyGeneric {
		lims = append(lims, fmt.Sprintf("A %s analysis was not possible: %s.", strategy, reason))
		strategy = StrategyGeneric
		out, loc, reason = e.run(strategy, tables, &lims)
	}
	plan.StrategyID = strategy

	if reason != "" {
		lims = append(lims, fmt.Sprintf("No summary statistics could be computed: %s. Only a data-quality report is included.", reason))
		plan.Rationale = "Only a data-quality report could be produced from the available data."
		plan.Confidence = MinConfidence
		plan.InputsUsed = []string{}
		plan.Limitations = lims
		e.logger.Info("degraded to data-quality report", "requested", requested, "reason", reason)
		return Degraded{Plan: plan, Result: finite(result)}
	}

	for k, v := range out.values {
		result[k] = v
	}
	result["strategy"] = string(strategy)
	plan.Rationale = out.rationale
	plan.InputsUsed = out.inputs
	plan.Limitations = append(lims, out.limitations...)
	plan.Confidence = Confidence(BaseConfidence(strategy), runAmbiguous+loc.ambiguous, runUnresolved+loc.unresolved)
	e.logger.Info("degraded result computed",
		"requested", requested, "strategy", strategy, "confidence", plan.Confidence, "inputs", len(plan.InputsUsed))
	return Degraded{Plan: plan, Result: finite(result)}
}

// run tries the cross-dataset form of strategy first when several datasets
// can be aligned, then each table on its own. A failed alignment is noted
// in lims.
func (e *Engine) run(strategy Strategy, tables []*dataset.Table, lims *[]string) (outcome, *locator, string) {
	if cross := crossStrategyFor(strategy); cross != nil {
		if a := align(e.r, tables); len(a.tables) >= 2 {
			loc := &locator{r: e.r}
			out, reason := cross(loc, a)
			if reason == "" {
				return out, loc, ""
			}
			*lims = append(*lims, fmt.Sprintf("The datasets could not be compared with each other: %s; each was analyzed on its own.", reason))
		}
	}
	return e.runOn(strategy, tables)
}

// runOn tries strategy on each non-empty table in name order and returns the
// first success. On failure the locator and reason of the first table are
// returned.
func (e *Engine) runOn(strategy Strategy, tables []*dataset.Table) (outcome, *locator, string) {
	fn := strategyFor(strategy)
	var firstLoc *locator
	firstReason := "no dataset has any rows"
	for _, t := range tables {
		if t == nil || t.Len() == 0 {
			continue
		}
		loc := &locator{r: e.r}
		out, reason := fn(loc, t)
		if reason == "" {
			return out, loc, ""
		}
		if firstLoc == nil {
			firstLoc, firstReason = loc, reason
		}
	}
	if firstLoc == nil {
		firstLoc = &locator{r: e.r}
	}
	return outcome{}, firstLoc, firstReason
}

func failureLimitation(log *failure.Log) string {
	recs := log.Records()
	if len(recs) == 0 {
		return "This is a descriptive fallback, not the requested analysis."
	}
	last := recs[len(recs)-1]
	return fmt.Sprintf("The requested analysis did not complete (%d failed attempt(s), last: %s); this is a descriptive fallback.",
		len(recs), last.Kind)
}

func candidateNames(cs []schema.Candidate) string {
	names := make([]string, 0, len(cs))
	for _, c := range cs {
		names = append(names, c.Name)
	}
	return strings.Join(names, ", ")
}

func safeQuality(c dataset.Catalog) (q []map[string]any) {
	defer func() {
		if recover() != nil {
			q = []map[string]any{}
		}
	}()
	return dataQuality(c.Tables())
}

// dataQuality reports the shape of every table and the missing cells per
// column.
func dataQuality(tables []*dataset.Table) []map[string]any {
	out := []map[string]any{}
	for _, t := range tables {
		if t == nil {
			continue
		}
		cols := []map[string]any{}
		for _, c := range t.Schema() {
			cells, _ := t.Column(c.Name)
			missing := 0
			for _, v := range cells {
				if v == nil {
					missing++
				}
			}
			cols = append(cols, map[string]any{"name": c.Name, "type": string(c.Type), "missing": missing})
		}
		out = append(out, map[string]any{"dataset": t.Name(), "rows": t.Len(), "columns": cols})
	}
	return out
}

// finite replaces NaN and infinities with nil throughout a result so it
// always encodes as JSON.
func finite(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = finiteValue(v)
	}
	return out
}

func finiteValue(v any) any {
	switch v := v.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil
		}
		return v
	case map[string]any:
		return finite(v)
	case []map[string]any:
		out := make([]map[string]any, len(v))
		for i, m := range v {
			out[i] = finite(m)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, x := range v {
			out[i] = finiteValue(x)
		}
		return out
	default:
		return v
	}
}
