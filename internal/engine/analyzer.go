package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/danshapiro/analyst/internal/artifact"
	"github.com/danshapiro/analyst/internal/degrade"
	"github.com/danshapiro/analyst/internal/failure"
	"github.com/danshapiro/analyst/internal/report"
)

// Artifact is the final product of one analysis request. It always carries
// an error report; Result holds either the analysis result or, when
// Degraded, the fallback summary.
type Artifact struct {
	RunID       string        `json:"run_id"`
	Success     bool          `json:"success"`
	Result      any           `json:"result,omitempty"`
	ResultType  string        `json:"result_type,omitempty"`
	Printed     string        `json:"printed,omitempty"`
	Degraded    bool          `json:"degraded"`
	Plan        *degrade.Plan `json:"plan,omitempty"`
	ErrorReport report.Report `json:"error_report"`
	Attempts    []Attempt     `json:"attempts"`
	Handoff     *Handoff      `json:"handoff,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
}

// Save writes the artifact atomically to path.
func (a *Artifact) Save(path string) error {
	if a == nil {
		return fmt.Errorf("artifact is nil")
	}
	return artifact.WriteJSON(path, a)
}

// Analyzer composes the orchestrator, the degradation engine and the report
// builder into a single call that never fails.
type Analyzer struct {
	orch     *Orchestrator
	degrader *degrade.Engine
}

func NewAnalyzer(orch *Orchestrator, degrader *degrade.Engine) *Analyzer {
	if degrader == nil {
		degrader = degrade.New(orch.reconciler, orch.base)
	}
	return &Analyzer{orch: orch, degrader: degrader}
}

// Analyze runs req to completion. Any internal panic is recovered into an
// UnknownError record and a degraded artifact.
func (an *Analyzer) Analyze(ctx context.Context, req Request) (art Artifact) {
	if req.RunID == "" {
		req.RunID = NewRunID()
	}
	o := an.orch
	started := o.now().UTC()
	defer func() {
		if p := recover(); p != nil {
			o.logger.Error("analysis panicked", "run_id", req.RunID, "panic", p, "stack", string(debug.Stack()))
			log := failure.NewLog().WithClock(o.now)
			rec := log.Append(failure.Record{
				Kind:      failure.KindUnknown,
				Severity:  failure.SeverityHigh,
				Message:   "internal error during analysis",
				Cause:     fmt.Sprintf("panic: %v", p),
				Stage:     failure.StageGeneration,
				Signature: failure.NormalizeSignature("internal error during analysis"),
			})
			art = an.degraded(req, RunOutcome{
				RunID:   req.RunID,
				Handoff: &Handoff{Reason: "internal error", Last: &rec},
				Log:     log,
			}, started)
		}
	}()

	out := o.Run(ctx, req)
	if !out.Success() {
		return an.degraded(req, out, started)
	}
	rep := report.Build(reportAttempts(out.Attempts), out.Log, report.Final{Success: true})
	o.metrics.ObserveRun("success")
	o.logger.Info("analysis succeeded", "run_id", out.RunID, "attempts", len(out.Attempts), "errors", out.Log.Len())
	return Artifact{
		RunID:       out.RunID,
		Success:     true,
		Result:      out.Result.Value,
		ResultType:  out.Result.Type,
		Printed:     out.Result.Printed,
		ErrorReport: rep,
		Attempts:    out.Attempts,
		StartedAt:   started,
		FinishedAt:  o.now().UTC(),
	}
}

func (an *Analyzer) degraded(req Request, out RunOutcome, started time.Time) Artifact {
	o := an.orch
	d := an.degrader.Degrade(degrade.ParseIntent(req.Intent), req.Catalog, out.Log, out.Mappings)
	plan := d.Plan
	rep := report.Build(reportAttempts(out.Attempts), out.Log, report.Final{Plan: &plan})
	o.metrics.ObserveDegradation(string(plan.StrategyID))
	o.metrics.ObserveRun("degraded")
	o.logger.Info("analysis degraded",
		"run_id", out.RunID, "strategy", plan.StrategyID, "confidence", plan.Confidence,
		"attempts", len(out.Attempts), "errors", out.Log.Len())
	return Artifact{
		RunID:       out.RunID,
		Result:      d.Result,
		ResultType:  "summary",
		Degraded:    true,
		Plan:        &plan,
		ErrorReport: rep,
		Attempts:    out.Attempts,
		Handoff:     out.Handoff,
		StartedAt:   started,
		FinishedAt:  o.now().UTC(),
	}
}

func reportAttempts(attempts []Attempt) []report.Attempt {
	out := make([]report.Attempt, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, a.forReport())
	}
	return out
}
