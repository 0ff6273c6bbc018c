// Package sandbox validates, repairs and runs candidate analysis scripts under
// hard time, memory and CPU ceilings.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/danshapiro/analyst/internal/dataset"
	"github.com/danshapiro/analyst/internal/failure"
	"github.com/danshapiro/analyst/internal/schema"
	"github.com/danshapiro/analyst/internal/script"
)

// ExecContext is the per-attempt input that is not the code itself.
type ExecContext struct {
	Catalog    dataset.Catalog
	Reconciler *schema.Reconciler
	// FixTags are the remediation tags of earlier failures in this run; they
	// select the rewrite tier.
	FixTags []failure.FixTag
}

func (ec ExecContext) reconciler() *schema.Reconciler {
	if ec.Reconciler != nil {
		return ec.Reconciler
	}
	return schema.Default
}

// Prepared is a validated, reconciled and rewritten program ready to run.
type Prepared struct {
	Program  *script.Program
	Source   string
	Rewrites []script.Applied
	Mappings []schema.Mapping
}

// Result is a captured, JSON-decoded result.
type Result struct {
	Value   any    `json:"value"`
	Type    string `json:"type"`
	Printed string `json:"printed,omitempty"`
}

// Outcome is exactly one of a Result or a Failure, plus what the attempt
// consumed and changed.
type Outcome struct {
	Result   *Result
	Failure  *failure.Record
	Usage    ResourceUsage
	Rewrites []script.Applied
	Mappings []schema.Mapping
}

func (o Outcome) OK() bool { return o.Failure == nil && o.Result != nil }

// RulesFor selects rewrite rules from the fix tags seen so far. The baseline
// rules always apply.
func RulesFor(tags []failure.FixTag) []script.RewriteRule {
	rules := []script.RewriteRule{script.RuleSafeCast, script.RuleLiteralScalarGuard}
	full := false
	for _, tag := range tags {
		switch tag {
		case failure.FixScalarSafety:
			full = true
		case failure.FixNone, failure.FixSchemaMapping, failure.FixSimplify, failure.FixBackoff,
			failure.FixSyntax, failure.FixSandboxPolicy, failure.FixTypeCast, failure.FixResultContract:
			// No rewrite tier beyond the baseline.
		}
	}
	if full {
		rules = append(rules, script.RuleScalarGuard)
	}
	return rules
}

// Executor runs candidates through a Worker.
type Executor struct {
	worker Worker
	logger *slog.Logger
	now    func() time.Time
}

// New returns an executor. A nil worker runs in process.
func New(w Worker, logger *slog.Logger) *Executor {
	if w == nil {
		w = InProcessWorker{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{worker: w, logger: logger.With("component", "sandbox"), now: time.Now}
}

// Prepare parses and validates code, reconciles its column references and
// applies the rewrite tier selected by ec.FixTags. A nil record means the
// program may run.
func (e *Executor) Prepare(code string, ec ExecContext) (*Prepared, *failure.Record) {
	prog, err := script.Parse(code)
	if err != nil {
		rec := failure.Classify(failure.FromError(err), failure.StageValidation)
		return nil, &rec
	}
	if vs := script.Validate(prog); len(vs) > 0 {
		msg := vs[0].String()
		if len(vs) > 1 {
			msg = fmt.Sprintf("%s (+%d more)", msg, len(vs)-1)
		}
		rec := failure.Classify(failure.Raw{Message: msg}, failure.StageValidation)
		return nil, &rec
	}
	p := &Prepared{Program: prog}
	p.Mappings = script.ReconcileColumns(prog, ec.Catalog.Schemas(), ec.reconciler())
	p.Rewrites = script.Rewrite(prog, RulesFor(ec.FixTags)...)
	p.Source = script.Format(prog)
	for _, r := range p.Rewrites {
		e.logger.Debug("rewrite applied", "rule", r.Rule, "line", r.Line, "before", r.Before, "after", r.After)
	}
	return p, nil
}

type workerResult struct {
	raw []byte
	err error
}

var errUnresponsive = errors.New("sandbox worker did not stop after cancellation")

// Run executes a prepared program. The worker and a supervising timer race;
// Run returns no later than limits.Timeout+limits.Grace whatever the worker
// does.
func (e *Executor) Run(ctx context.Context, p *Prepared, ec ExecContext, limits Limits) Outcome {
	limits = limits.WithDefaults()
	out := Outcome{Rewrites: p.Rewrites, Mappings: p.Mappings}
	job := Job{
		Source:         p.Source,
		Catalog:        ec.Catalog,
		Reconciler:     ec.reconciler().Config(),
		MaxSteps:       limits.MaxSteps,
		MaxCells:       limits.cellBudget(),
		MemoryBytes:    limits.MemoryBytes,
		MaxOutputBytes: limits.MaxOutputBytes,
	}

	start := e.now()
	runCtx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()
	done := make(chan workerResult, 1)
	go func() {
		raw, err := e.worker.Run(runCtx, job)
		done <- workerResult{raw: raw, err: err}
	}()
	hard := time.NewTimer(limits.Timeout + limits.Grace)
	defer hard.Stop()

	var res workerResult
	select {
	case res = <-done:
	case <-hard.C:
		res.err = errUnresponsive
		e.logger.Warn("abandoning unresponsive sandbox worker", "timeout", limits.Timeout, "grace", limits.Grace)
	}
	out.Usage.WallTime = e.now().Sub(start)

	var reply Reply
	if res.err == nil {
		reply, res.err = DecodeReply(res.raw)
	}
	if res.err == nil && reply.OK {
		var v any
		if err := json.Unmarshal(reply.Payload, &v); err != nil {
			res.err = fmt.Errorf("%w: result payload: %v", ErrMalformedReply, err)
		} else {
			out.Result = &Result{Value: v, Type: reply.ResultType, Printed: reply.Printed}
		}
	}
	out.Usage.Steps, out.Usage.Cells = reply.Steps, reply.Cells
	out.Usage.PeakHeapBytes = reply.Cells * bytesPerCell
	out.Mappings = mergeMappings(out.Mappings, reply.Mappings)
	if out.Result != nil {
		return out
	}

	rec := e.failureFor(ctx, runCtx, limits, reply, res.err)
	out.Failure = &rec
	e.logger.Debug("sandbox run failed", "kind", rec.Kind, "fix_tag", rec.FixTag, "wall", out.Usage.WallTime)
	return out
}

func (e *Executor) failureFor(ctx, runCtx context.Context, limits Limits, reply Reply, err error) failure.Record {
	switch {
	case ctx.Err() != nil:
		return failure.Classify(failure.FromError(ctx.Err()), failure.StageExecution)
	case errors.Is(err, errUnresponsive) || errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return failure.Classify(failure.Raw{
			Type:    script.TimeoutError,
			Message: fmt.Sprintf("execution exceeded the %s wall-clock limit", limits.Timeout),
		}, failure.StageExecution)
	case errors.Is(err, ErrMalformedReply):
		return unknownRecord("sandbox returned a malformed result", err.Error())
	case err != nil:
		return failure.Classify(failure.FromError(err), failure.StageExecution)
	case reply.Panic != "":
		return unknownRecord("sandbox worker crashed", "panic: "+reply.Panic)
	case reply.Error != nil:
		return failure.Classify(failure.FromError(reply.Error), failure.StageExecution)
	default:
		return unknownRecord("sandbox produced neither a result nor an error", "")
	}
}

func unknownRecord(msg, cause string) failure.Record {
	return failure.Record{
		Kind:      failure.KindUnknown,
		Severity:  failure.SeverityHigh,
		Message:   msg,
		Cause:     cause,
		Stage:     failure.StageExecution,
		Signature: failure.NormalizeSignature(msg),
	}
}

// Execute prepares and runs code.
func (e *Executor) Execute(ctx context.Context, code string, ec ExecContext, limits Limits) Outcome {
	p, rec := e.Prepare(code, ec)
	if rec != nil {
		return Outcome{Failure: rec}
	}
	return e.Run(ctx, p, ec, limits)
}

func mergeMappings(a, b []schema.Mapping) []schema.Mapping {
	out := append([]schema.Mapping(nil), a...)
	for _, m := range b {
		dup := false
		for _, prev := range out {
			if prev.Requested == m.Requested && (prev.Dataset == m.Dataset || prev.Dataset == "") {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, m)
		}
	}
	return out
}
