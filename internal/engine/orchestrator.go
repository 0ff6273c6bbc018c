// Package engine drives candidate analysis code through generation,
// validation and sandboxed execution, retrying within bounded ceilings and
// handing off to degradation when recovery is not possible.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/danshapiro/analyst/internal/dataset"
	"github.com/danshapiro/analyst/internal/events"
	"github.com/danshapiro/analyst/internal/failure"
	"github.com/danshapiro/analyst/internal/metrics"
	"github.com/danshapiro/analyst/internal/sandbox"
	"github.com/danshapiro/analyst/internal/schema"
)

const tracerName = "github.com/danshapiro/analyst/internal/engine"

// Request is one analysis request.
type Request struct {
	RunID  string
	Query  string
	Intent string
	// Catalog is read-only for the duration of the run.
	Catalog dataset.Catalog
	// InitialCode, when set, is the first candidate; the generator is only
	// asked for retries.
	InitialCode string
}

// Handoff explains why a run stopped without a result.
type Handoff struct {
	Reason string          `json:"reason"`
	Last   *failure.Record `json:"last,omitempty"`
}

// RunOutcome is exactly one of a successful Result or a Handoff.
type RunOutcome struct {
	RunID    string
	Result   *sandbox.Result
	Handoff  *Handoff
	Attempts []Attempt
	Log      *failure.Log
	// Mappings are the column mappings of the run, latest per requested
	// name.
	Mappings []schema.Mapping
}

func (o RunOutcome) Success() bool { return o.Result != nil && o.Handoff == nil }

// Config is the per-orchestrator configuration shared by all its runs.
type Config struct {
	Policy   RetryPolicy
	Ceilings Ceilings
	// ErrorContext is how many recent failures the generator sees.
	ErrorContext int
	Limits       sandbox.Limits
}

// Orchestrator runs the state machine. It holds no per-run state, so one
// Orchestrator may serve concurrent requests.
type Orchestrator struct {
	gen        Generator
	exec       *sandbox.Executor
	reconciler *schema.Reconciler
	cfg        Config

	sink    events.Sink
	metrics *metrics.Metrics
	logger  *slog.Logger
	base    *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
	wait    func(ctx context.Context, d time.Duration) error
}

type Option func(*Orchestrator)

// WithEvents sets the progress sink. Sinks must not block; wrap slow ones
// in events.Async.
func WithEvents(s events.Sink) Option { return func(o *Orchestrator) { o.sink = s } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

func WithTracer(t trace.Tracer) Option { return func(o *Orchestrator) { o.tracer = t } }

// WithWait replaces the backoff wait, for tests.
func WithWait(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.wait = fn }
}

func NewOrchestrator(gen Generator, exec *sandbox.Executor, r *schema.Reconciler, cfg Config, opts ...Option) *Orchestrator {
	if exec == nil {
		exec = sandbox.New(nil, nil)
	}
	if r == nil {
		r = schema.Default
	}
	cfg.Ceilings = cfg.Ceilings.withDefaults()
	if cfg.ErrorContext <= 0 {
		cfg.ErrorContext = DefaultErrorContext
	}
	o := &Orchestrator{
		gen:        gen,
		exec:       exec,
		reconciler: r,
		cfg:        cfg,
		sink:       events.Discard,
		logger:     slog.Default(),
		tracer:     otel.Tracer(tracerName),
		now:        time.Now,
		wait:       sleepCtx,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.base = o.logger
	o.logger = o.logger.With("component", "engine")
	return o
}

func (o *Orchestrator) Config() Config { return o.cfg }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// run is the state of one request. It is owned by a single goroutine.
type run struct {
	o          *Orchestrator
	req        Request
	log        *failure.Log
	attempts   []Attempt
	stageFails map[failure.Stage]int
	kindFails  map[failure.Kind]int
	state      State
	seq        int
	lastErr    error
}

// Run executes the state machine for req until it produces a result or
// hands off to degradation. It never panics on candidate behavior and
// always returns within the attempt ceiling.
func (o *Orchestrator) Run(ctx context.Context, req Request) RunOutcome {
	if req.RunID == "" {
		req.RunID = NewRunID()
	}
	ctx, span := o.tracer.Start(ctx, "analyst.run", trace.WithAttributes(
		attribute.String("analyst.run_id", req.RunID),
		attribute.String("analyst.intent", req.Intent),
	))
	defer span.End()

	r := &run{
		o:          o,
		req:        req,
		log:        failure.NewLog().WithClock(o.now),
		stageFails: map[failure.Stage]int{},
		kindFails:  map[failure.Kind]int{},
	}
	out := r.loop(ctx)
	span.SetAttributes(
		attribute.Int("analyst.attempts", len(out.Attempts)),
		attribute.Bool("analyst.success", out.Success()),
	)
	if !out.Success() {
		span.SetStatus(codes.Error, out.Handoff.Reason)
	}
	return out
}

func (r *run) loop(ctx context.Context) RunOutcome {
	cfg := r.o.cfg
	global := cfg.Ceilings.Global()
	for {
		if err := ctx.Err(); err != nil {
			rec := r.log.Append(failure.Classify(failure.FromError(err), failure.StageGeneration))
			return r.handoff("run canceled", &rec)
		}

		idx := len(r.attempts) + 1
		actx, span := r.o.tracer.Start(ctx, "analyst.attempt", trace.WithAttributes(attribute.Int("analyst.attempt", idx)))
		a, result := r.attempt(actx, idx)
		if a.OK() {
			span.SetAttributes(attribute.String("analyst.stage", string(a.Stage)))
			span.End()
			r.attempts = append(r.attempts, a)
			r.o.metrics.ObserveAttempt(string(a.Stage), "success")
			r.transition(StateDone, idx, "analysis complete", false)
			return r.outcome(result, nil)
		}

		rec := *a.Failure
		span.SetAttributes(
			attribute.String("analyst.stage", string(a.Stage)),
			attribute.String("analyst.failure.kind", rec.Kind.String()),
			attribute.String("analyst.failure.fix_tag", string(rec.FixTag)),
		)
		span.SetStatus(codes.Error, rec.Message)
		span.End()
		r.o.metrics.ObserveAttempt(string(a.Stage), "failure")
		r.o.metrics.ObserveFailure(rec.Kind.String())

		stage := ceilingStage(a.Stage)
		r.kindFails[rec.Kind]++
		if rec.Kind != failure.KindNetwork {
			r.stageFails[stage]++
		}
		if reason, stop := r.mustDegrade(ctx, rec, stage, idx, global); stop {
			r.attempts = append(r.attempts, a)
			return r.handoff(reason, a.Failure)
		}

		kp := cfg.Policy.For(rec.Kind)
		n := r.kindFails[rec.Kind]
		delay := DelayFor(n, kp, fmt.Sprintf("%s:%s:%d", r.req.RunID, rec.Kind, n))
		delay = r.honorRetryAfter(delay, kp)
		a.RetryDelay = delay
		r.attempts = append(r.attempts, a)
		r.o.metrics.ObserveRetry(rec.Kind.String(), delay)
		r.transition(StateRetrying, idx, fmt.Sprintf("attempt %d failed (%s); retrying in %s", idx, rec.Kind, delay.Round(time.Millisecond)), true)

		if err := r.o.wait(ctx, delay); err != nil {
			rec := r.log.Append(failure.Classify(failure.FromError(err), failure.StageGeneration))
			return r.handoff("run canceled during backoff", &rec)
		}
	}
}

// attempt runs one cycle. The returned attempt has Failure set unless the
// candidate produced a result.
func (r *run) attempt(ctx context.Context, idx int) (Attempt, *sandbox.Result) {
	o := r.o
	a := Attempt{Index: idx, Stage: failure.StageGeneration, Start: o.now()}
	isRetry := idx > 1
	fail := func(rec failure.Record) (Attempt, *sandbox.Result) {
		stored := r.log.Append(rec)
		a.Failure = &stored
		a.End = o.now()
		o.logger.Info("attempt failed",
			"run_id", r.req.RunID, "attempt", idx, "stage", rec.Stage,
			"kind", rec.Kind, "severity", rec.Severity, "fix_tag", rec.FixTag, "retryable", rec.Retryable)
		return a, nil
	}

	r.transition(StateGenerating, idx, "generating candidate", isRetry)
	code, err := r.generate(ctx, idx)
	if err != nil {
		r.lastErr = err
		return fail(failure.Classify(failure.FromError(err), failure.StageGeneration))
	}
	r.lastErr = nil
	a.CodeHash = CodeHash(code)

	ec := sandbox.ExecContext{Catalog: r.req.Catalog, Reconciler: o.reconciler, FixTags: r.log.FixTags()}
	r.transition(StateValidating, idx, "validating candidate", isRetry)
	p, rec := o.exec.Prepare(code, ec)
	if rec != nil {
		a.Stage = failure.StageValidation
		return fail(*rec)
	}
	a.Rewrites, a.Mappings = p.Rewrites, p.Mappings

	a.Stage = failure.StageExecution
	r.transition(StateExecuting, idx, "executing candidate", isRetry)
	out := o.exec.Run(ctx, p, ec, o.cfg.Limits)
	o.metrics.ObserveSandbox(out.Usage.WallTime)
	a.Usage, a.Rewrites, a.Mappings = out.Usage, out.Rewrites, out.Mappings
	if !out.OK() {
		return fail(*out.Failure)
	}
	a.End = o.now()
	return a, out.Result
}

func (r *run) generate(ctx context.Context, idx int) (string, error) {
	if idx == 1 && r.req.InitialCode != "" {
		return r.req.InitialCode, nil
	}
	if r.o.gen == nil {
		return "", ErrNoCandidate
	}
	c, err := r.o.gen.Generate(ctx, GenerateRequest{
		Query:        r.req.Query,
		Intent:       r.req.Intent,
		Schemas:      r.req.Catalog.Schemas(),
		ErrorContext: r.log.Summaries(r.o.cfg.ErrorContext),
		Attempt:      idx,
	})
	if err != nil {
		return "", err
	}
	return c.Code, nil
}

// mustDegrade applies the stop rules in order: cancellation, a
// non-retryable failure, the kind's attempt budget, the stage ceiling, and
// the global attempt ceiling. Network failures are bounded by their kind
// budget and the global ceiling only.
func (r *run) mustDegrade(ctx context.Context, rec failure.Record, stage failure.Stage, idx, global int) (string, bool) {
	kp := r.o.cfg.Policy.For(rec.Kind)
	switch {
	case ctx.Err() != nil:
		return "run canceled", true
	case !rec.Retryable || !kp.Retryable:
		return fmt.Sprintf("%s is not retryable", rec.Kind), true
	case r.kindFails[rec.Kind] >= kp.MaxAttempts:
		return fmt.Sprintf("%s retry budget exhausted after %d attempt(s)", rec.Kind, r.kindFails[rec.Kind]), true
	case rec.Kind != failure.KindNetwork && r.stageFails[stage] >= r.o.cfg.Ceilings.forStage(stage):
		return fmt.Sprintf("%s stage ceiling of %d reached", stage, r.o.cfg.Ceilings.forStage(stage)), true
	case idx >= global:
		return fmt.Sprintf("attempt ceiling of %d reached", global), true
	}
	return "", false
}

// ceilingStage maps an attempt stage to the ceiling it counts against.
// Validation failures count as generation failures.
func ceilingStage(s failure.Stage) failure.Stage {
	if s == failure.StageExecution {
		return failure.StageExecution
	}
	return failure.StageGeneration
}

// honorRetryAfter raises delay to a provider's Retry-After hint, within the
// kind's MaxDelay.
func (r *run) honorRetryAfter(delay time.Duration, kp KindPolicy) time.Duration {
	var ra interface{ RetryAfter() *time.Duration }
	if r.lastErr == nil || !errors.As(r.lastErr, &ra) || ra.RetryAfter() == nil {
		return delay
	}
	hint := *ra.RetryAfter()
	if kp.MaxDelay > 0 && hint > kp.MaxDelay {
		hint = kp.MaxDelay
	}
	return max(delay, hint)
}

func (r *run) transition(to State, idx int, msg string, isRetry bool) {
	if r.state != "" && !CanTransition(r.state, to) {
		r.o.logger.Error("illegal state transition", "run_id", r.req.RunID, "from", r.state, "to", to)
	}
	r.state = to
	r.seq++
	r.o.logger.Debug("transition", "run_id", r.req.RunID, "state", to, "attempt", idx, "message", msg)
	r.o.sink.Send(events.Event{
		RunID:         r.req.RunID,
		Seq:           r.seq,
		Time:          r.o.now().UTC(),
		Stage:         string(to),
		AttemptIndex:  idx,
		MaxAttempts:   r.o.cfg.Ceilings.Global(),
		StatusMessage: msg,
		IsRetry:       isRetry,
	})
}

func (r *run) handoff(reason string, last *failure.Record) RunOutcome {
	idx := len(r.attempts)
	r.transition(StateDegrading, idx, "degrading: "+reason, false)
	r.o.logger.Warn("handing off to degradation", "run_id", r.req.RunID, "attempts", idx, "reason", reason)
	return r.outcome(nil, &Handoff{Reason: reason, Last: last})
}

func (r *run) outcome(res *sandbox.Result, h *Handoff) RunOutcome {
	return RunOutcome{
		RunID:    r.req.RunID,
		Result:   res,
		Handoff:  h,
		Attempts: r.attempts,
		Log:      r.log,
		Mappings: latestMappings(r.attempts),
	}
}

func latestMappings(attempts []Attempt) []schema.Mapping {
	idx := map[string]int{}
	var out []schema.Mapping
	for _, a := range attempts {
		for _, m := range a.Mappings {
			key := m.Dataset + "\x00" + m.Requested
			if i, ok := idx[key]; ok {
				out[i] = m
				continue
			}
			idx[key] = len(out)
			out = append(out, m)
		}
	}
	return out
}
