package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danshapiro/analyst/internal/dataset"
	"github.com/danshapiro/analyst/internal/events"
	"github.com/danshapiro/analyst/internal/failure"
	"github.com/danshapiro/analyst/internal/metrics"
	"github.com/danshapiro/analyst/internal/sandbox"
	"github.com/danshapiro/analyst/internal/schema"
	"github.com/danshapiro/analyst/internal/script"
)

const salesCSV = `Date,Product,Region,Revenue,Units
2024-01-05,Widget,North,100,2
2024-01-06,Gadget,South,250,5
2024-02-01,Widget,North,150,3
2024-02-03,Gizmo,South,50,1
`

const scalarIndexCode = "total = load(\"sales\")[\"Revenue\"].sum()\ni = 0\nresult = total[i]"

func salesCatalog(t testing.TB) dataset.Catalog {
	t.Helper()
	tbl, err := dataset.LoadCSV("sales", strings.NewReader(salesCSV))
	require.NoError(t, err)
	return dataset.NewCatalog(tbl)
}

// waits records scheduled backoffs without sleeping.
type waits struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (w *waits) wait(ctx context.Context, d time.Duration) error {
	w.mu.Lock()
	w.delays = append(w.delays, d)
	w.mu.Unlock()
	return ctx.Err()
}

func newTestOrchestrator(gen Generator, cfg Config, opts ...Option) (*Orchestrator, *waits) {
	w := &waits{}
	opts = append([]Option{WithWait(w.wait)}, opts...)
	return NewOrchestrator(gen, sandbox.New(nil, nil), nil, cfg, opts...), w
}

func TestRun_SucceedsFirstTime(t *testing.T) {
	o, w := newTestOrchestrator(nil, Config{})
	out := o.Run(context.Background(), Request{
		Catalog:     salesCatalog(t),
		InitialCode: `result = load("sales")["Revenue"].sum()`,
	})
	require.True(t, out.Success())
	assert.Nil(t, out.Handoff)
	assert.Equal(t, 550.0, out.Result.Value)
	require.Len(t, out.Attempts, 1)
	assert.Equal(t, failure.StageExecution, out.Attempts[0].Stage)
	assert.Equal(t, CodeHash(`result = load("sales")["Revenue"].sum()`), out.Attempts[0].CodeHash)
	assert.Zero(t, out.Log.Len())
	assert.Empty(t, w.delays)
	assert.NotEmpty(t, out.RunID)
}

func TestRun_ScalarMisuseRecoversWithGuard(t *testing.T) {
	gen := &ScriptedGenerator{Candidates: []string{scalarIndexCode}}
	o, w := newTestOrchestrator(gen, Config{})
	out := o.Run(context.Background(), Request{Catalog: salesCatalog(t), InitialCode: scalarIndexCode})

	require.True(t, out.Success(), "%+v", out.Handoff)
	assert.Equal(t, 550.0, out.Result.Value)
	require.Len(t, out.Attempts, 2)

	first := out.Attempts[0].Failure
	require.NotNil(t, first)
	assert.Equal(t, failure.KindCode, first.Kind)
	assert.Equal(t, failure.SeverityMedium, first.Severity)
	assert.Equal(t, failure.FixScalarSafety, first.FixTag)
	assert.True(t, first.Retryable)

	var rules []script.RewriteRule
	for _, r := range out.Attempts[1].Rewrites {
		rules = append(rules, r.Rule)
	}
	assert.Contains(t, rules, script.RuleScalarGuard)
	require.Len(t, w.delays, 1)

	reqs := gen.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, 2, reqs[0].Attempt)
	require.Len(t, reqs[0].ErrorContext, 1)
	assert.Equal(t, failure.FixScalarSafety, reqs[0].ErrorContext[0].FixTag)
	assert.Contains(t, reqs[0].Schemas, "sales")
}

func TestRun_ScalarMisuseDegradesWhenRetryFails(t *testing.T) {
	gen := &ScriptedGenerator{Candidates: []string{"result = grand_total"}}
	o, _ := newTestOrchestrator(gen, Config{})
	an := NewAnalyzer(o, nil)
	art := an.Analyze(context.Background(), Request{Catalog: salesCatalog(t), InitialCode: scalarIndexCode})

	assert.False(t, art.Success)
	assert.True(t, art.Degraded)
	require.Len(t, art.Attempts, 2)
	require.NotNil(t, art.Handoff)
	assert.Contains(t, art.Handoff.Reason, "execution stage ceiling")
	require.NotNil(t, art.Plan)
	assert.Equal(t, "generic", string(art.Plan.StrategyID))
	assert.GreaterOrEqual(t, art.Plan.Confidence, 0.3)
	assert.LessOrEqual(t, art.Plan.Confidence, 0.5)
	assert.Equal(t, art.Plan.Confidence, art.ErrorReport.FinalConfidence)
}

func TestRun_TimeoutsHitExecutionCeiling(t *testing.T) {
	code := "sleep(100)\nresult = 1"
	gen := &ScriptedGenerator{Candidates: []string{code}, Repeat: true}
	limits := sandbox.Limits{Timeout: 50 * time.Millisecond, Grace: 200 * time.Millisecond}
	o, _ := newTestOrchestrator(gen, Config{Limits: limits})

	start := time.Now()
	out := o.Run(context.Background(), Request{Catalog: salesCatalog(t), InitialCode: code})
	elapsed := time.Since(start)

	require.False(t, out.Success())
	require.Len(t, out.Attempts, 2)
	for _, a := range out.Attempts {
		require.NotNil(t, a.Failure)
		assert.Equal(t, failure.KindTimeout, a.Failure.Kind)
		assert.LessOrEqual(t, a.Usage.WallTime, limits.Timeout+limits.Grace)
	}
	assert.Less(t, elapsed, 2*(limits.Timeout+limits.Grace)+time.Second)
	require.NotNil(t, out.Handoff.Last)
	assert.Equal(t, failure.KindTimeout, out.Handoff.Last.Kind)
}

func TestRun_RateLimitedProviderExhaustsNetworkBudget(t *testing.T) {
	var calls int
	gen := GeneratorFunc(func(ctx context.Context, req GenerateRequest) (Candidate, error) {
		calls++
		return Candidate{}, ErrorFromStatus("openai", 429, "rate limit exceeded", nil)
	})
	o, w := newTestOrchestrator(gen, Config{})
	an := NewAnalyzer(o, nil)
	art := an.Analyze(context.Background(), Request{Catalog: salesCatalog(t), Intent: "revenue"})

	assert.Equal(t, 4, calls)
	require.Len(t, art.Attempts, 4)
	assert.Len(t, w.delays, 3)
	assert.True(t, art.Degraded)
	assert.Contains(t, art.Handoff.Reason, "NetworkError retry budget exhausted")
	require.NotNil(t, art.ErrorReport.Dominant)
	assert.Equal(t, failure.KindNetwork, art.ErrorReport.Dominant.Kind)
	assert.Equal(t, failure.SeverityHigh, art.ErrorReport.Dominant.Severity)
	assert.Equal(t, 4, art.ErrorReport.Dominant.Count)
	assert.Equal(t, "revenue", string(art.Plan.StrategyID))
}

func TestRun_RetryAfterRaisesDelay(t *testing.T) {
	retryAfter := 3 * time.Second
	var calls int
	gen := GeneratorFunc(func(ctx context.Context, req GenerateRequest) (Candidate, error) {
		calls++
		if calls == 1 {
			return Candidate{}, ErrorFromStatus("openai", 503, "service unavailable", &retryAfter)
		}
		return Candidate{Code: "result = 1"}, nil
	})
	o, w := newTestOrchestrator(gen, Config{})
	out := o.Run(context.Background(), Request{Catalog: salesCatalog(t)})
	require.True(t, out.Success())
	require.Len(t, w.delays, 1)
	assert.GreaterOrEqual(t, w.delays[0], retryAfter)
	assert.Equal(t, w.delays[0], out.Attempts[0].RetryDelay)
}

func TestRun_NonRetryableDegradesImmediately(t *testing.T) {
	gen := GeneratorFunc(func(ctx context.Context, req GenerateRequest) (Candidate, error) {
		return Candidate{}, ErrorFromStatus("openai", 401, "invalid api key", nil)
	})
	o, w := newTestOrchestrator(gen, Config{})
	out := o.Run(context.Background(), Request{Catalog: salesCatalog(t)})
	require.False(t, out.Success())
	require.Len(t, out.Attempts, 1)
	assert.Empty(t, w.delays)
	assert.Equal(t, failure.SeverityCritical, out.Handoff.Last.Severity)
	assert.Contains(t, out.Handoff.Reason, "not retryable")
}

func TestRun_ResourceFailureIsNotRetried(t *testing.T) {
	o, _ := newTestOrchestrator(&ScriptedGenerator{Candidates: []string{"result = 1"}}, Config{
		Limits: sandbox.Limits{MaxSteps: 1000},
	})
	out := o.Run(context.Background(), Request{Catalog: salesCatalog(t), InitialCode: "i = 0\nwhile true { i = i + 1 }"})
	require.False(t, out.Success())
	require.Len(t, out.Attempts, 1)
	assert.Equal(t, failure.KindResource, out.Handoff.Last.Kind)
}

func TestRun_ValidationFailuresCountAsGeneration(t *testing.T) {
	gen := &ScriptedGenerator{Candidates: []string{"result = (1 +"}, Repeat: true}
	o, _ := newTestOrchestrator(gen, Config{Ceilings: Ceilings{Generation: 2, Execution: 2}})
	out := o.Run(context.Background(), Request{Catalog: salesCatalog(t)})
	require.False(t, out.Success())
	require.Len(t, out.Attempts, 2)
	for _, a := range out.Attempts {
		assert.Equal(t, failure.StageValidation, a.Stage)
		assert.Empty(t, a.Usage.WallTime)
	}
	assert.Contains(t, out.Handoff.Reason, "generation stage ceiling of 2")
}

func TestRun_GeneratorExhaustionDegrades(t *testing.T) {
	o, _ := newTestOrchestrator(&ScriptedGenerator{}, Config{})
	out := o.Run(context.Background(), Request{Catalog: salesCatalog(t), InitialCode: `result = load("sales")["nope"]`})
	require.False(t, out.Success())
	assert.LessOrEqual(t, len(out.Attempts), DefaultCeilings().Global())
	assert.Equal(t, failure.KindUnknown, out.Handoff.Last.Kind)
}

func TestRun_CanceledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o, _ := newTestOrchestrator(nil, Config{})
	out := o.Run(ctx, Request{Catalog: salesCatalog(t), InitialCode: "result = 1"})
	require.False(t, out.Success())
	assert.Empty(t, out.Attempts)
	assert.Equal(t, "run canceled", out.Handoff.Reason)
	require.Equal(t, 1, out.Log.Len())
	assert.Equal(t, failure.KindUnknown, out.Log.Records()[0].Kind)
}

func TestRun_CanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wait := func(ctx context.Context, d time.Duration) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}
	o := NewOrchestrator(&ScriptedGenerator{Candidates: []string{"result = 1"}}, nil, nil, Config{}, WithWait(wait))
	out := o.Run(ctx, Request{Catalog: salesCatalog(t), InitialCode: "result = 1 / 0"})
	require.False(t, out.Success())
	require.Len(t, out.Attempts, 1)
	assert.Equal(t, "run canceled during backoff", out.Handoff.Reason)
	assert.Equal(t, 2, out.Log.Len())
}

func TestRun_RealWaitHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	policy, err := NewRetryPolicy(map[failure.Kind]KindPolicy{
		failure.KindData: {MaxAttempts: 3, BaseDelay: time.Minute, MaxDelay: time.Minute, Retryable: true},
	})
	require.NoError(t, err)
	o := NewOrchestrator(&ScriptedGenerator{Candidates: []string{"result = 1"}}, nil, nil, Config{Policy: policy})

	start := time.Now()
	out := o.Run(ctx, Request{Catalog: salesCatalog(t), InitialCode: "result = 1 / 0"})
	assert.Less(t, time.Since(start), 5*time.Second)
	require.False(t, out.Success())
	assert.Equal(t, time.Minute, out.Attempts[0].RetryDelay)
}

func TestRun_EmitsOneEventPerTransition(t *testing.T) {
	var mu sync.Mutex
	var got []events.Event
	sink := events.SinkFunc(func(ev events.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	gen := &ScriptedGenerator{Candidates: []string{scalarIndexCode}}
	o, _ := newTestOrchestrator(gen, Config{}, WithEvents(sink))
	out := o.Run(context.Background(), Request{RunID: "run-1", Catalog: salesCatalog(t), InitialCode: scalarIndexCode})
	require.True(t, out.Success())

	var stages []string
	for i, ev := range got {
		stages = append(stages, ev.Stage)
		assert.Equal(t, "run-1", ev.RunID)
		assert.Equal(t, i+1, ev.Seq)
		assert.Equal(t, DefaultCeilings().Global(), ev.MaxAttempts)
	}
	assert.Equal(t, []string{
		"generating", "validating", "executing", "retrying",
		"generating", "validating", "executing", "done",
	}, stages)
	assert.False(t, got[0].IsRetry)
	assert.True(t, got[3].IsRetry)
	assert.True(t, got[4].IsRetry)
	assert.Equal(t, 2, got[7].AttemptIndex)
	for i := 1; i < len(got); i++ {
		assert.True(t, CanTransition(State(got[i-1].Stage), State(got[i].Stage)), "%s -> %s", got[i-1].Stage, got[i].Stage)
	}
}

func TestRun_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	gen := &ScriptedGenerator{Candidates: []string{scalarIndexCode}}
	o, _ := newTestOrchestrator(gen, Config{}, WithMetrics(m))
	an := NewAnalyzer(o, nil)
	art := an.Analyze(context.Background(), Request{Catalog: salesCatalog(t), InitialCode: scalarIndexCode})
	require.True(t, art.Success)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AttemptsTotal.WithLabelValues("execution", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AttemptsTotal.WithLabelValues("execution", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FailuresTotal.WithLabelValues("CodeError")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetriesTotal.WithLabelValues("CodeError")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("success")))
}

func TestRun_ConcurrentRunsAreIsolated(t *testing.T) {
	o, _ := newTestOrchestrator(&ScriptedGenerator{Candidates: []string{"result = 2"}, Repeat: true}, Config{})
	catalog := salesCatalog(t)
	var wg sync.WaitGroup
	outs := make([]RunOutcome, 8)
	for i := range outs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			code := "result = 1"
			if i%2 == 0 {
				code = "result = 1 / 0"
			}
			outs[i] = o.Run(context.Background(), Request{Catalog: catalog, InitialCode: code})
		}(i)
	}
	wg.Wait()
	for i, out := range outs {
		require.True(t, out.Success(), "run %d", i)
		if i%2 == 0 {
			assert.Len(t, out.Attempts, 2, "run %d", i)
			assert.Equal(t, 1, out.Log.Len(), "run %d", i)
		} else {
			assert.Len(t, out.Attempts, 1, "run %d", i)
			assert.Zero(t, out.Log.Len(), "run %d", i)
		}
	}
}

var candidatePool = []string{
	"result = (1 +",
	`result = load("sales")["zzqq"]`,
	"result = 1 / 0",
	"x = 1",
	"result = grand_total",
	"total = 5\ni = 0\nresult = total[i]",
	"result = 1",
}

func TestRun_NeverExceedsAttemptCeiling(t *testing.T) {
	catalog := salesCatalog(t)
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 60
	properties := gopter.NewProperties(parameters)

	properties.Property("attempts stay within the global ceiling with one terminal outcome", prop.ForAll(
		func(picks []int, genCeil, execCeil int) bool {
			codes := make([]string, 0, len(picks))
			for _, p := range picks {
				codes = append(codes, candidatePool[p])
			}
			gen := &ScriptedGenerator{Candidates: codes}
			o, _ := newTestOrchestrator(gen, Config{Ceilings: Ceilings{Generation: genCeil, Execution: execCeil}})
			out := o.Run(context.Background(), Request{Catalog: catalog})

			if len(out.Attempts) < 1 || len(out.Attempts) > genCeil+execCeil {
				return false
			}
			if (out.Result == nil) == (out.Handoff == nil) {
				return false
			}
			failed := 0
			for i, a := range out.Attempts {
				if a.Index != i+1 {
					return false
				}
				if !a.OK() {
					failed++
				}
			}
			return failed == out.Log.Len()
		},
		gen.SliceOf(gen.IntRange(0, len(candidatePool)-1)),
		gen.IntRange(1, 4),
		gen.IntRange(1, 3),
	))
	properties.TestingRun(t)
}

func TestLatestMappings_LatestWins(t *testing.T) {
	attempts := []Attempt{
		{Mappings: []schema.Mapping{
			{Requested: "Product_nov", Resolved: "", Dataset: "sales"},
			{Requested: "Amount", Resolved: "Revenue", Dataset: "sales"},
		}},
		{Mappings: []schema.Mapping{
			{Requested: "Product_nov", Resolved: "Product", Dataset: "sales"},
			{Requested: "Product_nov", Resolved: "Item", Dataset: "orders"},
		}},
	}
	got := latestMappings(attempts)
	require.Len(t, got, 3)
	assert.Equal(t, "Product", got[0].Resolved)
	assert.Equal(t, "Revenue", got[1].Resolved)
	assert.Equal(t, "orders", got[2].Dataset)
}
