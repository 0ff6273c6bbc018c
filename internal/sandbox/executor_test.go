package sandbox

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danshapiro/analyst/internal/dataset"
	"github.com/danshapiro/analyst/internal/failure"
	"github.com/danshapiro/analyst/internal/script"
)

const helperEnv = "ANALYST_SANDBOX_TEST_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		if err := ServeWorker(context.Background(), os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

const salesCSV = `Date,Product,Region,Revenue,Units
2024-01-05,Widget,North,100,2
2024-01-06,Gadget,South,250,5
2024-02-01,Widget,North,150,3
2024-02-03,Gizmo,South,50,1
`

func salesContext(t *testing.T) ExecContext {
	t.Helper()
	tbl, err := dataset.LoadCSV("sales", strings.NewReader(salesCSV))
	require.NoError(t, err)
	return ExecContext{Catalog: dataset.NewCatalog(tbl)}
}

type workerFunc func(ctx context.Context, job Job) ([]byte, error)

func (f workerFunc) Run(ctx context.Context, job Job) ([]byte, error) { return f(ctx, job) }

func TestExecute_Success(t *testing.T) {
	e := New(nil, nil)
	out := e.Execute(context.Background(), `result = load("sales")["Revenue"].sum()`, salesContext(t), Limits{})
	require.True(t, out.OK(), "%+v", out.Failure)
	assert.Equal(t, 550.0, out.Result.Value)
	assert.Equal(t, "number", out.Result.Type)
	assert.Positive(t, out.Usage.Steps)
	assert.Positive(t, out.Usage.WallTime)
}

func TestExecute_ReconcilesBeforeRunning(t *testing.T) {
	e := New(nil, nil)
	out := e.Execute(context.Background(), `result = load("sales").group_by("Product_nov").sum("Revenue")`, salesContext(t), Limits{})
	require.True(t, out.OK(), "%+v", out.Failure)
	require.Len(t, out.Mappings, 1)
	assert.Equal(t, "Product_nov", out.Mappings[0].Requested)
	assert.Equal(t, "Product", out.Mappings[0].Resolved)
	assert.Equal(t, "sales", out.Mappings[0].Dataset)

	frame := out.Result.Value.(map[string]any)
	assert.Equal(t, []any{"Product", "Revenue"}, frame["columns"])
}

func TestExecute_BaselineRewritesAlwaysApply(t *testing.T) {
	e := New(nil, nil)
	out := e.Execute(context.Background(), `result = [number("12"), number("n/a")]`, salesContext(t), Limits{})
	require.True(t, out.OK(), "%+v", out.Failure)
	assert.Equal(t, []any{12.0, nil}, out.Result.Value)
	require.Len(t, out.Rewrites, 2)
	assert.Equal(t, script.RuleSafeCast, out.Rewrites[0].Rule)
}

func TestExecute_ValidationFailures(t *testing.T) {
	cases := []struct {
		name string
		code string
		fix  failure.FixTag
	}{
		{"capability", "f = open\nresult = f(\"secrets.txt\")", failure.FixSandboxPolicy},
		{"import", "import os\nresult = 1", failure.FixSandboxPolicy},
		{"syntax", "result = (1 +", failure.FixSyntax},
	}
	e := New(nil, nil)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := e.Execute(context.Background(), tc.code, salesContext(t), Limits{})
			require.NotNil(t, out.Failure)
			assert.Nil(t, out.Result)
			assert.Equal(t, failure.KindCode, out.Failure.Kind)
			assert.Equal(t, tc.fix, out.Failure.FixTag)
			assert.Equal(t, failure.StageValidation, out.Failure.Stage)
			assert.True(t, out.Failure.Retryable)
		})
	}
}

func TestExecute_ScalarGuardTierFollowsHistory(t *testing.T) {
	code := "total = load(\"sales\")[\"Revenue\"].sum()\ni = 0\nresult = total[i]"
	e := New(nil, nil)

	first := e.Execute(context.Background(), code, salesContext(t), Limits{})
	require.NotNil(t, first.Failure)
	assert.Equal(t, failure.KindCode, first.Failure.Kind)
	assert.Equal(t, failure.FixScalarSafety, first.Failure.FixTag)
	assert.Equal(t, failure.StageExecution, first.Failure.Stage)

	ec := salesContext(t)
	ec.FixTags = []failure.FixTag{first.Failure.FixTag}
	second := e.Execute(context.Background(), code, ec, Limits{})
	require.True(t, second.OK(), "%+v", second.Failure)
	assert.Equal(t, 550.0, second.Result.Value)
}

func TestExecute_ClassifiesScriptErrors(t *testing.T) {
	cases := []struct {
		code string
		kind failure.Kind
		fix  failure.FixTag
	}{
		{`result = load("sales")["zzqq"]`, failure.KindData, failure.FixSchemaMapping},
		{`x = 1`, failure.KindCode, failure.FixResultContract},
		{`result = 1 / 0`, failure.KindData, failure.FixNone},
	}
	e := New(nil, nil)
	for _, tc := range cases {
		out := e.Execute(context.Background(), tc.code, salesContext(t), Limits{})
		require.NotNil(t, out.Failure, tc.code)
		assert.Equal(t, tc.kind, out.Failure.Kind, tc.code)
		assert.Equal(t, tc.fix, out.Failure.FixTag, tc.code)
	}
}

func TestExecute_ResourceCeilings(t *testing.T) {
	e := New(nil, nil)

	out := e.Execute(context.Background(), "i = 0\nwhile true { i = i + 1 }", salesContext(t), Limits{MaxSteps: 5000})
	require.NotNil(t, out.Failure)
	assert.Equal(t, failure.KindResource, out.Failure.Kind)
	assert.False(t, out.Failure.Retryable)
	assert.Greater(t, out.Usage.Steps, int64(5000))

	out = e.Execute(context.Background(), `result = range(100000)`, salesContext(t), Limits{MemoryBytes: 64 * 1000})
	require.NotNil(t, out.Failure)
	assert.Equal(t, failure.KindResource, out.Failure.Kind)

	out = e.Execute(context.Background(), "s = \"x\"\nfor i in range(36) { s = s + s }\nresult = len(s)", salesContext(t), Limits{MemoryBytes: 1 << 20})
	require.NotNil(t, out.Failure)
	assert.Equal(t, failure.KindResource, out.Failure.Kind)
	assert.LessOrEqual(t, out.Usage.Cells, int64(16384)+(1<<20)/64+1)

	out = e.Execute(context.Background(), `result = load("sales")`, salesContext(t), Limits{MaxOutputBytes: 16})
	require.NotNil(t, out.Failure)
	assert.Equal(t, failure.KindResource, out.Failure.Kind)
	assert.Contains(t, out.Failure.Message, "output size")
}

func TestExecute_TimeoutInProcess(t *testing.T) {
	e := New(nil, nil)
	limits := Limits{Timeout: 100 * time.Millisecond, Grace: 500 * time.Millisecond}
	out := e.Execute(context.Background(), "sleep(100)\nresult = 1", salesContext(t), limits)
	require.NotNil(t, out.Failure)
	assert.Equal(t, failure.KindTimeout, out.Failure.Kind)
	assert.Equal(t, failure.FixSimplify, out.Failure.FixTag)
	assert.LessOrEqual(t, out.Usage.WallTime, limits.Timeout+limits.Grace)
}

func TestRun_AbandonsUnresponsiveWorker(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	stuck := workerFunc(func(context.Context, Job) ([]byte, error) {
		<-release
		return nil, nil
	})
	e := New(stuck, nil)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 8
	properties := gopter.NewProperties(parameters)
	properties.Property("returns within timeout plus grace", prop.ForAll(
		func(timeoutMS, graceMS int) bool {
			limits := Limits{
				Timeout: time.Duration(timeoutMS) * time.Millisecond,
				Grace:   time.Duration(graceMS) * time.Millisecond,
			}
			start := time.Now()
			out := e.Execute(context.Background(), "result = 1", salesContext(t), limits)
			elapsed := time.Since(start)
			return out.Failure != nil &&
				out.Failure.Kind == failure.KindTimeout &&
				elapsed <= limits.Timeout+limits.Grace+250*time.Millisecond
		},
		gen.IntRange(5, 60),
		gen.IntRange(5, 60),
	))
	properties.TestingRun(t)
}

func TestRun_RejectsMalformedReplies(t *testing.T) {
	for _, raw := range []string{
		`{"ok": true}`,
		`{"ok": true, "steps": 1, "cells": 0}`,
		`{"ok": false, "steps": 1, "cells": 0}`,
		`{"ok": false, "steps": -1, "cells": 0, "error": {"type": "KeyError", "message": "x"}}`,
		`{"ok": false, "steps": 1, "cells": 0, "panic": "x", "extra": 1}`,
		`not json`,
	} {
		w := workerFunc(func(context.Context, Job) ([]byte, error) { return []byte(raw), nil })
		out := New(w, nil).Execute(context.Background(), "result = 1", salesContext(t), Limits{})
		require.NotNil(t, out.Failure, raw)
		assert.Equal(t, failure.KindUnknown, out.Failure.Kind, raw)
		assert.False(t, out.Failure.Retryable, raw)
	}
}

func TestRun_WorkerPanicIsUnknown(t *testing.T) {
	w := workerFunc(func(context.Context, Job) ([]byte, error) {
		return []byte(`{"ok": false, "panic": "index out of range", "steps": 3, "cells": 0}`), nil
	})
	out := New(w, nil).Execute(context.Background(), "result = 1", salesContext(t), Limits{})
	require.NotNil(t, out.Failure)
	assert.Equal(t, failure.KindUnknown, out.Failure.Kind)
	assert.Contains(t, out.Failure.Cause, "index out of range")
	assert.Equal(t, int64(3), out.Usage.Steps)
}

func TestRunJob_RecoversPanics(t *testing.T) {
	// A nil table in the catalog makes load() dereference nil.
	reply := RunJob(context.Background(), Job{Source: `result = load("broken")`, Catalog: dataset.Catalog{"broken": nil}})
	assert.False(t, reply.OK)
	assert.NotEmpty(t, reply.Panic)
}

func TestRun_ExternalCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := New(nil, nil).Execute(ctx, "sleep(5)\nresult = 1", salesContext(t), Limits{})
	require.NotNil(t, out.Failure)
	assert.Equal(t, failure.KindUnknown, out.Failure.Kind)
	assert.False(t, out.Failure.Retryable)
}

func TestRulesFor(t *testing.T) {
	base := []script.RewriteRule{script.RuleSafeCast, script.RuleLiteralScalarGuard}
	assert.Equal(t, base, RulesFor(nil))
	assert.Equal(t, base, RulesFor([]failure.FixTag{failure.FixSchemaMapping, failure.FixBackoff}))
	assert.Equal(t, append(base, script.RuleScalarGuard),
		RulesFor([]failure.FixTag{failure.FixTypeCast, failure.FixScalarSafety, failure.FixScalarSafety}))
}

func TestLimits_Defaults(t *testing.T) {
	l := DefaultLimits()
	assert.Equal(t, 30*time.Second, l.Timeout)
	assert.Equal(t, 2*time.Second, l.Grace)
	assert.Equal(t, int64(512<<20), l.MemoryBytes)
	assert.Equal(t, 1<<20, l.MaxOutputBytes)
	assert.Equal(t, int64(8_000_000), l.cellBudget())

	l.MemoryBytes = 64 * 100
	assert.Equal(t, int64(100), l.cellBudget())
}
