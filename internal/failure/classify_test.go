package failure

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_RuleTable(t *testing.T) {
	cases := []struct {
		name      string
		raw       Raw
		stage     Stage
		kind      Kind
		severity  Severity
		retryable bool
		fix       FixTag
	}{
		{"missing column", Raw{Type: "KeyError", Message: "column 'Product_nov' not found"}, StageExecution, KindData, SeverityHigh, true, FixSchemaMapping},
		{"scalar index", Raw{Type: "TypeError", Message: "number value is not subscriptable"}, StageExecution, KindCode, SeverityMedium, true, FixScalarSafety},
		{"wall clock", Raw{Type: "TimeoutError", Message: "execution exceeded wall-clock timeout of 30s"}, StageExecution, KindTimeout, SeverityMedium, true, FixSimplify},
		{"rate limit", Raw{Message: "provider returned 429 Too Many Requests"}, StageGeneration, KindNetwork, SeverityHigh, true, FixBackoff},
		{"generator timeout", Raw{Message: "request timed out"}, StageGeneration, KindNetwork, SeverityHigh, true, FixBackoff},
		{"memory ceiling", Raw{Type: "ResourceError", Message: "memory ceiling exceeded: 2000001 cells"}, StageExecution, KindResource, SeverityCritical, false, FixNone},
		{"syntax", Raw{Type: "SyntaxError", Message: "line 3: unexpected token \")\""}, StageValidation, KindCode, SeverityMedium, true, FixSyntax},
		{"capability", Raw{Message: "capability denied: process spawning via \"exec\""}, StageValidation, KindCode, SeverityHigh, true, FixSandboxPolicy},
		{"conversion", Raw{Type: "ValueError", Message: "could not convert \"abc\" to number"}, StageExecution, KindCode, SeverityMedium, true, FixTypeCast},
		{"missing result", Raw{Type: "NameError", Message: "result is not defined"}, StageExecution, KindCode, SeverityLow, true, FixResultContract},
		{"zero division", Raw{Type: "ZeroDivisionError", Message: "division by zero"}, StageExecution, KindData, SeverityMedium, true, FixNone},
		{"undefined name", Raw{Type: "NameError", Message: "name \"totl\" is not defined"}, StageExecution, KindCode, SeverityMedium, true, FixNone},
		{"nothing matches", Raw{Message: "the flux capacitor is misaligned"}, StageExecution, KindUnknown, SeverityMedium, false, FixNone},
		{"empty", Raw{}, StageExecution, KindUnknown, SeverityMedium, false, FixNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := Classify(tc.raw, tc.stage)
			assert.Equal(t, tc.kind, rec.Kind)
			assert.Equal(t, tc.severity, rec.Severity)
			assert.Equal(t, tc.retryable, rec.Retryable)
			assert.Equal(t, tc.fix, rec.FixTag)
			assert.Equal(t, tc.stage, rec.Stage)
			assert.NotEmpty(t, rec.Message)
		})
	}
}

func TestClassify_MissingIdentifierOutranksScalar(t *testing.T) {
	rec := Classify(Raw{Type: "KeyError", Message: "scalar lookup: column 'x' not found"}, StageExecution)
	require.Equal(t, KindData, rec.Kind)
	require.Equal(t, FixSchemaMapping, rec.FixTag)
}

func TestClassify_ScriptTypeOutranksMessageText(t *testing.T) {
	cases := []struct {
		raw  Raw
		kind Kind
		fix  FixTag
	}{
		{Raw{Type: "ValueError", Message: `could not convert "SKU-429" to number`}, KindCode, FixTypeCast},
		{Raw{Type: "ValueError", Message: `could not convert "timeout" to number`}, KindCode, FixTypeCast},
		{Raw{Type: "IndexError", Message: "index 429 out of range for length 3"}, KindCode, FixScalarSafety},
		{Raw{Type: "IndexError", Message: "index 5 out of range for length 2"}, KindCode, FixScalarSafety},
		{Raw{Type: "KeyError", Message: `key "connection refused" not found`}, KindData, FixSchemaMapping},
		{Raw{Type: "TypeError", Message: "unsupported operand types for +: string and number"}, KindCode, FixTypeCast},
	}
	for _, tc := range cases {
		rec := Classify(tc.raw, StageExecution)
		assert.Equal(t, tc.kind, rec.Kind, tc.raw.Message)
		assert.Equal(t, tc.fix, rec.FixTag, tc.raw.Message)
		assert.True(t, rec.Retryable, tc.raw.Message)
	}
}

func TestClassify_StatusCodesMatchWholeNumbers(t *testing.T) {
	assert.Equal(t, KindNetwork, Classify(Raw{Message: "HTTP 429: slow down"}, StageGeneration).Kind)
	assert.Equal(t, KindNetwork, Classify(Raw{Message: "status=429"}, StageGeneration).Kind)
	assert.Equal(t, KindUnknown, Classify(Raw{Message: "order SKU-429 rejected"}, StageGeneration).Kind)
	assert.Equal(t, KindUnknown, Classify(Raw{Message: "batch 14290 rejected"}, StageGeneration).Kind)
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	s := strings.Repeat("é", messageLimit)
	got := summarizeMessage(s)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), messageLimit)
	assert.Len(t, []rune(got), messageLimit/2)

	sum := Record{Message: strings.Repeat("日", 100)}.Summary()
	assert.True(t, utf8.ValidString(sum.Message))
	assert.LessOrEqual(t, len(sum.Message), summaryMessageLimit)
}

type fakeProviderErr struct {
	status    int
	retryable bool
}

func (e fakeProviderErr) Error() string   { return fmt.Sprintf("provider status %d", e.status) }
func (e fakeProviderErr) StatusCode() int { return e.status }
func (e fakeProviderErr) Retryable() bool { return e.retryable }

func TestClassify_TypedProviderErrors(t *testing.T) {
	rec := Classify(FromError(fmt.Errorf("generate: %w", fakeProviderErr{status: 429, retryable: true})), StageGeneration)
	assert.Equal(t, KindNetwork, rec.Kind)
	assert.True(t, rec.Retryable)
	assert.Equal(t, FixBackoff, rec.FixTag)

	rec = Classify(FromError(fakeProviderErr{status: 401}), StageGeneration)
	assert.Equal(t, KindNetwork, rec.Kind)
	assert.Equal(t, SeverityCritical, rec.Severity)
	assert.False(t, rec.Retryable)

	rec = Classify(FromError(fakeProviderErr{status: 400}), StageGeneration)
	assert.False(t, rec.Retryable)
	assert.Equal(t, FixNone, rec.FixTag)
}

func TestClassify_ContextErrors(t *testing.T) {
	rec := Classify(FromError(context.DeadlineExceeded), StageExecution)
	assert.Equal(t, KindTimeout, rec.Kind)
	assert.Equal(t, FixSimplify, rec.FixTag)

	rec = Classify(FromError(fmt.Errorf("generate: %w", context.DeadlineExceeded)), StageGeneration)
	assert.Equal(t, KindNetwork, rec.Kind)

	rec = Classify(FromError(context.Canceled), StageExecution)
	assert.Equal(t, KindUnknown, rec.Kind)
	assert.False(t, rec.Retryable)
}

type typedScriptErr struct{ typ, msg string }

func (e typedScriptErr) Error() string     { return e.typ + ": " + e.msg }
func (e typedScriptErr) ErrorType() string { return e.typ }

func TestFromError_LiftsTypeName(t *testing.T) {
	raw := FromError(fmt.Errorf("run: %w", typedScriptErr{typ: "KeyError", msg: "column 'a' not found"}))
	require.Equal(t, "KeyError", raw.Type)
	require.Equal(t, KindData, Classify(raw, StageExecution).Kind)
	require.Equal(t, Raw{}, FromError(nil))
}

type panickyErr struct{}

func (panickyErr) Error() string { panic("boom") }

func TestClassify_RecoversPanics(t *testing.T) {
	rec := Classify(Raw{Err: panickyErr{}}, StageExecution)
	assert.Equal(t, KindUnknown, rec.Kind)
	assert.False(t, rec.Retryable)
	assert.Contains(t, rec.Cause, "boom")
}

func TestNormalizeSignature(t *testing.T) {
	a := NormalizeSignature("KeyError: row 17 missing   in 3f2a9c1d0e")
	b := NormalizeSignature("keyerror: row 92 missing in 9a8b7c6d5e")
	require.Equal(t, a, b)
	require.Equal(t, "keyerror: row <n> missing in <hex>", a)
	require.Empty(t, NormalizeSignature("   "))
}

func TestClassify_Idempotent(t *testing.T) {
	properties := gopter.NewProperties(nil)
	stages := []Stage{StageGeneration, StageValidation, StageReconciliation, StageExecution}

	properties.Property("classifying the same failure twice yields the same record", prop.ForAll(
		func(typ, msg string, stageIdx int) bool {
			stage := stages[stageIdx]
			raw := Raw{Type: typ, Message: msg}
			first := Classify(raw, stage)
			second := Classify(raw, stage)
			return first == second
		},
		gen.OneConstOf("", "KeyError", "TypeError", "ValueError", "TimeoutError", "ResourceError"),
		gen.AnyString(),
		gen.IntRange(0, len(stages)-1),
	))

	properties.Property("classification is total", prop.ForAll(
		func(msg string) bool {
			rec := Classify(Raw{Message: msg, Err: errors.New(msg)}, StageExecution)
			return rec.Message != "" && rec.Severity >= SeverityLow && rec.Severity <= SeverityCritical
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
