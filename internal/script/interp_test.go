package script

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danshapiro/analyst/internal/dataset"
)

const salesCSV = `Date,Product,Region,Revenue,Units
2024-01-05,Widget,North,100,2
2024-01-06,Gadget,South,250,5
2024-02-01,Widget,North,150,3
2024-02-03,Gizmo,South,50,1
`

func salesCatalog(t *testing.T) dataset.Catalog {
	t.Helper()
	tbl, err := dataset.LoadCSV("sales", strings.NewReader(salesCSV))
	require.NoError(t, err)
	return dataset.NewCatalog(tbl)
}

func runSource(t *testing.T, src string, opts Options) (Output, error) {
	t.Helper()
	prog, err := Parse(src)
	require.NoError(t, err)
	if opts.Catalog == nil {
		opts.Catalog = salesCatalog(t)
	}
	return Run(context.Background(), prog, opts)
}

func mustRun(t *testing.T, src string) Output {
	t.Helper()
	out, err := runSource(t, src, Options{})
	require.NoError(t, err)
	return out
}

func requireScriptError(t *testing.T, err error, typ string) *Error {
	t.Helper()
	require.Error(t, err)
	se, ok := AsError(err)
	require.True(t, ok, "want *script.Error, got %T: %v", err, err)
	require.Equal(t, typ, se.Type, se.Error())
	return se
}

func TestRun_ColumnSum(t *testing.T) {
	out := mustRun(t, `df = load("sales")
result = df["Revenue"].sum()`)
	assert.Equal(t, 550.0, out.Result)
	assert.Positive(t, out.Steps)
	assert.Positive(t, out.Cells)
}

func TestRun_GroupBySum(t *testing.T) {
	out := mustRun(t, `result = load("sales").group_by("Product").sum("Revenue")`)
	j, err := ToJSON(out.Result)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"type":    "frame",
		"columns": []any{"Product", "Revenue"},
		"rows":    []any{[]any{"Widget", 250.0}, []any{"Gadget", 250.0}, []any{"Gizmo", 50.0}},
	}, j)
}

func TestRun_WhereAndDerive(t *testing.T) {
	out := mustRun(t, `result = load("sales").where("Revenue > 100 && Region == 'North'").count()`)
	assert.Equal(t, 1.0, out.Result)

	out = mustRun(t, `result = load("sales").derive("Price", "Revenue / Units").col("Price").first()`)
	assert.Equal(t, 50.0, out.Result)
}

func TestRun_ReconcilesColumnNamesAtRuntime(t *testing.T) {
	out := mustRun(t, `result = load("sales")["Product_nov"].unique()`)
	assert.Equal(t, []Value{"Widget", "Gadget", "Gizmo"}, out.Result)
	require.Len(t, out.Mappings, 1)
	m := out.Mappings[0]
	assert.Equal(t, "sales", m.Dataset)
	assert.Equal(t, "Product_nov", m.Requested)
	assert.Equal(t, "Product", m.Resolved)
}

func TestRun_ReconcilesDatasetName(t *testing.T) {
	out := mustRun(t, `result = load("Sales").count()`)
	assert.Equal(t, 4.0, out.Result)
}

func TestRun_ControlFlow(t *testing.T) {
	out := mustRun(t, `total = 0
for v in [1, 2, 3] {
    if v > 1 {
        total = total + v
    } else {
        total = total - 10
    }
}
n = 0
while n < 3 { n = n + 1 }
result = {"total": total, "n": n}`)
	j, err := ToJSON(out.Result)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"total": -5.0, "n": 3.0}, j)
}

func TestRun_Modules(t *testing.T) {
	out := mustRun(t, `import stats
import math as m
df = load("sales")
result = [round(stats.corr(df["Revenue"], df["Units"]), 3), m.sqrt(16)]`)
	assert.Equal(t, []Value{1.0, 4.0}, out.Result)
}

func TestRun_PrintIsCaptured(t *testing.T) {
	out := mustRun(t, `print("rows", load("sales").count())
result = true`)
	assert.Equal(t, "rows 4\n", out.Printed)
	assert.Equal(t, true, out.Result)
}

func TestRun_FrameResultJSON(t *testing.T) {
	out := mustRun(t, `result = load("sales").head(1).select(["Date", "Revenue"])`)
	j, err := ToJSON(out.Result)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"type":    "frame",
		"columns": []any{"Date", "Revenue"},
		"rows":    []any{[]any{"2024-01-05", 100.0}},
	}, j)
}

func TestRun_TypedErrors(t *testing.T) {
	cases := []struct {
		name, src, typ, contains string
	}{
		{"missing column", `result = load("sales")["zzqq"]`, KeyError, `column "zzqq" not found`},
		{"missing dataset", `result = load("inventory")`, KeyError, `dataset "inventory" not found`},
		{"no result", `x = 1`, NameError, "result is not defined"},
		{"undefined name", `result = y + 1`, NameError, `name "y" is not defined`},
		{"scalar index", "total = load(\"sales\")[\"Revenue\"].sum()\nresult = total[0]", TypeError, "number value is not subscriptable"},
		{"zero division", `result = 1 / 0`, ZeroDivisionError, "division by zero"},
		{"bad conversion", `result = number("n/a")`, ValueError, `could not convert "n/a" to number`},
		{"index range", `result = [1, 2][5]`, IndexError, "out of range"},
		{"reduction on number", "x = load(\"sales\")[\"Revenue\"].sum()\nresult = x.columns()", TypeError, "number value has no attribute"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := runSource(t, tc.src, Options{})
			se := requireScriptError(t, err, tc.typ)
			assert.Contains(t, se.Msg, tc.contains)
			assert.Positive(t, se.Line)
		})
	}
}

func TestRun_ErrorCarriesLine(t *testing.T) {
	_, err := runSource(t, "a = 1\nb = 2\nresult = a / (b - 2)", Options{})
	se := requireScriptError(t, err, ZeroDivisionError)
	assert.Equal(t, 3, se.Line)
	assert.Equal(t, "ZeroDivisionError: division by zero (line 3)", se.Error())
}

func TestRun_StepBudget(t *testing.T) {
	out, err := runSource(t, "i = 0\nwhile true { i = i + 1 }", Options{MaxSteps: 1000})
	se := requireScriptError(t, err, ResourceError)
	assert.Contains(t, se.Msg, "cpu ceiling")
	assert.Greater(t, out.Steps, int64(1000))
}

func TestRun_CellBudget(t *testing.T) {
	_, err := runSource(t, `result = range(1000000)`, Options{MaxCells: 1000})
	se := requireScriptError(t, err, ResourceError)
	assert.Contains(t, se.Msg, "memory ceiling")
}

func TestRun_StringGrowthIsCharged(t *testing.T) {
	cases := map[string]string{
		"concat":  "s = \"x\"\nfor i in range(36) { s = s + s }\nresult = len(s)",
		"replace": "s = \"xxxxxxxx\"\nfor i in range(12) { s = s.replace(\"x\", \"xxxx\") }\nresult = len(s)",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			out, err := runSource(t, src, Options{MaxCells: 16384})
			se := requireScriptError(t, err, ResourceError)
			assert.Contains(t, se.Msg, "memory ceiling")
			assert.Greater(t, out.Cells, int64(16384))
		})
	}

	out := mustRun(t, "s = \"ab\" + \"cd\"\nresult = str(len(s)) + s.replace(\"b\", \"B\")")
	assert.Equal(t, "4aBcd", out.Result)
}

func TestRun_MissingResultPointsAtLastStatement(t *testing.T) {
	_, err := runSource(t, "x = 1\ny = x + 1", Options{})
	se := requireScriptError(t, err, NameError)
	assert.Equal(t, 2, se.Line)
}

func TestRun_CanceledContext(t *testing.T) {
	prog, err := Parse(`result = 1`)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Run(ctx, prog, Options{Catalog: salesCatalog(t)})
	requireScriptError(t, err, TimeoutError)
}

func TestRun_SleepIsInterruptible(t *testing.T) {
	prog, err := Parse("sleep(100)\nresult = 1")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = Run(ctx, prog, Options{Catalog: salesCatalog(t)})
	se := requireScriptError(t, err, TimeoutError)
	assert.Contains(t, se.Msg, "sleep")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestToJSON_NonFiniteBecomesNull(t *testing.T) {
	out := mustRun(t, `result = load("sales")["Revenue"] / 0`)
	j, err := ToJSON(out.Result)
	require.NoError(t, err)
	vals := j.(map[string]any)["values"].([]any)
	require.Len(t, vals, 4)
	for _, v := range vals {
		assert.Nil(t, v)
	}
}

func TestToJSON_RejectsFunctions(t *testing.T) {
	out := mustRun(t, `result = len`)
	_, err := ToJSON(out.Result)
	requireScriptError(t, err, TypeError)
}
