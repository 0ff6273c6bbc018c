package script

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Statements(t *testing.T) {
	prog, err := Parse(`import stats as s
df = load("sales")  # comment
for r in df { x = 1 }; result = df["Revenue"].sum()
`)
	require.NoError(t, err)
	require.Len(t, prog.Stmts, 4)

	imp := prog.Stmts[0].(*ImportStmt)
	assert.Equal(t, "stats", imp.Module)
	assert.Equal(t, "s", imp.Binding())
	assert.IsType(t, &ForStmt{}, prog.Stmts[2])
	assert.Equal(t, 3, prog.Stmts[3].Line())

	call := prog.Stmts[3].(*AssignStmt).Value.(*CallExpr)
	name, ok := call.MethodName()
	require.True(t, ok)
	assert.Equal(t, "sum", name)
}

func TestParse_Precedence(t *testing.T) {
	prog, err := Parse(`result = 1 + 2 * 3 > 6 and not false`)
	require.NoError(t, err)
	e := prog.Stmts[0].(*AssignStmt).Value.(*BinaryExpr)
	assert.Equal(t, "and", e.Op)
	cmp := e.X.(*BinaryExpr)
	assert.Equal(t, ">", cmp.Op)
	assert.Equal(t, "+", cmp.X.(*BinaryExpr).Op)
}

func TestParse_MultilineCallsAndDicts(t *testing.T) {
	prog, err := Parse(`result = {
    "a": stats.mean(
        [1, 2]
    ),
    "b": sort(x, desc=true),
}`)
	require.NoError(t, err)
	d := prog.Stmts[0].(*AssignStmt).Value.(*DictLit)
	require.Len(t, d.Keys, 2)
	call := d.Values[1].(*CallExpr)
	require.Len(t, call.Kwargs, 1)
	assert.Equal(t, "desc", call.Kwargs[0].Name)
}

func TestParse_SyntaxErrors(t *testing.T) {
	cases := []struct {
		name, src string
		line      int
	}{
		{"unclosed block", "if x {\n  y = 1\n", 3},
		{"bad token", "x = 1\ny = @", 2},
		{"assign to call", "f() = 2", 1},
		{"trailing garbage", "x = 1 2", 1},
		{"unterminated string", `x = "abc`, 1},
		{"keyword as name", "if = 3", 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.src)
			se := requireScriptError(t, err, SyntaxError)
			assert.Equal(t, tc.line, se.Line, se.Error())
		})
	}
}

func TestFormat_RoundTrips(t *testing.T) {
	srcs := []string{
		`result = (1 + 2) * -x`,
		"import math as m\nresult = m.floor(2.5)",
		"while a < 3 {\n    a = a + 1\n}",
		"if a {\n    b = 1\n} else if c {\n    b = 2\n} else {\n    b = 3\n}",
		`result = df.where("Region == 'North'")["Revenue"].sum()`,
		`result = {"k\"q": [1, 2.5, null, true], "t": "a\tb"}`,
		`result = not (a or b) and c`,
		`result = a - (b - c)`,
	}
	for _, src := range srcs {
		t.Run(src, func(t *testing.T) {
			prog, err := Parse(src)
			require.NoError(t, err)
			first := Format(prog)
			again, err := Parse(first)
			require.NoError(t, err, first)
			assert.Equal(t, first, Format(again))
		})
	}
}

func TestFormatExpr_KeepsGrouping(t *testing.T) {
	prog, err := Parse(`x = a - (b - c)`)
	require.NoError(t, err)
	assert.Equal(t, "a - (b - c)", FormatExpr(prog.Stmts[0].(*AssignStmt).Value))
}
