package dataset

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danshapiro/analyst/internal/schema"
)

const salesCSV = `Date,Product,Region,Revenue,Promo
2024-01-05,Widget,North,"1,200.50",true
2024-01-06,Gadget,South,800,false
2024-02-01,Widget,,450,
`

func TestLoadCSV_InfersTypes(t *testing.T) {
	tbl, err := LoadCSV("sales", strings.NewReader(salesCSV))
	require.NoError(t, err)
	require.Equal(t, 3, tbl.Len())
	assert.Equal(t, schema.Schema{
		{Name: "Date", Type: schema.TypeDate},
		{Name: "Product", Type: schema.TypeString},
		{Name: "Region", Type: schema.TypeString},
		{Name: "Revenue", Type: schema.TypeNumber},
		{Name: "Promo", Type: schema.TypeBool},
	}, tbl.Schema())

	rev, ok := tbl.Numbers("Revenue")
	require.True(t, ok)
	assert.Equal(t, []float64{1200.5, 800, 450}, rev)
	assert.Nil(t, tbl.Cell("Region", 2))
	assert.Nil(t, tbl.Cell("Promo", 2))
	assert.Equal(t, time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), tbl.Cell("Date", 0))
}

func TestLoadCSV_NonFiniteNumbersAreMissing(t *testing.T) {
	tbl, err := LoadCSV("sales", strings.NewReader("Product,Revenue\nWidget,100\nGadget,NaN\nGizmo,-Inf\n"))
	require.NoError(t, err)
	col, ok := tbl.Schema().Lookup("Revenue")
	require.True(t, ok)
	assert.Equal(t, schema.TypeNumber, col.Type)
	rev, _ := tbl.Numbers("Revenue")
	assert.Equal(t, []float64{100}, rev)
	assert.Nil(t, tbl.Cell("Revenue", 1))
	assert.Nil(t, tbl.Cell("Revenue", 2))
}

func TestTable_IsImmutable(t *testing.T) {
	tbl, err := LoadCSV("sales", strings.NewReader(salesCSV))
	require.NoError(t, err)
	col, _ := tbl.Column("Product")
	col[0] = "tampered"
	assert.Equal(t, "Widget", tbl.Cell("Product", 0))
}

func TestNewTable_Validation(t *testing.T) {
	s := schema.Schema{{Name: "a", Type: schema.TypeNumber}, {Name: "b", Type: schema.TypeString}}
	_, err := NewTable("t", s, [][]any{{1.0}, {"x", "y"}})
	require.ErrorContains(t, err, "rows")
	_, err = NewTable("t", s, [][]any{{"oops"}, {"x"}})
	require.ErrorContains(t, err, "is not number")
	_, err = NewTable("t", schema.Schema{{Name: "a"}, {Name: "a"}}, [][]any{{}, {}})
	require.ErrorContains(t, err, "duplicate")
}

func TestTable_JSONRoundTripKeepsDates(t *testing.T) {
	tbl, err := LoadCSV("sales", strings.NewReader(salesCSV))
	require.NoError(t, err)
	b, err := json.Marshal(tbl)
	require.NoError(t, err)

	var back Table
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, tbl.Schema(), back.Schema())
	assert.Equal(t, tbl.Cell("Date", 1), back.Cell("Date", 1))
	assert.Equal(t, 800.0, back.Cell("Revenue", 1))
}

func TestLoadGlob(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sales.csv"), []byte(salesCSV), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "costs.csv"), []byte("Item,Cost\nA,3\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore"), 0o644))

	cat, err := LoadGlob(filepath.Join(dir, "**", "*.csv"))
	require.NoError(t, err)
	assert.Equal(t, []string{"costs", "sales"}, cat.Names())
	assert.Len(t, cat.Schemas()["costs"], 2)

	_, err = LoadGlob(filepath.Join(dir, "*.parquet"))
	require.Error(t, err)
}
