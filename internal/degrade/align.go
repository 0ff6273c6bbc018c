package degrade

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/danshapiro/analyst/internal/dataset"
	"github.com/danshapiro/analyst/internal/schema"
)

// alignedColumn is a column of the anchor table together with the column
// holding the same data in every other table.
type alignedColumn struct {
	name    string
	typ     schema.Type
	columns map[string]string // table name -> column name
}

// alignment is a set of tables put in time order with the columns they all
// share.
type alignment struct {
	tables  []*dataset.Table
	periods map[string]string // table name -> first month, when known
	columns []alignedColumn
}

// align orders tables by their earliest date when every table has a date
// column, otherwise by name, and finds the columns every table shares. A
// column is shared when each table has it under the same name or under an
// unambiguous reconciled name of the same type. The first table in order is
// the anchor whose names the alignment uses.
func align(r *schema.Reconciler, tables []*dataset.Table) alignment {
	a := alignment{periods: map[string]string{}}
	starts := map[string]time.Time{}
	for _, t := range tables {
		if t == nil || t.Len() == 0 {
			continue
		}
		a.tables = append(a.tables, t)
		if start, ok := earliestDate(t); ok {
			starts[t.Name()] = start
			a.periods[t.Name()] = start.Format(periodLayout)
		}
	}
	if len(starts) == len(a.tables) {
		sort.SliceStable(a.tables, func(i, j int) bool {
			return starts[a.tables[i].Name()].Before(starts[a.tables[j].Name()])
		})
	}
	if len(a.tables) < 2 {
		return a
	}

	anchor := a.tables[0]
	for _, col := range anchor.Schema() {
		ac := alignedColumn{name: col.Name, typ: col.Type, columns: map[string]string{anchor.Name(): col.Name}}
		for _, t := range a.tables[1:] {
			m := r.Resolve(col.Name, t.Schema())
			if !m.Applied() {
				break
			}
			other, _ := t.Schema().Lookup(m.Resolved)
			if other.Type != col.Type {
				break
			}
			ac.columns[t.Name()] = m.Resolved
		}
		if len(ac.columns) == len(a.tables) {
			a.columns = append(a.columns, ac)
		}
	}
	return a
}

func earliestDate(t *dataset.Table) (time.Time, bool) {
	dates := t.Schema().OfType(schema.TypeDate).Names()
	if len(dates) == 0 {
		return time.Time{}, false
	}
	cells, _ := t.Column(dates[0])
	var first time.Time
	for _, c := range cells {
		if ts, ok := c.(time.Time); ok && (first.IsZero() || ts.Before(first)) {
			first = ts
		}
	}
	return first, !first.IsZero()
}

func (a alignment) column(name string) (alignedColumn, bool) {
	for _, c := range a.columns {
		if c.name == name {
			return c, true
		}
	}
	return alignedColumn{}, false
}

func (a alignment) names() []string {
	out := make([]string, 0, len(a.tables))
	for _, t := range a.tables {
		out = append(out, t.Name())
	}
	return out
}

// pick finds the aligned column for rl through the anchor's locator, falling
// back to the first aligned column of typ.
func (a alignment) pick(l *locator, rl role, typ schema.Type) (alignedColumn, bool) {
	if name, ok := l.find(a.tables[0], rl); ok {
		if c, ok := a.column(name); ok {
			return c, true
		}
	}
	for _, c := range a.columns {
		if c.typ == typ {
			return c, true
		}
	}
	return alignedColumn{}, false
}

func (a alignment) report() map[string]any {
	common := make([]string, 0, len(a.columns))
	mapping := map[string]any{}
	for _, t := range a.tables {
		cols := map[string]any{}
		for _, c := range a.columns {
			cols[c.name] = c.columns[t.Name()]
		}
		mapping[t.Name()] = cols
	}
	for _, c := range a.columns {
		common = append(common, c.name)
	}
	return map[string]any{"aligned": len(a.columns) > 0, "common_columns": common, "mapping": mapping}
}

func (a alignment) inputs(cols ...alignedColumn) []string {
	var out []string
	for _, t := range a.tables {
		for _, c := range cols {
			out = append(out, qualified(t, c.columns[t.Name()]))
		}
	}
	return out
}

type crossFunc func(l *locator, a alignment) (outcome, string)

func crossStrategyFor(s Strategy) crossFunc {
	switch s {
	case StrategyTrend:
		return crossTrend
	case StrategyComparison:
		return crossComparison
	}
	return nil
}

// crossTrend totals one shared numeric column per dataset and reports the
// change between consecutive datasets in time order.
func crossTrend(l *locator, a alignment) (outcome, string) {
	num, ok := a.pick(l, roleRevenue, schema.TypeNumber)
	if !ok {
		return outcome{}, "the datasets share no numeric column"
	}
	var periods []map[string]any
	var prev *float64
	for _, t := range a.tables {
		vals, _ := t.Numbers(num.columns[t.Name()])
		d := describe(vals)
		total := d["sum"].(float64)
		p := map[string]any{"dataset": t.Name(), "total": total, "count": d["count"]}
		if period, ok := a.periods[t.Name()]; ok {
			p["period"] = period
		}
		if prev != nil {
			p["change"] = total - *prev
			p["pct_change"] = pctChange(*prev, total)
		}
		periods = append(periods, p)
		prev = &total
	}
	return outcome{
		values: map[string]any{
			"datasets":  a.names(),
			"column":    num.name,
			"periods":   periods,
			"alignment": a.report(),
		},
		inputs: a.inputs(num),
		rationale: fmt.Sprintf("Trend intent: change of %q across %d datasets in time order (%s).",
			num.name, len(a.tables), strings.Join(a.names(), ", ")),
	}, ""
}

// crossComparison compares one shared numeric column across datasets, per
// shared group when one exists.
func crossComparison(l *locator, a alignment) (outcome, string) {
	num, ok := a.pick(l, roleRevenue, schema.TypeNumber)
	if !ok {
		return outcome{}, "the datasets share no numeric column"
	}
	byDataset := make([]map[string]any, 0, len(a.tables))
	for _, t := range a.tables {
		vals, _ := t.Numbers(num.columns[t.Name()])
		d := describe(vals)
		d["dataset"] = t.Name()
		byDataset = append(byDataset, d)
	}
	out := outcome{
		values: map[string]any{
			"datasets":   a.names(),
			"column":     num.name,
			"by_dataset": byDataset,
			"alignment":  a.report(),
		},
		inputs: a.inputs(num),
		rationale: fmt.Sprintf("Comparison intent: totals of %q compared across %d datasets (%s).",
			num.name, len(a.tables), strings.Join(a.names(), ", ")),
	}

	group, ok := a.pick(l, roleProduct, schema.TypeString)
	if !ok {
		out.limitations = append(out.limitations, "The datasets share no categorical column; only dataset totals are compared.")
		return out, ""
	}
	groups := crossGroups(a, group, num)
	if len(groups) > maxComparedGroups {
		out.limitations = append(out.limitations, fmt.Sprintf("Only the %d largest of %d groups are shown.", maxComparedGroups, len(groups)))
		groups = groups[:maxComparedGroups]
	}
	out.values["group_by"] = group.name
	out.values["groups"] = groups
	out.inputs = a.inputs(num, group)
	out.rationale = fmt.Sprintf("Comparison intent: totals of %q per %q compared across %d datasets (%s).",
		num.name, group.name, len(a.tables), strings.Join(a.names(), ", "))
	return out, ""
}

// crossGroups totals num per group in every dataset, ordered by the total in
// the latest dataset.
func crossGroups(a alignment, group, num alignedColumn) []map[string]any {
	type row struct {
		key    string
		totals map[string]float64
	}
	idx := map[string]int{}
	var rows []row
	for _, t := range a.tables {
		for _, g := range groupTotals(t, group.columns[t.Name()], num.columns[t.Name()]) {
			j, ok := idx[g.key]
			if !ok {
				j = len(rows)
				idx[g.key] = j
				rows = append(rows, row{key: g.key, totals: map[string]float64{}})
			}
			rows[j].totals[t.Name()] = g.total
		}
	}
	first, last := a.tables[0].Name(), a.tables[len(a.tables)-1].Name()
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].totals[last] > rows[j].totals[last] })

	out := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		totals := map[string]any{}
		for _, t := range a.tables {
			if v, ok := r.totals[t.Name()]; ok {
				totals[t.Name()] = v
			} else {
				totals[t.Name()] = nil
			}
		}
		g := map[string]any{"group": r.key, "totals": totals}
		from, okFrom := r.totals[first]
		to, okTo := r.totals[last]
		if okFrom && okTo {
			g["change"] = to - from
			g["pct_change"] = pctChange(from, to)
		}
		out = append(out, g)
	}
	return out
}
