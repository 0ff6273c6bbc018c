package degrade

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/danshapiro/analyst/internal/dataset"
	"github.com/danshapiro/analyst/internal/schema"
	"github.com/danshapiro/analyst/internal/script"
)

const (
	topGroups         = 5
	maxComparedGroups = 20
	maxCorrelatedCols = 6
	periodLayout      = "2006-01"
)

func revenue(l *locator, t *dataset.Table) (outcome, string) {
	rev, ok := l.find(t, roleRevenue)
	if !ok {
		return outcome{}, "no revenue-like numeric column was found"
	}
	vals, _ := t.Numbers(rev)
	if len(vals) == 0 {
		return outcome{}, fmt.Sprintf("column %q has no numeric values", rev)
	}
	out := outcome{
		values: map[string]any{
			"dataset": t.Name(),
			"column":  rev,
			"summary": describe(vals),
		},
		inputs:    []string{qualified(t, rev)},
		rationale: fmt.Sprintf("Revenue intent: totals and averages of %q in %q.", rev, t.Name()),
	}
	if prod, ok := l.find(t, roleProduct); ok {
		groups := groupTotals(t, prod, rev)
		if len(groups) > topGroups {
			groups = groups[:topGroups]
		}
		out.values["top_groups"] = groupsJSON(groups)
		out.values["group_by"] = prod
		out.inputs = append(out.inputs, qualified(t, prod))
		out.rationale = fmt.Sprintf("Revenue intent: totals and averages of %q in %q, top groups by %q.", rev, t.Name(), prod)
	} else {
		out.limitations = append(out.limitations, "No product-like column was found; totals are not broken down by group.")
	}
	return out, ""
}

func trend(l *locator, t *dataset.Table) (outcome, string) {
	var lims []string
	num, ok := l.find(t, roleRevenue)
	if !ok {
		nums := columnsOf(t, schema.TypeNumber)
		if len(nums) == 0 {
			return outcome{}, "no numeric column was found"
		}
		num = nums[0]
		lims = append(lims, fmt.Sprintf("No revenue-like column was found; the trend is computed over %q.", num))
	}
	values, _ := t.Column(num)

	date, ok := l.find(t, roleDate)
	if !ok {
		if dates := columnsOf(t, schema.TypeDate); len(dates) > 0 {
			date = dates[0]
			ok = true
		}
	}
	out := outcome{
		values: map[string]any{"dataset": t.Name(), "column": num},
		inputs: []string{qualified(t, num)},
	}
	if ok {
		cells, _ := t.Column(date)
		periods := periodTotals(cells, values)
		if len(periods) >= 2 {
			out.values["date_column"] = date
			out.values["periods"] = periods
			out.inputs = append(out.inputs, qualified(t, date))
			out.limitations = lims
			out.rationale = fmt.Sprintf("Trend intent: month-over-month change of %q by %q in %q.", num, date, t.Name())
			return out, ""
		}
		lims = append(lims, fmt.Sprintf("Column %q spans fewer than two months; rows are compared in file order instead.", date))
	} else {
		lims = append(lims, "No date column was found; the first and second half of the rows are compared in file order.")
	}

	nums := numbers(values)
	if len(nums) < 2 {
		return outcome{}, fmt.Sprintf("column %q has fewer than two numeric values", num)
	}
	half := len(nums) / 2
	first, second := describe(nums[:half]), describe(nums[half:])
	out.values["first_half"] = first
	out.values["second_half"] = second
	out.values["change"] = second["sum"].(float64) - first["sum"].(float64)
	out.values["pct_change"] = pctChange(first["sum"].(float64), second["sum"].(float64))
	out.limitations = lims
	out.rationale = fmt.Sprintf("Trend intent: change of %q between the first and second half of %q.", num, t.Name())
	return out, ""
}

func correlation(l *locator, t *dataset.Table) (outcome, string) {
	nums := columnsOf(t, schema.TypeNumber)
	if len(nums) < 2 {
		return outcome{}, "fewer than two numeric columns are available"
	}
	var lims []string
	if len(nums) > maxCorrelatedCols {
		lims = append(lims, fmt.Sprintf("Only the first %d of %d numeric columns were correlated.", maxCorrelatedCols, len(nums)))
		nums = nums[:maxCorrelatedCols]
	}
	var pairs []map[string]any
	for i := 0; i < len(nums); i++ {
		for j := i + 1; j < len(nums); j++ {
			xs, ys := aligned(t, nums[i], nums[j])
			r, ok := script.Pearson(xs, ys)
			if !ok {
				lims = append(lims, fmt.Sprintf("No correlation between %q and %q: one of them is constant or too short.", nums[i], nums[j]))
				continue
			}
			pairs = append(pairs, map[string]any{"a": nums[i], "b": nums[j], "r": r, "n": len(xs)})
		}
	}
	if len(pairs) == 0 {
		return outcome{}, "no pair of numeric columns has enough varying values"
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		return math.Abs(pairs[i]["r"].(float64)) > math.Abs(pairs[j]["r"].(float64))
	})
	inputs := make([]string, 0, len(nums))
	for _, n := range nums {
		inputs = append(inputs, qualified(t, n))
	}
	return outcome{
		values:      map[string]any{"dataset": t.Name(), "pairs": pairs},
		inputs:      inputs,
		limitations: lims,
		rationale:   fmt.Sprintf("Correlation intent: pairwise Pearson correlation of %d numeric columns in %q.", len(nums), t.Name()),
	}, ""
}

func comparison(l *locator, t *dataset.Table) (outcome, string) {
	group, ok := l.find(t, roleProduct)
	if !ok {
		strs := columnsOf(t, schema.TypeString)
		if len(strs) == 0 {
			return outcome{}, "no categorical column was found"
		}
		group = strs[0]
	}
	num, ok := l.find(t, roleRevenue)
	if !ok {
		nums := columnsOf(t, schema.TypeNumber)
		if len(nums) == 0 {
			return outcome{}, "no numeric column was found"
		}
		num = nums[0]
	}
	groups := groupTotals(t, group, num)
	if len(groups) == 0 {
		return outcome{}, fmt.Sprintf("column %q has no values to group by", group)
	}
	var lims []string
	if len(groups) > maxComparedGroups {
		lims = append(lims, fmt.Sprintf("Only the %d largest of %d groups are shown.", maxComparedGroups, len(groups)))
		groups = groups[:maxComparedGroups]
	}
	return outcome{
		values: map[string]any{
			"dataset":  t.Name(),
			"group_by": group,
			"column":   num,
			"groups":   groupsJSON(groups),
		},
		inputs:      []string{qualified(t, group), qualified(t, num)},
		limitations: lims,
		rationale:   fmt.Sprintf("Comparison intent: totals and means of %q per %q in %q.", num, group, t.Name()),
	}, ""
}

func generic(_ *locator, t *dataset.Table) (outcome, string) {
	nums := columnsOf(t, schema.TypeNumber)
	if len(nums) == 0 {
		return outcome{}, "the data has no numeric columns"
	}
	cols := map[string]any{}
	inputs := make([]string, 0, len(nums))
	for _, n := range nums {
		vals, _ := t.Numbers(n)
		if len(vals) == 0 {
			continue
		}
		cols[n] = describe(vals)
		inputs = append(inputs, qualified(t, n))
	}
	if len(cols) == 0 {
		return outcome{}, "every numeric column is empty"
	}
	return outcome{
		values:    map[string]any{"dataset": t.Name(), "columns": cols},
		inputs:    inputs,
		rationale: fmt.Sprintf("Generic summary: count, sum, mean, min and max of each numeric column in %q.", t.Name()),
	}, ""
}

func describe(vals []float64) map[string]any {
	sum, lo, hi := 0.0, math.Inf(1), math.Inf(-1)
	for _, v := range vals {
		sum += v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return map[string]any{
		"count": len(vals),
		"sum":   sum,
		"mean":  sum / float64(len(vals)),
		"min":   lo,
		"max":   hi,
	}
}

type groupTotal struct {
	key   string
	total float64
	count int
}

// groupTotals sums num per distinct value of by, largest total first.
func groupTotals(t *dataset.Table, by, num string) []groupTotal {
	keys, _ := t.Column(by)
	vals, _ := t.Column(num)
	idx := map[string]int{}
	var out []groupTotal
	for i, k := range keys {
		if k == nil {
			continue
		}
		key := fmt.Sprint(k)
		j, ok := idx[key]
		if !ok {
			j = len(out)
			idx[key] = j
			out = append(out, groupTotal{key: key})
		}
		if f, ok := vals[i].(float64); ok {
			out[j].total += f
			out[j].count++
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].total > out[j].total })
	return out
}

func groupsJSON(gs []groupTotal) []map[string]any {
	out := make([]map[string]any, 0, len(gs))
	for _, g := range gs {
		var mean any
		if g.count > 0 {
			mean = g.total / float64(g.count)
		}
		out = append(out, map[string]any{"group": g.key, "total": g.total, "count": g.count, "mean": mean})
	}
	return out
}

// periodTotals sums values per calendar month of the matching date cell and
// reports the change from the previous month.
func periodTotals(dates, values []any) []map[string]any {
	totals := map[string]float64{}
	for i, d := range dates {
		ts, ok := d.(time.Time)
		if !ok {
			continue
		}
		if f, ok := values[i].(float64); ok {
			totals[ts.Format(periodLayout)] += f
		}
	}
	keys := make([]string, 0, len(totals))
	for k := range totals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]map[string]any, 0, len(keys))
	for i, k := range keys {
		p := map[string]any{"period": k, "total": totals[k]}
		if i > 0 {
			prev := totals[keys[i-1]]
			p["change"] = totals[k] - prev
			p["pct_change"] = pctChange(prev, totals[k])
		}
		out = append(out, p)
	}
	return out
}

func pctChange(from, to float64) any {
	if from == 0 {
		return nil
	}
	return (to - from) / math.Abs(from)
}

func numbers(cells []any) []float64 {
	out := make([]float64, 0, len(cells))
	for _, c := range cells {
		if f, ok := c.(float64); ok {
			out = append(out, f)
		}
	}
	return out
}

// aligned returns the rows where both columns hold numbers.
func aligned(t *dataset.Table, a, b string) ([]float64, []float64) {
	ca, _ := t.Column(a)
	cb, _ := t.Column(b)
	var xs, ys []float64
	for i := range ca {
		x, ok1 := ca[i].(float64)
		y, ok2 := cb[i].(float64)
		if ok1 && ok2 {
			xs = append(xs, x)
			ys = append(ys, y)
		}
	}
	return xs, ys
}

func qualified(t *dataset.Table, col string) string { return t.Name() + "." + col }
