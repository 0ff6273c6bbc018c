package degrade

import (
	"github.com/danshapiro/analyst/internal/dataset"
	"github.com/danshapiro/analyst/internal/schema"
)

// role is a column the strategies look for, described by the names a
// dataset commonly uses for it.
type role struct {
	name  string
	names []string
	types []schema.Type
}

var (
	roleRevenue = role{
		name:  "revenue",
		names: []string{"revenue", "sales", "amount", "total", "price", "value"},
		types: []schema.Type{schema.TypeNumber},
	}
	roleProduct = role{
		name:  "product",
		names: []string{"product", "item", "category", "name"},
		types: []schema.Type{schema.TypeString},
	}
	roleDate = role{
		name:  "date",
		names: []string{"date", "time", "period", "month", "day"},
		types: []schema.Type{schema.TypeDate},
	}
)

// locator finds role columns through the reconciler and tallies what it
// could not place, for the confidence penalty.
type locator struct {
	r          *schema.Reconciler
	ambiguous  int
	unresolved int
	mappings   []schema.Mapping
}

// find returns the column filling rl in t. Only unambiguous mappings to a
// column of an accepted type are used.
func (l *locator) find(t *dataset.Table, rl role) (string, bool) {
	s := t.Schema()
	var firstAmbiguous *schema.Mapping
	for _, n := range rl.names {
		m := l.r.Resolve(n, s)
		m.Dataset = t.Name()
		if m.IsAmbiguous() && firstAmbiguous == nil {
			firstAmbiguous = &m
			continue
		}
		if !m.Applied() {
			continue
		}
		col, _ := s.Lookup(m.Resolved)
		if !typeIn(col.Type, rl.types) {
			continue
		}
		l.mappings = append(l.mappings, m)
		return m.Resolved, true
	}
	if firstAmbiguous != nil {
		l.ambiguous++
		l.mappings = append(l.mappings, *firstAmbiguous)
	} else {
		l.unresolved++
	}
	return "", false
}

func typeIn(t schema.Type, ts []schema.Type) bool {
	for _, x := range ts {
		if x == t {
			return true
		}
	}
	return false
}

func columnsOf(t *dataset.Table, typ schema.Type) []string {
	return t.Schema().OfType(typ).Names()
}
