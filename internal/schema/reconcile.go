package schema

import (
	"fmt"
	"sort"
	"strings"
)

// Method is how a mapping was found.
type Method string

const (
	MethodExact      Method = "exact"
	MethodNormalized Method = "normalized"
	MethodFuzzy      Method = "fuzzy"
	MethodSynonym    Method = "synonym"
	MethodNone       Method = "none"
)

type Candidate struct {
	Name   string  `json:"name"`
	Score  float64 `json:"score"`
	Method Method  `json:"method"`
}

// Mapping is the outcome of one reconciliation call. Resolved is empty when
// nothing cleared the threshold or when the top candidates were too close to
// call; in the latter case Ambiguous lists them.
type Mapping struct {
	Dataset   string      `json:"dataset,omitempty"`
	Requested string      `json:"requested"`
	Resolved  string      `json:"resolved"`
	Score     float64     `json:"score"`
	Method    Method      `json:"method"`
	Ambiguous []Candidate `json:"ambiguous,omitempty"`
}

// Applied reports whether the mapping names a column to use.
func (m Mapping) Applied() bool { return m.Resolved != "" }

func (m Mapping) IsAmbiguous() bool { return len(m.Ambiguous) > 0 }

// Unresolved reports a request that matched nothing at all.
func (m Mapping) Unresolved() bool { return m.Resolved == "" && len(m.Ambiguous) == 0 }

// Renamed reports an applied mapping that changes the requested name.
func (m Mapping) Renamed() bool { return m.Applied() && m.Resolved != m.Requested }

const (
	DefaultThreshold       = 0.55
	DefaultMargin          = 0.05
	DefaultFuzzyWeight     = 0.85
	DefaultNormalizedScore = 0.9
	DefaultSynonymScore    = 0.8
)

// Config tunes the reconciler. Zero fields take the defaults.
type Config struct {
	Threshold       float64    `yaml:"threshold" json:"threshold"`
	Margin          float64    `yaml:"margin" json:"margin"`
	FuzzyWeight     float64    `yaml:"fuzzy_weight" json:"fuzzy_weight"`
	NormalizedScore float64    `yaml:"normalized_score" json:"normalized_score"`
	SynonymScore    float64    `yaml:"synonym_score" json:"synonym_score"`
	Synonyms        [][]string `yaml:"synonyms" json:"synonyms"`
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Margin <= 0 {
		c.Margin = DefaultMargin
	}
	if c.FuzzyWeight <= 0 {
		c.FuzzyWeight = DefaultFuzzyWeight
	}
	if c.NormalizedScore <= 0 {
		c.NormalizedScore = DefaultNormalizedScore
	}
	if c.SynonymScore <= 0 {
		c.SynonymScore = DefaultSynonymScore
	}
	return c
}

func (c Config) Validate() error {
	c = c.withDefaults()
	for name, v := range map[string]float64{
		"threshold":        c.Threshold,
		"margin":           c.Margin,
		"fuzzy_weight":     c.FuzzyWeight,
		"normalized_score": c.NormalizedScore,
		"synonym_score":    c.SynonymScore,
	} {
		if v > 1 {
			return fmt.Errorf("reconcile.%s must be within (0, 1], got %v", name, v)
		}
	}
	for i, g := range c.Synonyms {
		if len(g) < 2 {
			return fmt.Errorf("reconcile.synonyms[%d] needs at least two terms", i)
		}
	}
	return nil
}

// builtinSynonyms are the curated equivalence groups shipped with the engine.
var builtinSynonyms = [][]string{
	{"revenue", "sales", "sales_amount", "sales_total", "income", "turnover", "gross_sales"},
	{"product", "item", "sku", "product_name", "item_name", "article"},
	{"date", "day", "order_date", "timestamp", "period", "transaction_date"},
	{"quantity", "qty", "units", "units_sold", "volume"},
	{"customer", "client", "buyer", "customer_name", "account"},
	{"region", "area", "territory", "zone", "market"},
	{"price", "unit_price", "list_price", "rate"},
	{"cost", "expense", "spend", "cogs"},
	{"profit", "margin", "net_income", "earnings"},
	{"category", "segment", "class", "group", "product_category"},
}

// Reconciler resolves requested names against a schema. It is immutable and
// safe for concurrent use.
type Reconciler struct {
	cfg      Config
	synonyms map[string]map[int]bool
}

func New(cfg Config) *Reconciler {
	cfg = cfg.withDefaults()
	r := &Reconciler{cfg: cfg, synonyms: map[string]map[int]bool{}}
	groups := append(append([][]string(nil), builtinSynonyms...), cfg.Synonyms...)
	for id, g := range groups {
		for _, term := range g {
			key := normalize(term)
			if key == "" {
				continue
			}
			if r.synonyms[key] == nil {
				r.synonyms[key] = map[int]bool{}
			}
			r.synonyms[key][id] = true
		}
	}
	return r
}

// Default is a reconciler with the documented defaults.
var Default = New(Config{})

func (r *Reconciler) Config() Config { return r.cfg }

// Resolve maps requested onto the best column of s. It never guesses: when no
// candidate clears the threshold the mapping is empty, and when the best two
// are within the margin the mapping is left unresolved with both surfaced.
func (r *Reconciler) Resolve(requested string, s Schema) Mapping {
	m := Mapping{Requested: requested, Method: MethodNone}
	if strings.TrimSpace(requested) == "" || len(s) == 0 {
		return m
	}
	if s.Has(requested) {
		m.Resolved, m.Score, m.Method = requested, 1.0, MethodExact
		return m
	}

	var survivors []Candidate
	for _, col := range s {
		c := r.score(requested, col.Name)
		if c.Score+1e-9 >= r.cfg.Threshold {
			survivors = append(survivors, c)
		}
	}
	if len(survivors) == 0 {
		return m
	}
	sort.SliceStable(survivors, func(i, j int) bool { return survivors[i].Score > survivors[j].Score })

	best := survivors[0]
	if len(survivors) > 1 && best.Score-survivors[1].Score <= r.cfg.Margin+1e-9 {
		for _, c := range survivors {
			if best.Score-c.Score <= r.cfg.Margin+1e-9 {
				m.Ambiguous = append(m.Ambiguous, c)
			}
		}
		return m
	}
	m.Resolved, m.Score, m.Method = best.Name, best.Score, best.Method
	return m
}

// ReconcileAll resolves each name in order.
func (r *Reconciler) ReconcileAll(names []string, s Schema) []Mapping {
	out := make([]Mapping, 0, len(names))
	for _, n := range names {
		out = append(out, r.Resolve(n, s))
	}
	return out
}

func (r *Reconciler) score(requested, column string) Candidate {
	if strings.EqualFold(requested, column) {
		return Candidate{Name: column, Score: 1.0, Method: MethodExact}
	}
	nr, nc := normalize(requested), normalize(column)
	if nr != "" && nr == nc {
		return Candidate{Name: column, Score: r.cfg.NormalizedScore, Method: MethodNormalized}
	}

	fuzzy := tokenOverlap(tokens(requested), tokens(column))
	if lev := levenshteinSimilarity(nr, nc); lev > fuzzy {
		fuzzy = lev
	}
	c := Candidate{Name: column, Score: r.cfg.FuzzyWeight * fuzzy, Method: MethodFuzzy}
	if r.synonymous(requested, column) && r.cfg.SynonymScore > c.Score {
		c.Score, c.Method = r.cfg.SynonymScore, MethodSynonym
	}
	return c
}

// synonymous reports whether the two names, or two different tokens of
// them, share a synonym group ("total_sales" ≈ "Revenue"). Identical tokens
// are left to the fuzzy score.
func (r *Reconciler) synonymous(a, b string) bool {
	na, nb := normalize(a), normalize(b)
	if r.share(na, nb) {
		return true
	}
	ta, tb := append(tokens(a), na), append(tokens(b), nb)
	for _, x := range ta {
		for _, y := range tb {
			if x != y && r.share(x, y) {
				return true
			}
		}
	}
	return false
}

func (r *Reconciler) share(x, y string) bool {
	gy := r.synonyms[y]
	for g := range r.synonyms[x] {
		if gy[g] {
			return true
		}
	}
	return false
}
