// Package report turns the attempts and failures of one analysis run into a
// user-facing explanation.
package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/danshapiro/analyst/internal/degrade"
	"github.com/danshapiro/analyst/internal/failure"
	"github.com/danshapiro/analyst/internal/schema"
	"github.com/danshapiro/analyst/internal/script"
)

// Attempt is the part of an orchestrator attempt the report needs.
type Attempt struct {
	Index    int
	Stage    failure.Stage
	OK       bool
	Rewrites []script.Applied
	Mappings []schema.Mapping
}

// Final is the terminal outcome of the run.
type Final struct {
	Success bool
	// Plan is set when the result was degraded.
	Plan *degrade.Plan
}

// Issue is one distinct problem: all records sharing a kind and fix tag.
type Issue struct {
	Kind     failure.Kind     `json:"kind"`
	FixTag   failure.FixTag   `json:"fix_tag,omitempty"`
	Severity failure.Severity `json:"severity"`
	Count    int              `json:"count"`
	LastSeq  int              `json:"last_seq"`
	Message  string           `json:"message"`
	Guidance string           `json:"guidance"`
}

// Report is built once per run and not modified afterwards.
type Report struct {
	Summary          string           `json:"summary"`
	CountsBySeverity map[string]int   `json:"counts_by_severity"`
	UserMessages     []string         `json:"user_messages"`
	Issues           []Issue          `json:"issues"`
	Dominant         *Issue           `json:"dominant,omitempty"`
	TechnicalDetail  []failure.Record `json:"technical_detail"`
	RecoveryActions  []string         `json:"recovery_actions"`
	FinalConfidence  float64          `json:"final_confidence"`
	Degraded         bool             `json:"degraded"`
	Attempts         int              `json:"attempts"`
}

// Build deduplicates the log by (kind, fix tag), ranks issues by severity
// and then recency, and renders one templated message per issue.
func Build(attempts []Attempt, log *failure.Log, final Final) Report {
	records := log.Records()
	r := Report{
		CountsBySeverity: map[string]int{},
		UserMessages:     []string{},
		Issues:           []Issue{},
		TechnicalDetail:  records,
		RecoveryActions:  recoveryActions(attempts, final),
		Degraded:         !final.Success,
		Attempts:         len(attempts),
	}
	if r.TechnicalDetail == nil {
		r.TechnicalDetail = []failure.Record{}
	}
	for _, s := range failure.Severities() {
		r.CountsBySeverity[s.String()] = 0
	}

	byKey := map[failure.Key]*Issue{}
	var order []failure.Key
	for _, rec := range records {
		r.CountsBySeverity[rec.Severity.String()]++
		is, ok := byKey[rec.Key()]
		if !ok {
			tpl := templateFor(rec.Key())
			is = &Issue{Kind: rec.Kind, FixTag: rec.FixTag, Message: tpl.message, Guidance: tpl.guidance}
			byKey[rec.Key()] = is
			order = append(order, rec.Key())
		}
		is.Count++
		is.LastSeq = max(is.LastSeq, rec.Seq)
		is.Severity = max(is.Severity, rec.Severity)
	}
	for _, k := range order {
		r.Issues = append(r.Issues, *byKey[k])
	}
	sort.SliceStable(r.Issues, func(i, j int) bool {
		if r.Issues[i].Severity != r.Issues[j].Severity {
			return r.Issues[i].Severity > r.Issues[j].Severity
		}
		return r.Issues[i].LastSeq > r.Issues[j].LastSeq
	})
	for _, is := range r.Issues {
		msg := is.Message
		if is.Count > 1 {
			msg = fmt.Sprintf("%s (%d times)", strings.TrimSuffix(msg, "."), is.Count)
		}
		r.UserMessages = append(r.UserMessages, msg+" "+is.Guidance)
	}
	if len(r.Issues) > 0 {
		d := r.Issues[0]
		r.Dominant = &d
	}

	switch {
	case final.Success:
		r.FinalConfidence = 1.0
	case final.Plan != nil:
		r.FinalConfidence = final.Plan.Confidence
	default:
		r.FinalConfidence = degrade.MinConfidence
	}
	r.Summary = summary(r, final)
	return r
}

func summary(r Report, final Final) string {
	switch {
	case final.Success && len(r.Issues) == 0:
		return "The analysis completed successfully."
	case final.Success:
		return fmt.Sprintf("The analysis completed after recovering from %d issue(s).", len(r.Issues))
	}
	var b strings.Builder
	b.WriteString("The full analysis could not be completed")
	if final.Plan != nil {
		fmt.Fprintf(&b, "; a %s summary is shown instead (confidence %.0f%%)", final.Plan.StrategyID, r.FinalConfidence*100)
	}
	b.WriteString(".")
	if r.Dominant != nil {
		b.WriteString(" Main issue: ")
		b.WriteString(r.Dominant.Message)
	}
	return b.String()
}

var rewriteActions = map[script.RewriteRule]string{
	script.RuleSafeCast:           "Made numeric conversions tolerant of unparseable values",
	script.RuleLiteralScalarGuard: "Guarded numeric indexing of values that may already be single numbers",
	script.RuleScalarGuard:        "Guarded every index and reduction against single-value results",
}

// recoveryActions describes what the engine did on the user's behalf, in
// the order it first happened.
func recoveryActions(attempts []Attempt, final Final) []string {
	out := []string{}
	seenRule := map[script.RewriteRule]int{}
	var rules []script.RewriteRule
	seenCol := map[string]bool{}
	retries := 0
	for i, a := range attempts {
		if i > 0 {
			retries++
		}
		for _, rw := range a.Rewrites {
			if seenRule[rw.Rule] == 0 {
				rules = append(rules, rw.Rule)
			}
			seenRule[rw.Rule]++
		}
		for _, m := range a.Mappings {
			key := m.Dataset + "\x00" + m.Requested
			if !m.Renamed() || seenCol[key] {
				continue
			}
			seenCol[key] = true
			out = append(out, fmt.Sprintf("Used column %q for the requested %q (%s match, score %.2f).", m.Resolved, m.Requested, m.Method, m.Score))
		}
	}
	for _, rule := range rules {
		text, ok := rewriteActions[rule]
		if !ok {
			text = fmt.Sprintf("Applied the %s rewrite", rule)
		}
		out = append(out, fmt.Sprintf("%s (%d time(s)).", text, seenRule[rule]))
	}
	if retries > 0 {
		out = append(out, fmt.Sprintf("Retried the analysis %d time(s) with feedback from earlier failures.", retries))
	}
	if !final.Success && final.Plan != nil {
		out = append(out, fmt.Sprintf("Fell back to a %s summary.", final.Plan.StrategyID))
	}
	return out
}
