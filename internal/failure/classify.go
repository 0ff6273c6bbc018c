package failure

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Raw is an unclassified failure as observed at a stage boundary.
type Raw struct {
	// Type is the failure's type name when known (e.g. "KeyError").
	Type    string
	Message string
	// Err is the underlying error, if any. Typed errors take precedence over
	// text matching.
	Err error
}

// FromError builds a Raw from an error, lifting a type name from errors that
// expose one.
func FromError(err error) Raw {
	if err == nil {
		return Raw{}
	}
	raw := Raw{Message: err.Error(), Err: err}
	var typed interface{ ErrorType() string }
	if errors.As(err, &typed) {
		raw.Type = typed.ErrorType()
	}
	return raw
}

func (r Raw) text() string {
	msg := strings.TrimSpace(r.Message)
	if msg == "" && r.Err != nil {
		msg = strings.TrimSpace(r.Err.Error())
	}
	typ := strings.TrimSpace(r.Type)
	switch {
	case typ == "":
		return msg
	case msg == "":
		return typ
	case strings.HasPrefix(msg, typ):
		return msg
	default:
		return typ + ": " + msg
	}
}

// statusError is satisfied by provider errors from the generation collaborator.
type statusError interface {
	error
	StatusCode() int
	Retryable() bool
}

type rule struct {
	name      string
	hints     []string
	stages    []Stage // empty = every stage
	kind      Kind
	severity  Severity
	retryable bool
	fix       FixTag
}

func (r rule) appliesTo(stage Stage) bool {
	if len(r.stages) == 0 {
		return true
	}
	for _, s := range r.stages {
		if s == stage {
			return true
		}
	}
	return false
}

func (r rule) matches(haystack string) bool {
	for _, h := range r.hints {
		if isNumeric(h) {
			if containsNumber(haystack, h) {
				return true
			}
			continue
		}
		if strings.Contains(haystack, h) {
			return true
		}
	}
	return false
}

func isNumeric(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return s != ""
}

// containsNumber finds n as a standalone number: "status 429" matches,
// "SKU-429" and "14290" do not.
func containsNumber(haystack, n string) bool {
	for i := 0; ; {
		j := strings.Index(haystack[i:], n)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(n)
		if (start == 0 || !numberNeighbor(haystack[start-1])) && (end == len(haystack) || !numberNeighbor(haystack[end])) {
			return true
		}
		i = start + 1
	}
}

func numberNeighbor(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '-' || c == '_' || c == '.'
}

// rules is ordered highest priority first; the first match wins.
var rules = []rule{
	{
		name: "missing_identifier",
		hints: []string{
			"keyerror", "key not found", "column not found", "no such column", "unknown column",
			"undeclared reference", "not in index", "missing column", "no column named",
		},
		kind: KindData, severity: SeverityHigh, retryable: true, fix: FixSchemaMapping,
	},
	{
		name: "scalar_misuse",
		hints: []string{
			"not subscriptable", "not indexable", "scalar", "has no attribute", "has no method",
			"is not iterable", "only size-1",
		},
		kind: KindCode, severity: SeverityMedium, retryable: true, fix: FixScalarSafety,
	},
	{
		// A generator call that runs out of time is an upstream problem, not a
		// runaway computation.
		name:   "provider_timeout",
		hints:  []string{"timed out", "timeout", "deadline exceeded"},
		stages: []Stage{StageGeneration},
		kind:   KindNetwork, severity: SeverityHigh, retryable: true, fix: FixBackoff,
	},
	{
		name:  "wall_clock",
		hints: []string{"timeouterror", "timed out", "timeout", "deadline exceeded", "wall-clock"},
		kind:  KindTimeout, severity: SeverityMedium, retryable: true, fix: FixSimplify,
	},
	{
		name: "upstream_provider",
		hints: []string{
			"rate limit", "ratelimit", "rate-limit", "too many requests", "429", "quota",
			"connection refused", "connection reset", "broken pipe", "service unavailable",
			"temporarily unavailable", "bad gateway", "econnrefused", "econnreset", "dial tcp",
			"no such host", "tls handshake", "provider unavailable",
		},
		kind: KindNetwork, severity: SeverityHigh, retryable: true, fix: FixBackoff,
	},
	{
		name: "resource_ceiling",
		hints: []string{
			"resourceerror", "out of memory", "memory ceiling", "memory limit", "cpu ceiling",
			"step budget", "cannot allocate", "output size", "exceeds limit",
		},
		kind: KindResource, severity: SeverityCritical, retryable: false,
	},
	{
		name: "syntax",
		hints: []string{
			"syntaxerror", "syntax error", "parse error", "unexpected token", "unexpected character",
			"unterminated", "expected expression",
		},
		kind: KindCode, severity: SeverityMedium, retryable: true, fix: FixSyntax,
	},
	{
		name:  "disallowed_capability",
		hints: []string{"capability denied", "disallowed capability", "not allowed in sandbox", "forbidden import"},
		kind:  KindCode, severity: SeverityHigh, retryable: true, fix: FixSandboxPolicy,
	},
	{
		name: "conversion",
		hints: []string{
			"valueerror", "could not convert", "cannot convert", "invalid literal",
			"unsupported operand", "type mismatch", "typeerror",
		},
		kind: KindCode, severity: SeverityMedium, retryable: true, fix: FixTypeCast,
	},
	{
		name:  "result_contract",
		hints: []string{"result is not defined", "result variable", "no result"},
		kind:  KindCode, severity: SeverityLow, retryable: true, fix: FixResultContract,
	},
	{
		name:  "zero_division",
		hints: []string{"zerodivisionerror", "division by zero"},
		kind:  KindData, severity: SeverityMedium, retryable: true,
	},
	{
		name:  "undefined_name",
		hints: []string{"nameerror", "is not defined"},
		kind:  KindCode, severity: SeverityMedium, retryable: true,
	},
}

// typedRules lists, per script error type, the rules that may classify it in
// priority order. The last applicable rule is the fallback when no hint
// matches, so text inside a typed message cannot move it to another family.
var typedRules = map[string][]string{
	"KeyError":          {"missing_identifier"},
	"IndexError":        {"scalar_misuse"},
	"TypeError":         {"scalar_misuse", "conversion"},
	"ValueError":        {"conversion"},
	"NameError":         {"result_contract", "undefined_name"},
	"ZeroDivisionError": {"zero_division"},
	"SyntaxError":       {"syntax"},
	"ResourceError":     {"resource_ceiling"},
	"TimeoutError":      {"provider_timeout", "wall_clock"},
}

var rulesByName = func() map[string]rule {
	m := make(map[string]rule, len(rules))
	for _, r := range rules {
		m[r.name] = r
	}
	return m
}()

// typedRule picks the rule for a failure whose type is a known script error.
func typedRule(typ string, stage Stage, haystack string) (rule, bool) {
	names, ok := typedRules[strings.TrimSpace(typ)]
	if !ok {
		return rule{}, false
	}
	var fallback rule
	found := false
	for _, n := range names {
		r := rulesByName[n]
		if !r.appliesTo(stage) {
			continue
		}
		if r.matches(haystack) {
			return r, true
		}
		fallback, found = r, true
	}
	return fallback, found
}

// Classify maps a raw failure to a Record. It is pure and total: the same
// input always yields the same Record, and unrecognized or malformed input
// degrades to UnknownError instead of propagating.
func Classify(raw Raw, stage Stage) (rec Record) {
	defer func() {
		if r := recover(); r != nil {
			rec = Record{
				Kind:      KindUnknown,
				Severity:  SeverityMedium,
				Message:   "failure could not be classified",
				Cause:     fmt.Sprintf("classifier panic: %v", r),
				Stage:     stage,
				Signature: "classifier_panic",
			}
		}
	}()

	text := raw.text()
	rec = Record{
		Message:   summarizeMessage(text),
		Cause:     text,
		Stage:     stage,
		Signature: NormalizeSignature(text),
	}
	if rec.Message == "" {
		rec.Message = "unspecified failure"
	}

	if classifyTyped(raw.Err, stage, &rec) {
		return rec
	}

	haystack := strings.ToLower(text)
	if r, ok := typedRule(raw.Type, stage, haystack); ok {
		rec.Kind = r.kind
		rec.Severity = r.severity
		rec.Retryable = r.retryable
		rec.FixTag = r.fix
		return rec
	}
	for _, r := range rules {
		if !r.appliesTo(stage) || !r.matches(haystack) {
			continue
		}
		rec.Kind = r.kind
		rec.Severity = r.severity
		rec.Retryable = r.retryable
		rec.FixTag = r.fix
		return rec
	}
	rec.Kind = KindUnknown
	rec.Severity = SeverityMedium
	rec.Retryable = false
	rec.FixTag = FixNone
	return rec
}

func classifyTyped(err error, stage Stage, rec *Record) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		rec.Kind = KindUnknown
		rec.Severity = SeverityMedium
		rec.Retryable = false
		rec.FixTag = FixNone
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		if stage == StageGeneration {
			rec.Kind, rec.Severity, rec.Retryable, rec.FixTag = KindNetwork, SeverityHigh, true, FixBackoff
		} else {
			rec.Kind, rec.Severity, rec.Retryable, rec.FixTag = KindTimeout, SeverityMedium, true, FixSimplify
		}
		return true
	}
	var se statusError
	if !errors.As(err, &se) {
		return false
	}
	switch code := se.StatusCode(); {
	case code == 429, code == 408, code >= 500:
		rec.Kind, rec.Severity, rec.Retryable, rec.FixTag = KindNetwork, SeverityHigh, true, FixBackoff
	case code == 401 || code == 403:
		rec.Kind, rec.Severity, rec.Retryable, rec.FixTag = KindNetwork, SeverityCritical, false, FixNone
	default:
		rec.Kind, rec.Severity, rec.Retryable, rec.FixTag = KindNetwork, SeverityHigh, se.Retryable(), FixNone
		if se.Retryable() {
			rec.FixTag = FixBackoff
		}
	}
	return true
}

const messageLimit = 240

func summarizeMessage(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		return truncate(line, messageLimit)
	}
	return ""
}

var (
	signatureWhitespaceRE = regexp.MustCompile(`\s+`)
	signatureHexRE        = regexp.MustCompile(`\b[0-9a-f]{7,64}\b`)
	signatureDigitsRE     = regexp.MustCompile(`\b\d+(\.\d+)?\b`)
)

// NormalizeSignature collapses volatile parts of a failure message (hashes,
// numbers, whitespace) so repeats of one failure compare equal.
func NormalizeSignature(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	if s == "" {
		return ""
	}
	s = signatureHexRE.ReplaceAllString(s, "<hex>")
	s = signatureDigitsRE.ReplaceAllString(s, "<n>")
	s = signatureWhitespaceRE.ReplaceAllString(s, " ")
	return truncate(strings.TrimSpace(s), messageLimit)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
