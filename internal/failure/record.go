package failure

import (
	"fmt"
	"strings"
	"time"
)

// Record is a classified failure. Records are passed by value and never
// modified after they are appended to a Log.
type Record struct {
	Seq       int       `json:"seq"`
	Time      time.Time `json:"time"`
	Kind      Kind      `json:"kind"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Cause     string    `json:"cause,omitempty"`
	Stage     Stage     `json:"stage"`
	Retryable bool      `json:"retryable"`
	FixTag    FixTag    `json:"fix_tag,omitempty"`
	// Signature is the normalized message used to recognize repeats of the
	// same failure across attempts.
	Signature string `json:"signature"`
}

func (r Record) Error() string {
	if r.FixTag != FixNone {
		return fmt.Sprintf("%s[%s]: %s", r.Kind, r.FixTag, r.Message)
	}
	return fmt.Sprintf("%s: %s", r.Kind, r.Message)
}

// Key identifies the distinct issue a record belongs to.
type Key struct {
	Kind   Kind
	FixTag FixTag
}

func (r Record) Key() Key { return Key{Kind: r.Kind, FixTag: r.FixTag} }

// Summary is the plain form of a record handed back to the code generator.
type Summary struct {
	Kind    Kind   `json:"kind"`
	FixTag  FixTag `json:"fix_tag,omitempty"`
	Message string `json:"message"`
}

const summaryMessageLimit = 200

func (r Record) Summary() Summary {
	msg := truncate(strings.TrimSpace(r.Message), summaryMessageLimit)
	return Summary{Kind: r.Kind, FixTag: r.FixTag, Message: msg}
}

// Log is the ordered error log of one analysis request. Insertion order is
// chronological and causal. A Log belongs to a single orchestrator run and is
// not safe for concurrent use.
type Log struct {
	records []Record
	now     func() time.Time
}

func NewLog() *Log {
	return &Log{now: time.Now}
}

// WithClock overrides the clock for testing.
func (l *Log) WithClock(now func() time.Time) *Log {
	l.now = now
	return l
}

// Append stamps the record with its sequence number and time and stores it.
// The stamped copy is returned.
func (l *Log) Append(r Record) Record {
	now := time.Now
	if l.now != nil {
		now = l.now
	}
	r.Seq = len(l.records) + 1
	r.Time = now().UTC()
	l.records = append(l.records, r)
	return r
}

func (l *Log) Len() int {
	if l == nil {
		return 0
	}
	return len(l.records)
}

// Records returns a copy of every record in insertion order.
func (l *Log) Records() []Record {
	if l == nil {
		return nil
	}
	return append([]Record(nil), l.records...)
}

// Last returns up to n of the most recent records, oldest first.
func (l *Log) Last(n int) []Record {
	if l == nil || n <= 0 {
		return nil
	}
	if n > len(l.records) {
		n = len(l.records)
	}
	return append([]Record(nil), l.records[len(l.records)-n:]...)
}

// Summaries returns the last n records as generator-facing summaries.
func (l *Log) Summaries(n int) []Summary {
	last := l.Last(n)
	out := make([]Summary, 0, len(last))
	for _, r := range last {
		out = append(out, r.Summary())
	}
	return out
}

// HasFixTag reports whether any record carries tag.
func (l *Log) HasFixTag(tag FixTag) bool {
	if l == nil {
		return false
	}
	for _, r := range l.records {
		if r.FixTag == tag {
			return true
		}
	}
	return false
}

// FixTags returns the distinct fix tags seen so far in first-seen order.
func (l *Log) FixTags() []FixTag {
	if l == nil {
		return nil
	}
	seen := map[FixTag]bool{}
	var out []FixTag
	for _, r := range l.records {
		if r.FixTag == FixNone || seen[r.FixTag] {
			continue
		}
		seen[r.FixTag] = true
		out = append(out, r.FixTag)
	}
	return out
}
