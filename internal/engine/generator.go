package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/danshapiro/analyst/internal/failure"
	"github.com/danshapiro/analyst/internal/schema"
)

// GenerateRequest is what the code generator sees on every call.
type GenerateRequest struct {
	Query   string                   `json:"query"`
	Intent  string                   `json:"intent"`
	Schemas map[string]schema.Schema `json:"schemas"`
	// ErrorContext holds summaries of the most recent failures, oldest
	// first. It is empty on the first call.
	ErrorContext []failure.Summary `json:"error_context,omitempty"`
	// Attempt is the 1-based index of the attempt being generated.
	Attempt int `json:"attempt"`
}

// Candidate is generated analysis code plus optional diagnostics.
type Candidate struct {
	Code        string   `json:"code"`
	Diagnostics []string `json:"diagnostics,omitempty"`
}

// Generator produces candidate code. Errors are classified at the
// generation stage; errors exposing StatusCode and Retryable are treated as
// provider failures.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (Candidate, error)
}

type GeneratorFunc func(ctx context.Context, req GenerateRequest) (Candidate, error)

func (f GeneratorFunc) Generate(ctx context.Context, req GenerateRequest) (Candidate, error) {
	return f(ctx, req)
}

// ErrNoCandidate is returned by a ScriptedGenerator with nothing left to
// offer.
var ErrNoCandidate = errors.New("generator has no further candidates")

// ScriptedGenerator replays a fixed list of candidates, one per call. When
// Repeat is set the last candidate is returned again once the list is
// exhausted. It records every request it receives.
type ScriptedGenerator struct {
	Candidates []string
	Repeat     bool

	mu       sync.Mutex
	next     int
	requests []GenerateRequest
}

func (g *ScriptedGenerator) Generate(ctx context.Context, req GenerateRequest) (Candidate, error) {
	if err := ctx.Err(); err != nil {
		return Candidate{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.next >= len(g.Candidates) {
		if !g.Repeat || len(g.Candidates) == 0 {
			return Candidate{}, ErrNoCandidate
		}
		return Candidate{Code: g.Candidates[len(g.Candidates)-1]}, nil
	}
	code := g.Candidates[g.next]
	g.next++
	return Candidate{Code: code}, nil
}

// Requests returns a copy of the requests seen so far.
func (g *ScriptedGenerator) Requests() []GenerateRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]GenerateRequest(nil), g.requests...)
}
