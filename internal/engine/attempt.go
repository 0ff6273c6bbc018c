package engine

import (
	"encoding/hex"
	"time"

	"github.com/zeebo/blake3"

	"github.com/danshapiro/analyst/internal/failure"
	"github.com/danshapiro/analyst/internal/report"
	"github.com/danshapiro/analyst/internal/sandbox"
	"github.com/danshapiro/analyst/internal/schema"
	"github.com/danshapiro/analyst/internal/script"
)

// Attempt is one generate, validate and execute cycle. A run owns its
// attempts and is their only writer.
type Attempt struct {
	Index int           `json:"index"`
	Stage failure.Stage `json:"stage"`
	// CodeHash is the BLAKE3 hash of the candidate; empty when generation
	// failed before producing one.
	CodeHash string    `json:"code_hash,omitempty"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	// Failure is nil for the successful attempt.
	Failure  *failure.Record       `json:"failure,omitempty"`
	Usage    sandbox.ResourceUsage `json:"usage"`
	Rewrites []script.Applied      `json:"rewrites,omitempty"`
	Mappings []schema.Mapping      `json:"mappings,omitempty"`
	// RetryDelay is the backoff scheduled after this attempt.
	RetryDelay time.Duration `json:"retry_delay,omitempty"`
}

func (a Attempt) OK() bool { return a.Failure == nil }

func (a Attempt) forReport() report.Attempt {
	return report.Attempt{
		Index:    a.Index,
		Stage:    a.Stage,
		OK:       a.OK(),
		Rewrites: a.Rewrites,
		Mappings: a.Mappings,
	}
}

// CodeHash returns the hex BLAKE3-256 of code.
func CodeHash(code string) string {
	sum := blake3.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
