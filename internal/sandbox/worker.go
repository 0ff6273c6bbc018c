package sandbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/danshapiro/analyst/internal/dataset"
	"github.com/danshapiro/analyst/internal/schema"
	"github.com/danshapiro/analyst/internal/script"
)

// Job is everything a worker needs to run one program. It crosses the
// process boundary as JSON.
type Job struct {
	Source         string          `json:"source"`
	Catalog        dataset.Catalog `json:"catalog"`
	Reconciler     schema.Config   `json:"reconciler"`
	MaxSteps       int64           `json:"max_steps"`
	MaxCells       int64           `json:"max_cells"`
	MemoryBytes    int64           `json:"memory_bytes"`
	MaxOutputBytes int             `json:"max_output_bytes"`
}

// WireError is a script failure as reported by a worker.
type WireError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

func (e *WireError) Error() string {
	msg := e.Message
	if e.Line > 0 {
		msg = fmt.Sprintf("%s (line %d)", msg, e.Line)
	}
	if e.Type == "" {
		return msg
	}
	return e.Type + ": " + msg
}

func (e *WireError) ErrorType() string { return e.Type }

// Reply is a worker's answer. Payload holds the JSON-encoded result when OK.
type Reply struct {
	OK         bool             `json:"ok"`
	Payload    json.RawMessage  `json:"payload,omitempty"`
	ResultType string           `json:"result_type,omitempty"`
	Printed    string           `json:"printed,omitempty"`
	Error      *WireError       `json:"error,omitempty"`
	Panic      string           `json:"panic,omitempty"`
	Steps      int64            `json:"steps"`
	Cells      int64            `json:"cells"`
	Mappings   []schema.Mapping `json:"mappings,omitempty"`
}

// Worker runs a job in isolation and returns the JSON-encoded Reply. It must
// stop promptly when ctx is done; the executor abandons workers that do not.
type Worker interface {
	Run(ctx context.Context, job Job) ([]byte, error)
}

// RunJob executes job in the calling goroutine. It never panics: a panic
// inside the interpreter is reported through Reply.Panic.
func RunJob(ctx context.Context, job Job) (reply Reply) {
	defer func() {
		if r := recover(); r != nil {
			reply = Reply{Panic: fmt.Sprint(r), Steps: reply.Steps, Cells: reply.Cells}
		}
	}()

	prog, err := script.Parse(job.Source)
	if err != nil {
		reply.Error = wireError(err)
		return reply
	}
	out, err := script.Run(ctx, prog, script.Options{
		Catalog:    job.Catalog,
		Reconciler: schema.New(job.Reconciler),
		MaxSteps:   job.MaxSteps,
		MaxCells:   job.MaxCells,
	})
	reply.Steps, reply.Cells = out.Steps, out.Cells
	reply.Printed = out.Printed
	reply.Mappings = out.Mappings
	if err != nil {
		reply.Error = wireError(err)
		return reply
	}

	v, err := script.ToJSON(out.Result)
	if err != nil {
		reply.Error = wireError(err)
		return reply
	}
	b, err := json.Marshal(v)
	if err != nil {
		reply.Error = &WireError{Type: script.ValueError, Message: fmt.Sprintf("result could not be serialized: %v", err)}
		return reply
	}
	if job.MaxOutputBytes > 0 && len(b) > job.MaxOutputBytes {
		reply.Error = &WireError{
			Type:    script.ResourceError,
			Message: fmt.Sprintf("result payload of %d bytes exceeds limit of %d bytes (output size)", len(b), job.MaxOutputBytes),
		}
		return reply
	}
	reply.OK = true
	reply.Payload = b
	reply.ResultType = script.TypeOf(out.Result)
	return reply
}

func wireError(err error) *WireError {
	if se, ok := script.AsError(err); ok {
		return &WireError{Type: se.Type, Message: se.Msg, Line: se.Line}
	}
	return &WireError{Message: err.Error()}
}

// InProcessWorker runs jobs on a goroutine in this process. Isolation comes
// from the interpreter: no capabilities, cancellation checked every step, and
// step and cell ceilings.
type InProcessWorker struct{}

func (InProcessWorker) Run(ctx context.Context, job Job) ([]byte, error) {
	done := make(chan Reply, 1)
	go func() { done <- RunJob(ctx, job) }()
	select {
	case r := <-done:
		return json.Marshal(r)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
