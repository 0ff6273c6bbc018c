package sandbox

import "time"

const (
	DefaultTimeout        = 30 * time.Second
	DefaultGrace          = 2 * time.Second
	DefaultMemoryBytes    = 512 << 20
	DefaultMaxOutputBytes = 1 << 20

	// bytesPerCell converts the memory ceiling into the interpreter's cell
	// budget and cells back into a heap estimate.
	bytesPerCell = 64
)

// Limits bounds one execution.
type Limits struct {
	Timeout time.Duration `json:"timeout"`
	// Grace is how long past Timeout the supervisor waits for a cancelled
	// worker before abandoning it.
	Grace          time.Duration `json:"grace"`
	MemoryBytes    int64         `json:"memory_bytes"`
	MaxSteps       int64         `json:"max_steps"`
	MaxCells       int64         `json:"max_cells"`
	MaxOutputBytes int           `json:"max_output_bytes"`
}

// DefaultLimits returns the documented defaults.
func DefaultLimits() Limits {
	return Limits{}.WithDefaults()
}

// WithDefaults fills zero fields.
func (l Limits) WithDefaults() Limits {
	if l.Timeout <= 0 {
		l.Timeout = DefaultTimeout
	}
	if l.Grace <= 0 {
		l.Grace = DefaultGrace
	}
	if l.MemoryBytes <= 0 {
		l.MemoryBytes = DefaultMemoryBytes
	}
	if l.MaxSteps <= 0 {
		l.MaxSteps = 50_000_000
	}
	if l.MaxCells <= 0 {
		l.MaxCells = 8_000_000
	}
	if l.MaxOutputBytes <= 0 {
		l.MaxOutputBytes = DefaultMaxOutputBytes
	}
	return l
}

// cellBudget is the tighter of the explicit cell budget and the memory
// ceiling.
func (l Limits) cellBudget() int64 {
	return max(1, min(l.MaxCells, l.MemoryBytes/bytesPerCell))
}

// ResourceUsage is what one execution consumed. It is reported for failed
// runs too.
type ResourceUsage struct {
	WallTime      time.Duration `json:"wall_time"`
	Steps         int64         `json:"steps"`
	Cells         int64         `json:"cells"`
	PeakHeapBytes int64         `json:"peak_heap_bytes"`
}
