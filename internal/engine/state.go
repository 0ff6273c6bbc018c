package engine

// State is a node of the orchestrator's state machine.
type State string

const (
	StateGenerating State = "generating"
	StateValidating State = "validating"
	StateExecuting  State = "executing"
	StateRetrying   State = "retrying"
	StateDegrading  State = "degrading"
	StateDone       State = "done"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return s == StateDone || s == StateDegrading }

// next lists the legal transitions.
var next = map[State][]State{
	StateGenerating: {StateValidating, StateRetrying, StateDegrading},
	StateValidating: {StateExecuting, StateRetrying, StateDegrading},
	StateExecuting:  {StateDone, StateRetrying, StateDegrading},
	StateRetrying:   {StateGenerating, StateDegrading},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}
