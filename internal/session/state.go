package session

// State is the phase a session is in. Transitions only move forward:
// Idle, Negotiating, DeltaExchange, Draining, then Complete. Failed is
// reachable from every non-terminal state.
type State int32

const (
	StateIdle State = iota
	StateNegotiating
	StateDeltaExchange
	StateDraining
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateDeltaExchange:
		return "delta_exchange"
	case StateDraining:
		return "draining"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}
