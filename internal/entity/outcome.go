package entity

// Outcome is the result of integrating one operation.
type Outcome int

const (
	// OutcomeNoOp: the operation was already integrated, or targets an
	// entity that has been collected.
	OutcomeNoOp Outcome = iota
	// OutcomeApplied: the operation changed replicated state.
	OutcomeApplied
	// OutcomeTombstoneCreated: the operation deleted a live entity.
	OutcomeTombstoneCreated
	// OutcomeBuffered: the operation waits for an operation it depends on
	// and will be integrated when that one arrives.
	OutcomeBuffered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoOp:
		return "noop"
	case OutcomeApplied:
		return "applied"
	case OutcomeTombstoneCreated:
		return "tombstone_created"
	case OutcomeBuffered:
		return "buffered"
	}
	return "unknown"
}

// Integrated reports whether the operation is now part of replicated state.
func (o Outcome) Integrated() bool {
	return o == OutcomeApplied || o == OutcomeTombstoneCreated
}
