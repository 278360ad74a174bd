package model

// Pending request states.
const (
	PendingDispatched       = "dispatched"
	PendingResolvedSuccess  = "resolved_success"
	PendingResolvedFallback = "resolved_fallback"
	PendingTimedOut         = "timed_out"
)

// validTransitions maps each pending state to the set of states it may
// transition to. Every target is terminal.
var validTransitions = map[string]map[string]bool{
	PendingDispatched: {
		PendingResolvedSuccess:  true,
		PendingResolvedFallback: true,
		PendingTimedOut:         true,
	},
}

// ValidTransition reports whether a pending request may move from one state
// to another.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}
