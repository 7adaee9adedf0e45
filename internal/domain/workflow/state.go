package workflow

// State represents the overall lifecycle state of a workflow instance
type State string

const (
	StateRunning   State = "RUNNING"
	StateApproved  State = "APPROVED"
	StateRejected  State = "REJECTED"
	StateCancelled State = "CANCELLED"
)

var validStates = map[State]bool{
	StateRunning:   true,
	StateApproved:  true,
	StateRejected:  true,
	StateCancelled: true,
}

var terminalStates = map[State]bool{
	StateApproved:  true,
	StateRejected:  true,
	StateCancelled: true,
}

// IsTerminal returns true if the state is a terminal state (no further transitions allowed)
func (s State) IsTerminal() bool {
	return terminalStates[s]
}

// String returns the string representation of the state
func (s State) String() string {
	return string(s)
}

// IsValid returns true if the state is a valid instance state
func (s State) IsValid() bool {
	return validStates[s]
}

// Outcome represents the per-step decision outcome
type Outcome string

const (
	OutcomePending  Outcome = "PENDING"
	OutcomeApproved Outcome = "APPROVED"
	OutcomeRejected Outcome = "REJECTED"
	OutcomeSkipped  Outcome = "SKIPPED"
)

var decidedOutcomes = map[Outcome]bool{
	OutcomeApproved: true,
	OutcomeRejected: true,
	OutcomeSkipped:  true,
}

// IsDecided returns true once the step has reached a terminal outcome
func (o Outcome) IsDecided() bool {
	return decidedOutcomes[o]
}

// String returns the string representation of the outcome
func (o Outcome) String() string {
	return string(o)
}
