package workflow

// BuildInstanceStateMachine creates a state machine configured for the
// single-active-chain approval lifecycle. RUNNING is the only non-terminal
// state; ADVANCE and RESUBMIT are self-transitions that keep the chain open.
func BuildInstanceStateMachine(initialState State) StateMachine {
	builder := NewBuilder()

	builder.Configure(StateRunning).
		Permit(TriggerAdvance, StateRunning).
		Permit(TriggerResubmit, StateRunning).
		Permit(TriggerFinalApprove, StateApproved).
		Permit(TriggerReject, StateRejected).
		Permit(TriggerCancel, StateCancelled)

	// APPROVED, REJECTED and CANCELLED are terminal - no outgoing transitions

	return builder.Build(initialState)
}
