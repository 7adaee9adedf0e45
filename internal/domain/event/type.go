package event

// Type identifies the type of domain event
type Type string

const (
	TypeInstanceCreated     Type = "instance.created"
	TypeInstanceApproved    Type = "instance.approved"
	TypeInstanceRejected    Type = "instance.rejected"
	TypeInstanceCancelled   Type = "instance.cancelled"
	TypeInstanceResubmitted Type = "instance.resubmitted"
	TypeStepActivated       Type = "step.activated"
	TypeStepDecided         Type = "step.decided"
	TypeStepReminder        Type = "step.reminder"
	TypeStepEscalated       Type = "step.escalated"
)

// String returns the string representation of the event type
func (t Type) String() string {
	return string(t)
}

// IsValid checks if the event type is one of the defined constants
func (t Type) IsValid() bool {
	switch t {
	case TypeInstanceCreated,
		TypeInstanceApproved,
		TypeInstanceRejected,
		TypeInstanceCancelled,
		TypeInstanceResubmitted,
		TypeStepActivated,
		TypeStepDecided,
		TypeStepReminder,
		TypeStepEscalated:
		return true
	default:
		return false
	}
}

// IntentKind classifies outbound notification intents handed to the
// external dispatcher.
type IntentKind string

const (
	IntentStepAssigned  IntentKind = "STEP_ASSIGNED"
	IntentReminder      IntentKind = "REMINDER"
	IntentApprovedFinal IntentKind = "APPROVED_FINAL"
	IntentRejected      IntentKind = "REJECTED"
	IntentEscalated     IntentKind = "ESCALATED"
)

// String returns the string representation of the intent kind
func (k IntentKind) String() string {
	return string(k)
}
