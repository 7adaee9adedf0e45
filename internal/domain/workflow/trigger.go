package workflow

// Trigger represents an event that can cause an instance state transition
type Trigger string

const (
	// TriggerAdvance moves the active step forward without leaving RUNNING
	TriggerAdvance Trigger = "ADVANCE"

	// TriggerFinalApprove fires when the last step is approved or skipped
	TriggerFinalApprove Trigger = "FINAL_APPROVE"

	// TriggerReject terminates the instance on a rejected step
	TriggerReject Trigger = "REJECT"

	// TriggerResubmit resets a rejected chain back to step 0 when the
	// template allows resubmission
	TriggerResubmit Trigger = "RESUBMIT"

	// TriggerCancel is the administrative override
	TriggerCancel Trigger = "CANCEL"
)

// String returns the string representation of the trigger
func (t Trigger) String() string {
	return string(t)
}
