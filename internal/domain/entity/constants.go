package entity

// Status constants for RequestWorkflowInstance
const (
	StatusRunning   = "RUNNING"
	StatusApproved  = "APPROVED"
	StatusRejected  = "REJECTED"
	StatusCancelled = "CANCELLED"
)

// Outcome constants for StepExecution
const (
	OutcomePending  = "PENDING"
	OutcomeApproved = "APPROVED"
	OutcomeRejected = "REJECTED"
	OutcomeSkipped  = "SKIPPED"
)

// Escalation policy constants for ApprovalStepDefinition
const (
	EscalationNone       = "NONE"
	EscalationNotifyOnly = "NOTIFY_ONLY"
	EscalationAutoSkip   = "AUTO_SKIP"
	EscalationAutoReject = "AUTO_REJECT"
)

// Approver rule kinds
const (
	ApproverFixed   = "FIXED"
	ApproverRole    = "ROLE"
	ApproverDynamic = "DYNAMIC"
)

// Request type constants for the scoping key
const (
	RequestTypeRequisition = "REQUISITION"
	RequestTypeTender      = "TENDER"
)

// Notification delivery status constants
const (
	NotificationStatusSent   = "SENT"
	NotificationStatusFailed = "FAILED"
)
