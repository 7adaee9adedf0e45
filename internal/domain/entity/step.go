package entity

import "time"

// StepExecution is the per-step record of who must decide and what they
// decided. One row exists per (instance, cycle, position); DeadlineAt and
// ApproverID are set when the step becomes active, not at instantiation,
// so deadlines are relative to activation time.
type StepExecution struct {
	ID            int64      `json:"id"`
	InstanceID    int64      `json:"instance_id"`
	Cycle         int        `json:"cycle"`
	Position      int        `json:"position"`
	ApproverID    string     `json:"approver_id,omitempty"`
	Outcome       string     `json:"outcome"`
	Comment       string     `json:"comment,omitempty"`
	DecidedAt     *time.Time `json:"decided_at,omitempty"`
	DeadlineAt    *time.Time `json:"deadline_at,omitempty"`
	ReminderCount int        `json:"reminder_count"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// IsDecided reports whether the step has a terminal outcome
func (s *StepExecution) IsDecided() bool {
	return s.Outcome != OutcomePending
}

// NotificationRecord is the audit row for a dispatched notification intent.
// Recording is best-effort and never affects the state transition that
// produced the intent.
type NotificationRecord struct {
	ID          int64     `json:"id"`
	InstanceID  int64     `json:"instance_id"`
	RecipientID string    `json:"recipient_id"`
	Kind        string    `json:"kind"`
	Payload     string    `json:"payload,omitempty"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
