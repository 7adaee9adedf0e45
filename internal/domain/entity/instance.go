package entity

import "time"

// RequestWorkflowInstance is one request's live run through a template.
// The engine owns it exclusively; the request domain holds only the id.
// Version is the optimistic concurrency counter: it strictly increases on
// every mutation and stale writes fail.
type RequestWorkflowInstance struct {
	ID                int64     `json:"id"`
	RequestID         string    `json:"request_id"`
	CompanyID         string    `json:"company_id"`
	TemplateID        int64     `json:"template_id"`
	TemplateVersion   int       `json:"template_version"`
	CurrentPosition   int       `json:"current_position"`
	Status            string    `json:"status"`
	ResubmissionCount int       `json:"resubmission_count"`
	Version           int64     `json:"version"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// IsTerminal reports whether the instance reached a final status
func (i *RequestWorkflowInstance) IsTerminal() bool {
	return i.Status != StatusRunning
}

// Cycle returns the step-execution cycle the instance is currently on.
// Each resubmission starts a fresh cycle; earlier cycles are kept for audit.
func (i *RequestWorkflowInstance) Cycle() int {
	return i.ResubmissionCount
}
