package entity

import "time"

// ApprovalFlowTemplate is a reusable, ordered chain of approval steps scoped
// to (company, category, request type) and a half-open monetary range
// [MinAmountCents, MaxAmountCents). A zero MaxAmountCents means unbounded.
// Templates are versioned and never mutated in place once an instance
// references them.
type ApprovalFlowTemplate struct {
	ID                int64                    `json:"id"`
	CompanyID         string                   `json:"company_id"`
	Category          string                   `json:"category"`
	RequestType       string                   `json:"request_type"`
	Version           int                      `json:"version"`
	MinAmountCents    int64                    `json:"min_amount_cents"`
	MaxAmountCents    int64                    `json:"max_amount_cents"`
	AllowResubmission bool                     `json:"allow_resubmission_on_reject"`
	Steps             []ApprovalStepDefinition `json:"steps"`
	Active            bool                     `json:"active"`
	CreatedAt         time.Time                `json:"created_at"`
}

// ApprovalStepDefinition defines one position of a template's chain
type ApprovalStepDefinition struct {
	Position   int           `json:"position"`
	Approver   ApproverRule  `json:"approver"`
	Deadline   time.Duration `json:"deadline"`
	Escalation string        `json:"escalation"`
}

// ApproverRule selects the approver for a step. Exactly one of UserID, Role
// or ResolverKey is meaningful depending on Kind. Resolution happens lazily
// at step activation so role membership changes are honored.
type ApproverRule struct {
	Kind        string `json:"kind"`
	UserID      string `json:"user_id,omitempty"`
	Role        string `json:"role,omitempty"`
	ResolverKey string `json:"resolver_key,omitempty"`
}

// ContainsAmount reports whether the amount falls inside the template's
// half-open range. An amount equal to MaxAmountCents is outside the range.
func (t *ApprovalFlowTemplate) ContainsAmount(amountCents int64) bool {
	if amountCents < t.MinAmountCents {
		return false
	}
	if t.MaxAmountCents > 0 && amountCents >= t.MaxAmountCents {
		return false
	}
	return true
}

// RangeSpan returns the width of the amount range, used for specificity
// tie-breaking. Unbounded ranges report the maximum span.
func (t *ApprovalFlowTemplate) RangeSpan() int64 {
	if t.MaxAmountCents <= 0 {
		return int64(1)<<62 - t.MinAmountCents
	}
	return t.MaxAmountCents - t.MinAmountCents
}

// StepAt returns the definition at the given position, or nil if out of range
func (t *ApprovalFlowTemplate) StepAt(position int) *ApprovalStepDefinition {
	if position < 0 || position >= len(t.Steps) {
		return nil
	}
	return &t.Steps[position]
}
