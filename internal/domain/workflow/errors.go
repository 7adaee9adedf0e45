package workflow

import "errors"

var (
	// ErrInvalidTransition is returned when a state transition is not allowed
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInvalidState is returned when a state is not valid
	ErrInvalidState = errors.New("invalid state")

	// ErrGuardFailed is returned when a guard condition fails
	ErrGuardFailed = errors.New("guard condition failed")

	// ErrNoTemplateMatched is returned when no template covers the request context
	ErrNoTemplateMatched = errors.New("no approval template matched")

	// ErrInstanceNotFound is returned when the referenced instance does not exist
	ErrInstanceNotFound = errors.New("workflow instance not found")

	// ErrConcurrentModification is returned when a mutation carries a stale
	// version; the caller re-reads and retries
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrStepAlreadyDecided is returned when deciding a step that already has
	// a terminal outcome
	ErrStepAlreadyDecided = errors.New("step already decided")

	// ErrStepNotActive is returned when the addressed step is not the
	// instance's current active step
	ErrStepNotActive = errors.New("step is not the active step")

	// ErrAlreadyTerminal is returned when mutating an instance that has
	// already reached a terminal state
	ErrAlreadyTerminal = errors.New("instance already terminal")

	// ErrNoApprover is returned when an approver rule resolves to nobody
	ErrNoApprover = errors.New("approver rule resolved to no user")

	// ErrAlreadyActive is returned when inserting a RUNNING instance for a
	// request that already has one; the caller re-reads the existing instance
	ErrAlreadyActive = errors.New("request already has an active instance")
)
