package port

import (
	"context"
	"time"

	"github.com/buildpm/approval-engine/internal/domain/entity"
)

// TemplateRepository defines persistence operations for ApprovalFlowTemplate.
// The registry only reads; Create exists for administrative seeding.
type TemplateRepository interface {
	Create(ctx context.Context, tmpl *entity.ApprovalFlowTemplate) error
	GetByID(ctx context.Context, id int64) (*entity.ApprovalFlowTemplate, error)

	// FindByScope returns active templates scoped to the company, category
	// and request type. Amount filtering happens in the registry.
	FindByScope(ctx context.Context, companyID, category, requestType string) ([]*entity.ApprovalFlowTemplate, error)
}

// InstanceRepository defines persistence operations for RequestWorkflowInstance
type InstanceRepository interface {
	Create(ctx context.Context, instance *entity.RequestWorkflowInstance) error
	GetByID(ctx context.Context, id int64) (*entity.RequestWorkflowInstance, error)

	// GetActiveByRequestID returns the RUNNING instance for a request, or
	// (nil, nil) when none exists.
	GetActiveByRequestID(ctx context.Context, requestID string) (*entity.RequestWorkflowInstance, error)

	// UpdateCAS writes the instance's mutable fields and bumps the version
	// counter, guarded by expectedVersion. A stale version fails with
	// workflow.ErrConcurrentModification and writes nothing.
	UpdateCAS(ctx context.Context, instance *entity.RequestWorkflowInstance, expectedVersion int64) error

	// ListRunningDueBefore returns RUNNING instances whose active step
	// deadline is at or before the cutoff, ordered by deadline.
	ListRunningDueBefore(ctx context.Context, cutoff time.Time, limit int) ([]*entity.RequestWorkflowInstance, error)
}

// StepRepository defines persistence operations for StepExecution
type StepRepository interface {
	CreateBatch(ctx context.Context, steps []*entity.StepExecution) error

	// GetByInstance returns all executions of one cycle ordered by position
	GetByInstance(ctx context.Context, instanceID int64, cycle int) ([]*entity.StepExecution, error)

	// GetAllCycles returns every execution across cycles ordered by
	// (cycle, position); this is the decision history read model.
	GetAllCycles(ctx context.Context, instanceID int64) ([]*entity.StepExecution, error)

	// Get returns one execution, or (nil, nil) when absent
	Get(ctx context.Context, instanceID int64, cycle, position int) (*entity.StepExecution, error)

	Update(ctx context.Context, step *entity.StepExecution) error

	// IncrementReminder bumps the reminder counter without any state change
	IncrementReminder(ctx context.Context, id int64) error
}

// NotificationLogRepository records dispatched notification intents for audit
type NotificationLogRepository interface {
	Create(ctx context.Context, rec *entity.NotificationRecord) error
	GetByInstanceID(ctx context.Context, instanceID int64) ([]*entity.NotificationRecord, error)
}

// TransactionManager handles database transactions
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
