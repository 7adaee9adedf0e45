// Package engine owns workflow instances and applies every mutation to them.
// All writes go through optimistic compare-and-swap on the instance version;
// notification intents are emitted only after the mutation has committed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/buildpm/approval-engine/internal/application/dispatcher"
	"github.com/buildpm/approval-engine/internal/application/port"
	"github.com/buildpm/approval-engine/internal/domain/entity"
	"github.com/buildpm/approval-engine/internal/domain/event"
	wf "github.com/buildpm/approval-engine/internal/domain/workflow"
)

// Engine is the transition engine for request workflow instances
type Engine struct {
	templates  port.TemplateRepository
	instances  port.InstanceRepository
	steps      port.StepRepository
	txManager  port.TransactionManager
	dispatcher dispatcher.Dispatcher
	directory  port.IdentityDirectory
	resolvers  map[string]port.DynamicResolver
	logger     *zap.Logger

	now        func() time.Time
	casRetries int
}

// Option configures the engine
type Option func(*Engine)

// WithClock overrides the engine's time source, used by tests and the
// deadline scheduler
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithCASRetries sets the bounded retry count for system-triggered
// operations that recover from version conflicts internally
func WithCASRetries(n int) Option {
	return func(e *Engine) {
		e.casRetries = n
	}
}

// WithDynamicResolver registers a resolver for approver rules of kind DYNAMIC
func WithDynamicResolver(key string, fn port.DynamicResolver) Option {
	return func(e *Engine) {
		e.resolvers[key] = fn
	}
}

// NewEngine creates a transition engine
func NewEngine(
	templates port.TemplateRepository,
	instances port.InstanceRepository,
	steps port.StepRepository,
	txManager port.TransactionManager,
	d dispatcher.Dispatcher,
	directory port.IdentityDirectory,
	logger *zap.Logger,
	opts ...Option,
) *Engine {
	e := &Engine{
		templates:  templates,
		instances:  instances,
		steps:      steps,
		txManager:  txManager,
		dispatcher: d,
		directory:  directory,
		resolvers:  make(map[string]port.DynamicResolver),
		logger:     logger,
		now:        time.Now,
		casRetries: 3,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Instantiate creates a RUNNING instance for the request with one
// StepExecution per template step. Only step 0 is activated: its approver is
// resolved and its deadline computed from now; later steps activate when the
// chain advances. A request that already has a RUNNING instance gets that
// instance back unchanged.
func (e *Engine) Instantiate(ctx context.Context, requestID string, tmpl *entity.ApprovalFlowTemplate) (*entity.RequestWorkflowInstance, error) {
	if len(tmpl.Steps) == 0 {
		return nil, fmt.Errorf("template %d has no steps", tmpl.ID)
	}

	existing, err := e.instances.GetActiveByRequestID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("check active instance for request %s: %w", requestID, err)
	}
	if existing != nil {
		e.logger.Info("Request already has an active instance",
			zap.String("request_id", requestID),
			zap.Int64("instance_id", existing.ID))
		return existing, nil
	}

	firstApprover, err := e.resolveApprover(ctx, tmpl.CompanyID, requestID, tmpl.Steps[0])
	if err != nil {
		return nil, fmt.Errorf("resolve approver for request %s step 0: %w", requestID, err)
	}

	now := e.now()
	instance := &entity.RequestWorkflowInstance{
		RequestID:       requestID,
		CompanyID:       tmpl.CompanyID,
		TemplateID:      tmpl.ID,
		TemplateVersion: tmpl.Version,
		CurrentPosition: 0,
		Status:          entity.StatusRunning,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err = e.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := e.instances.Create(txCtx, instance); err != nil {
			return fmt.Errorf("create instance: %w", err)
		}

		executions := e.buildExecutions(instance.ID, 0, tmpl, firstApprover, now)
		if err := e.steps.CreateBatch(txCtx, executions); err != nil {
			return fmt.Errorf("create step executions: %w", err)
		}

		return nil
	})
	if errors.Is(err, wf.ErrAlreadyActive) {
		// A rival caller committed between the existence check and the
		// insert. The partial unique index guarantees a RUNNING instance
		// exists now, so hand that one back.
		rival, readErr := e.instances.GetActiveByRequestID(ctx, requestID)
		if readErr != nil {
			return nil, fmt.Errorf("re-read active instance for request %s: %w", requestID, readErr)
		}
		if rival == nil {
			return nil, err
		}
		e.logger.Info("Request already has an active instance",
			zap.String("request_id", requestID),
			zap.Int64("instance_id", rival.ID))
		return rival, nil
	}
	if err != nil {
		return nil, err
	}

	e.logger.Info("Workflow instance created",
		zap.Int64("instance_id", instance.ID),
		zap.String("request_id", requestID),
		zap.Int64("template_id", tmpl.ID),
		zap.Int("steps", len(tmpl.Steps)))

	e.emit(ctx, event.NewEvent(event.TypeInstanceCreated, instance.ID, requestID, map[string]interface{}{
		"template_id": tmpl.ID,
	}))
	e.emitStepAssigned(ctx, instance, 0, firstApprover)

	return instance, nil
}

// buildExecutions creates the step execution set for one cycle. Only step 0
// carries an approver and a deadline; the rest stay dormant until activated.
func (e *Engine) buildExecutions(instanceID int64, cycle int, tmpl *entity.ApprovalFlowTemplate, firstApprover string, now time.Time) []*entity.StepExecution {
	executions := make([]*entity.StepExecution, 0, len(tmpl.Steps))
	for _, def := range tmpl.Steps {
		exec := &entity.StepExecution{
			InstanceID: instanceID,
			Cycle:      cycle,
			Position:   def.Position,
			Outcome:    entity.OutcomePending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if def.Position == 0 {
			exec.ApproverID = firstApprover
			deadline := now.Add(def.Deadline)
			exec.DeadlineAt = &deadline
		}
		executions = append(executions, exec)
	}
	return executions
}

// GetInstance returns an instance by id
func (e *Engine) GetInstance(ctx context.Context, instanceID int64) (*entity.RequestWorkflowInstance, error) {
	return e.loadInstance(ctx, instanceID)
}

// CurrentStep returns the active step execution of a RUNNING instance, or
// (nil, nil) for terminal instances
func (e *Engine) CurrentStep(ctx context.Context, instanceID int64) (*entity.StepExecution, error) {
	instance, err := e.loadInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if instance.IsTerminal() {
		return nil, nil
	}
	return e.steps.Get(ctx, instanceID, instance.Cycle(), instance.CurrentPosition)
}

// History returns the ordered decision history across all resubmission
// cycles, read-only
func (e *Engine) History(ctx context.Context, instanceID int64) ([]*entity.StepExecution, error) {
	if _, err := e.loadInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.steps.GetAllCycles(ctx, instanceID)
}

func (e *Engine) loadInstance(ctx context.Context, instanceID int64) (*entity.RequestWorkflowInstance, error) {
	instance, err := e.instances.GetByID(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("load instance %d: %w", instanceID, err)
	}
	if instance == nil {
		return nil, fmt.Errorf("instance %d: %w", instanceID, wf.ErrInstanceNotFound)
	}
	return instance, nil
}

// emit dispatches a domain event asynchronously. Events ride behind the
// committed mutation; delivery failures never surface here.
func (e *Engine) emit(ctx context.Context, evt *event.Event) {
	if e.dispatcher != nil {
		e.dispatcher.DispatchAsync(ctx, evt)
	}
}

func (e *Engine) emitStepAssigned(ctx context.Context, instance *entity.RequestWorkflowInstance, position int, approverID string) {
	e.emit(ctx, event.NewEvent(event.TypeStepActivated, instance.ID, instance.RequestID, map[string]interface{}{
		"step_position": position,
		"approver_id":   approverID,
	}))
}
