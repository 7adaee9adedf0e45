package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/buildpm/approval-engine/internal/domain/entity"
	"github.com/buildpm/approval-engine/internal/domain/event"
	wf "github.com/buildpm/approval-engine/internal/domain/workflow"
)

// Approve marks the active step APPROVED and advances the chain, or marks
// the instance APPROVED when the last step is decided. The caller's
// expectedVersion guards against racing approvers: a stale version fails
// with ErrConcurrentModification and changes nothing.
func (e *Engine) Approve(ctx context.Context, instanceID int64, stepPosition int, approverID, comment string, expectedVersion int64) (*entity.RequestWorkflowInstance, error) {
	instance, step, err := e.decidableStep(ctx, instanceID, stepPosition)
	if err != nil {
		return nil, err
	}

	tmpl, err := e.loadTemplate(ctx, instance)
	if err != nil {
		return nil, err
	}

	machine := wf.BuildInstanceStateMachine(wf.State(instance.Status))
	isLast := stepPosition == len(tmpl.Steps)-1

	var nextApprover string
	if !isLast {
		nextDef := tmpl.StepAt(stepPosition + 1)
		nextApprover, err = e.resolveApprover(ctx, instance.CompanyID, instance.RequestID, *nextDef)
		if err != nil {
			return nil, fmt.Errorf("instance %d step %d: resolve next approver: %w", instanceID, stepPosition+1, err)
		}
	}

	now := e.now()
	decide(step, entity.OutcomeApproved, approverID, comment, now)

	trigger := wf.TriggerAdvance
	if isLast {
		trigger = wf.TriggerFinalApprove
	}
	if err := machine.Fire(ctx, trigger); err != nil {
		return nil, fmt.Errorf("instance %d step %d: %w", instanceID, stepPosition, err)
	}
	instance.Status = machine.State().String()

	err = e.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := e.steps.Update(txCtx, step); err != nil {
			return fmt.Errorf("update step: %w", err)
		}
		if !isLast {
			if err := e.activateStep(txCtx, instance, stepPosition+1, nextApprover, tmpl, now); err != nil {
				return err
			}
		}
		instance.UpdatedAt = now
		if err := e.instances.UpdateCAS(txCtx, instance, expectedVersion); err != nil {
			return fmt.Errorf("instance %d step %d: %w", instanceID, stepPosition, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Step approved",
		zap.Int64("instance_id", instanceID),
		zap.Int("step_position", stepPosition),
		zap.String("approver_id", approverID),
		zap.Bool("final", isLast))

	e.emitDecided(ctx, instance, step)
	if isLast {
		e.emit(ctx, event.NewEvent(event.TypeInstanceApproved, instance.ID, instance.RequestID, nil))
	} else {
		e.emitStepAssigned(ctx, instance, stepPosition+1, nextApprover)
	}

	return instance, nil
}

// Reject marks the active step REJECTED. With resubmission disabled the
// instance terminates immediately and later steps stay PENDING for audit.
// With resubmission enabled the same instance resets to step 0 with a fresh
// execution cycle and an incremented resubmission counter.
func (e *Engine) Reject(ctx context.Context, instanceID int64, stepPosition int, approverID, comment string, expectedVersion int64) (*entity.RequestWorkflowInstance, error) {
	instance, step, err := e.decidableStep(ctx, instanceID, stepPosition)
	if err != nil {
		return nil, err
	}

	tmpl, err := e.loadTemplate(ctx, instance)
	if err != nil {
		return nil, err
	}

	machine := wf.BuildInstanceStateMachine(wf.State(instance.Status))
	now := e.now()
	decide(step, entity.OutcomeRejected, approverID, comment, now)

	if !tmpl.AllowResubmission {
		if err := machine.Fire(ctx, wf.TriggerReject); err != nil {
			return nil, fmt.Errorf("instance %d step %d: %w", instanceID, stepPosition, err)
		}
		instance.Status = machine.State().String()

		err = e.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
			if err := e.steps.Update(txCtx, step); err != nil {
				return fmt.Errorf("update step: %w", err)
			}
			// Remaining steps stay PENDING; marking them SKIPPED would
			// falsify the audit trail.
			instance.UpdatedAt = now
			if err := e.instances.UpdateCAS(txCtx, instance, expectedVersion); err != nil {
				return fmt.Errorf("instance %d step %d: %w", instanceID, stepPosition, err)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

		e.logger.Info("Instance rejected",
			zap.Int64("instance_id", instanceID),
			zap.Int("step_position", stepPosition),
			zap.String("approver_id", approverID))

		e.emitDecided(ctx, instance, step)
		e.emit(ctx, event.NewEvent(event.TypeInstanceRejected, instance.ID, instance.RequestID, map[string]interface{}{
			"step_position": stepPosition,
			"comment":       comment,
		}))

		return instance, nil
	}

	// Resubmission path: same instance id, fresh execution cycle
	firstApprover, err := e.resolveApprover(ctx, instance.CompanyID, instance.RequestID, tmpl.Steps[0])
	if err != nil {
		return nil, fmt.Errorf("instance %d: resolve approver for resubmission: %w", instanceID, err)
	}

	if err := machine.Fire(ctx, wf.TriggerResubmit); err != nil {
		return nil, fmt.Errorf("instance %d step %d: %w", instanceID, stepPosition, err)
	}

	newCycle := instance.ResubmissionCount + 1
	err = e.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := e.steps.Update(txCtx, step); err != nil {
			return fmt.Errorf("update step: %w", err)
		}
		executions := e.buildExecutions(instance.ID, newCycle, tmpl, firstApprover, now)
		if err := e.steps.CreateBatch(txCtx, executions); err != nil {
			return fmt.Errorf("create resubmission cycle: %w", err)
		}
		instance.ResubmissionCount = newCycle
		instance.CurrentPosition = 0
		instance.UpdatedAt = now
		if err := e.instances.UpdateCAS(txCtx, instance, expectedVersion); err != nil {
			return fmt.Errorf("instance %d step %d: %w", instanceID, stepPosition, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Instance reset for resubmission",
		zap.Int64("instance_id", instanceID),
		zap.Int("step_position", stepPosition),
		zap.Int("resubmission_count", newCycle))

	e.emitDecided(ctx, instance, step)
	e.emit(ctx, event.NewEvent(event.TypeInstanceResubmitted, instance.ID, instance.RequestID, map[string]interface{}{
		"step_position":      stepPosition,
		"resubmission_count": newCycle,
		"comment":            comment,
	}))
	e.emitStepAssigned(ctx, instance, 0, firstApprover)

	return instance, nil
}

// Escalate applies the active step's escalation policy. It is
// system-triggered (from the deadline scheduler), never by an approver, and
// recovers from version conflicts internally with a bounded retry before
// surfacing. Escalating a step that is no longer active is a no-op, which
// makes concurrent scheduler replicas safe without mutual exclusion.
func (e *Engine) Escalate(ctx context.Context, instanceID int64, stepPosition int) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = e.escalateOnce(ctx, instanceID, stepPosition)
		if err == nil || !errors.Is(err, wf.ErrConcurrentModification) || attempt >= e.casRetries {
			return err
		}
		e.logger.Warn("Escalation hit a version conflict, retrying",
			zap.Int64("instance_id", instanceID),
			zap.Int("step_position", stepPosition),
			zap.Int("attempt", attempt+1))
	}
}

func (e *Engine) escalateOnce(ctx context.Context, instanceID int64, stepPosition int) error {
	instance, err := e.loadInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if instance.IsTerminal() || instance.CurrentPosition != stepPosition {
		// Already decided or escalated elsewhere
		return nil
	}

	step, err := e.steps.Get(ctx, instanceID, instance.Cycle(), stepPosition)
	if err != nil {
		return fmt.Errorf("instance %d step %d: %w", instanceID, stepPosition, err)
	}
	if step == nil || step.IsDecided() {
		return nil
	}

	tmpl, err := e.loadTemplate(ctx, instance)
	if err != nil {
		return err
	}
	def := tmpl.StepAt(stepPosition)
	if def == nil {
		return fmt.Errorf("instance %d step %d: no definition in template %d", instanceID, stepPosition, tmpl.ID)
	}

	switch def.Escalation {
	case entity.EscalationNone, "":
		return nil

	case entity.EscalationNotifyOnly:
		e.emit(ctx, event.NewEvent(event.TypeStepReminder, instance.ID, instance.RequestID, map[string]interface{}{
			"step_position": stepPosition,
			"approver_id":   step.ApproverID,
		}))
		return nil

	case entity.EscalationAutoSkip:
		return e.escalateSkip(ctx, instance, step, tmpl)

	case entity.EscalationAutoReject:
		return e.escalateReject(ctx, instance, step)

	default:
		return fmt.Errorf("instance %d step %d: unknown escalation policy %q", instanceID, stepPosition, def.Escalation)
	}
}

// escalateSkip marks the step SKIPPED and advances exactly like an approval,
// but without recording an approver decision.
func (e *Engine) escalateSkip(ctx context.Context, instance *entity.RequestWorkflowInstance, step *entity.StepExecution, tmpl *entity.ApprovalFlowTemplate) error {
	machine := wf.BuildInstanceStateMachine(wf.State(instance.Status))
	isLast := step.Position == len(tmpl.Steps)-1

	var nextApprover string
	if !isLast {
		var err error
		nextDef := tmpl.StepAt(step.Position + 1)
		nextApprover, err = e.resolveApprover(ctx, instance.CompanyID, instance.RequestID, *nextDef)
		if err != nil {
			return fmt.Errorf("instance %d step %d: resolve next approver: %w", instance.ID, step.Position+1, err)
		}
	}

	now := e.now()
	decide(step, entity.OutcomeSkipped, "", "deadline elapsed", now)

	trigger := wf.TriggerAdvance
	if isLast {
		trigger = wf.TriggerFinalApprove
	}
	if err := machine.Fire(ctx, trigger); err != nil {
		return fmt.Errorf("instance %d step %d: %w", instance.ID, step.Position, err)
	}
	instance.Status = machine.State().String()

	err := e.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := e.steps.Update(txCtx, step); err != nil {
			return fmt.Errorf("update step: %w", err)
		}
		if !isLast {
			if err := e.activateStep(txCtx, instance, step.Position+1, nextApprover, tmpl, now); err != nil {
				return err
			}
		}
		instance.UpdatedAt = now
		if err := e.instances.UpdateCAS(txCtx, instance, instance.Version); err != nil {
			return fmt.Errorf("instance %d step %d: %w", instance.ID, step.Position, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.logger.Info("Step auto-skipped after deadline",
		zap.Int64("instance_id", instance.ID),
		zap.Int("step_position", step.Position),
		zap.Bool("final", isLast))

	e.emitEscalated(ctx, instance, step)
	if isLast {
		e.emit(ctx, event.NewEvent(event.TypeInstanceApproved, instance.ID, instance.RequestID, nil))
	} else {
		e.emitStepAssigned(ctx, instance, step.Position+1, nextApprover)
	}

	return nil
}

// escalateReject terminates the instance. Auto-reject escalation is terminal
// even when the template allows resubmission-on-reject: nobody is left to
// resubmit a chain that timed out.
func (e *Engine) escalateReject(ctx context.Context, instance *entity.RequestWorkflowInstance, step *entity.StepExecution) error {
	machine := wf.BuildInstanceStateMachine(wf.State(instance.Status))

	now := e.now()
	decide(step, entity.OutcomeRejected, "", "deadline elapsed", now)

	if err := machine.Fire(ctx, wf.TriggerReject); err != nil {
		return fmt.Errorf("instance %d step %d: %w", instance.ID, step.Position, err)
	}
	instance.Status = machine.State().String()

	err := e.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := e.steps.Update(txCtx, step); err != nil {
			return fmt.Errorf("update step: %w", err)
		}
		instance.UpdatedAt = now
		if err := e.instances.UpdateCAS(txCtx, instance, instance.Version); err != nil {
			return fmt.Errorf("instance %d step %d: %w", instance.ID, step.Position, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.logger.Info("Instance auto-rejected after deadline",
		zap.Int64("instance_id", instance.ID),
		zap.Int("step_position", step.Position))

	e.emitEscalated(ctx, instance, step)
	e.emit(ctx, event.NewEvent(event.TypeInstanceRejected, instance.ID, instance.RequestID, map[string]interface{}{
		"step_position": step.Position,
		"escalated":     true,
	}))

	return nil
}

// Cancel is the administrative override: RUNNING goes to CANCELLED and all
// PENDING steps are left untouched for audit. Cancelling a finished
// instance fails with ErrAlreadyTerminal.
func (e *Engine) Cancel(ctx context.Context, instanceID int64, reason string) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = e.cancelOnce(ctx, instanceID, reason)
		if err == nil || !errors.Is(err, wf.ErrConcurrentModification) || attempt >= e.casRetries {
			return err
		}
	}
}

func (e *Engine) cancelOnce(ctx context.Context, instanceID int64, reason string) error {
	instance, err := e.loadInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if instance.IsTerminal() {
		return fmt.Errorf("instance %d: %w", instanceID, wf.ErrAlreadyTerminal)
	}

	machine := wf.BuildInstanceStateMachine(wf.State(instance.Status))
	if err := machine.Fire(ctx, wf.TriggerCancel); err != nil {
		return fmt.Errorf("instance %d: %w", instanceID, err)
	}
	instance.Status = machine.State().String()

	now := e.now()
	err = e.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		instance.UpdatedAt = now
		if err := e.instances.UpdateCAS(txCtx, instance, instance.Version); err != nil {
			return fmt.Errorf("instance %d: %w", instanceID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.logger.Info("Instance cancelled",
		zap.Int64("instance_id", instanceID),
		zap.String("reason", reason))

	e.emit(ctx, event.NewEvent(event.TypeInstanceCancelled, instance.ID, instance.RequestID, map[string]interface{}{
		"reason": reason,
	}))

	return nil
}

// decidableStep validates that the addressed step can still receive a
// decision. Decided steps surface ErrStepAlreadyDecided before any terminal
// or position check so duplicate retries get a stable answer.
func (e *Engine) decidableStep(ctx context.Context, instanceID int64, stepPosition int) (*entity.RequestWorkflowInstance, *entity.StepExecution, error) {
	instance, err := e.loadInstance(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}

	step, err := e.steps.Get(ctx, instanceID, instance.Cycle(), stepPosition)
	if err != nil {
		return nil, nil, fmt.Errorf("instance %d step %d: %w", instanceID, stepPosition, err)
	}
	if step == nil {
		return nil, nil, fmt.Errorf("instance %d step %d: %w", instanceID, stepPosition, wf.ErrStepNotActive)
	}
	if step.IsDecided() {
		return nil, nil, fmt.Errorf("instance %d step %d: %w", instanceID, stepPosition, wf.ErrStepAlreadyDecided)
	}
	if instance.IsTerminal() {
		return nil, nil, fmt.Errorf("instance %d step %d: %w", instanceID, stepPosition, wf.ErrAlreadyTerminal)
	}
	if stepPosition != instance.CurrentPosition {
		return nil, nil, fmt.Errorf("instance %d step %d: active step is %d: %w", instanceID, stepPosition, instance.CurrentPosition, wf.ErrStepNotActive)
	}

	return instance, step, nil
}

// activateStep advances the instance pointer and arms the next step's
// deadline relative to its activation time.
func (e *Engine) activateStep(txCtx context.Context, instance *entity.RequestWorkflowInstance, position int, approverID string, tmpl *entity.ApprovalFlowTemplate, now time.Time) error {
	next, err := e.steps.Get(txCtx, instance.ID, instance.Cycle(), position)
	if err != nil {
		return fmt.Errorf("load step %d: %w", position, err)
	}
	if next == nil {
		return fmt.Errorf("instance %d has no execution at position %d", instance.ID, position)
	}

	def := tmpl.StepAt(position)
	deadline := now.Add(def.Deadline)
	next.ApproverID = approverID
	next.DeadlineAt = &deadline
	next.UpdatedAt = now

	if err := e.steps.Update(txCtx, next); err != nil {
		return fmt.Errorf("activate step %d: %w", position, err)
	}

	instance.CurrentPosition = position
	return nil
}

func (e *Engine) loadTemplate(ctx context.Context, instance *entity.RequestWorkflowInstance) (*entity.ApprovalFlowTemplate, error) {
	tmpl, err := e.templates.GetByID(ctx, instance.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("instance %d: load template %d: %w", instance.ID, instance.TemplateID, err)
	}
	if tmpl == nil {
		return nil, fmt.Errorf("instance %d: template %d not found", instance.ID, instance.TemplateID)
	}
	return tmpl, nil
}

func (e *Engine) emitDecided(ctx context.Context, instance *entity.RequestWorkflowInstance, step *entity.StepExecution) {
	e.emit(ctx, event.NewEvent(event.TypeStepDecided, instance.ID, instance.RequestID, map[string]interface{}{
		"step_position": step.Position,
		"outcome":       step.Outcome,
		"approver_id":   step.ApproverID,
	}))
}

func (e *Engine) emitEscalated(ctx context.Context, instance *entity.RequestWorkflowInstance, step *entity.StepExecution) {
	e.emit(ctx, event.NewEvent(event.TypeStepEscalated, instance.ID, instance.RequestID, map[string]interface{}{
		"step_position": step.Position,
		"outcome":       step.Outcome,
	}))
}

func decide(step *entity.StepExecution, outcome, approverID, comment string, now time.Time) {
	step.Outcome = outcome
	if approverID != "" {
		step.ApproverID = approverID
	}
	step.Comment = comment
	step.DecidedAt = &now
	step.UpdatedAt = now
}
