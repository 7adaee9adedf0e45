// Package notify bridges domain events to the external notification
// dispatcher. Delivery is best-effort: failures are logged and recorded,
// never propagated back into the workflow engine.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/buildpm/approval-engine/internal/application/dispatcher"
	"github.com/buildpm/approval-engine/internal/application/port"
	"github.com/buildpm/approval-engine/internal/domain/entity"
	"github.com/buildpm/approval-engine/internal/domain/event"
)

// Bridge subscribes to workflow events and turns them into notification
// intents addressed to approvers and requesters.
type Bridge struct {
	sink      port.NotificationSink
	directory port.IdentityDirectory
	logs      port.NotificationLogRepository
	logger    *zap.Logger
}

// NewBridge creates a notification bridge. The log repository may be nil,
// in which case delivery attempts are not persisted.
func NewBridge(
	sink port.NotificationSink,
	directory port.IdentityDirectory,
	logs port.NotificationLogRepository,
	logger *zap.Logger,
) *Bridge {
	return &Bridge{
		sink:      sink,
		directory: directory,
		logs:      logs,
		logger:    logger,
	}
}

// Register wires the bridge's handlers into the event dispatcher
func (b *Bridge) Register(d dispatcher.Dispatcher) {
	d.SubscribeNamed(event.TypeStepActivated, "notify.step_assigned", b.onStepActivated)
	d.SubscribeNamed(event.TypeStepReminder, "notify.reminder", b.onStepReminder)
	d.SubscribeNamed(event.TypeStepEscalated, "notify.escalated", b.onStepEscalated)
	d.SubscribeNamed(event.TypeInstanceApproved, "notify.approved", b.onInstanceApproved)
	d.SubscribeNamed(event.TypeInstanceRejected, "notify.rejected", b.onInstanceRejected)
	d.SubscribeNamed(event.TypeInstanceResubmitted, "notify.resubmitted", b.onInstanceResubmitted)
}

func (b *Bridge) onStepActivated(ctx context.Context, evt *event.Event) error {
	b.deliver(ctx, &event.NotificationIntent{
		RecipientID:  evt.GetPayloadString("approver_id"),
		Kind:         event.IntentStepAssigned,
		InstanceID:   evt.InstanceID,
		RequestID:    evt.RequestID,
		StepPosition: int(evt.GetPayloadInt("step_position")),
		Payload:      evt.Payload,
	})
	return nil
}

func (b *Bridge) onStepReminder(ctx context.Context, evt *event.Event) error {
	b.deliver(ctx, &event.NotificationIntent{
		RecipientID:  evt.GetPayloadString("approver_id"),
		Kind:         event.IntentReminder,
		InstanceID:   evt.InstanceID,
		RequestID:    evt.RequestID,
		StepPosition: int(evt.GetPayloadInt("step_position")),
		Payload:      evt.Payload,
	})
	return nil
}

func (b *Bridge) onStepEscalated(ctx context.Context, evt *event.Event) error {
	b.deliverToRequester(ctx, evt, event.IntentEscalated)
	return nil
}

func (b *Bridge) onInstanceApproved(ctx context.Context, evt *event.Event) error {
	b.deliverToRequester(ctx, evt, event.IntentApprovedFinal)
	return nil
}

func (b *Bridge) onInstanceRejected(ctx context.Context, evt *event.Event) error {
	b.deliverToRequester(ctx, evt, event.IntentRejected)
	return nil
}

// Resubmission means the step rejection did not terminate the instance;
// the requester still gets a rejection notice telling them to revise.
func (b *Bridge) onInstanceResubmitted(ctx context.Context, evt *event.Event) error {
	b.deliverToRequester(ctx, evt, event.IntentRejected)
	return nil
}

func (b *Bridge) deliverToRequester(ctx context.Context, evt *event.Event, kind event.IntentKind) {
	requester, err := b.directory.RequesterOf(ctx, evt.RequestID)
	if err != nil {
		b.logger.Warn("Failed to resolve requester for notification",
			zap.String("request_id", evt.RequestID),
			zap.String("kind", kind.String()),
			zap.Error(err))
		return
	}

	b.deliver(ctx, &event.NotificationIntent{
		RecipientID:  requester,
		Kind:         kind,
		InstanceID:   evt.InstanceID,
		RequestID:    evt.RequestID,
		StepPosition: int(evt.GetPayloadInt("step_position")),
		Payload:      evt.Payload,
	})
}

func (b *Bridge) deliver(ctx context.Context, intent *event.NotificationIntent) {
	if intent.RecipientID == "" {
		b.logger.Warn("Dropping notification without recipient",
			zap.Int64("instance_id", intent.InstanceID),
			zap.String("kind", intent.Kind.String()))
		return
	}

	err := b.sink.Send(ctx, intent)
	if err != nil {
		b.logger.Warn("Notification delivery failed",
			zap.Int64("instance_id", intent.InstanceID),
			zap.String("recipient_id", intent.RecipientID),
			zap.String("kind", intent.Kind.String()),
			zap.Error(err))
	}

	b.record(ctx, intent, err)
}

func (b *Bridge) record(ctx context.Context, intent *event.NotificationIntent, sendErr error) {
	if b.logs == nil {
		return
	}

	payload, _ := json.Marshal(intent.Payload)

	record := &entity.NotificationRecord{
		InstanceID:  intent.InstanceID,
		RecipientID: intent.RecipientID,
		Kind:        intent.Kind.String(),
		Payload:     string(payload),
		Status:      entity.NotificationStatusSent,
		CreatedAt:   time.Now(),
	}
	if sendErr != nil {
		record.Status = entity.NotificationStatusFailed
		record.Error = sendErr.Error()
	}

	if err := b.logs.Create(ctx, record); err != nil {
		b.logger.Warn("Failed to persist notification record",
			zap.Int64("instance_id", intent.InstanceID),
			zap.Error(err))
	}
}
