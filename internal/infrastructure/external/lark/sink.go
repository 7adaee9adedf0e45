package lark

import (
	"context"
	"encoding/json"
	"fmt"

	larkIm "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"go.uber.org/zap"

	"github.com/buildpm/approval-engine/internal/application/port"
	"github.com/buildpm/approval-engine/internal/domain/event"
)

// Sink sends notification intents as Lark direct messages. Recipient ids
// are Lark open ids of the approver or requester.
type Sink struct {
	client *Client
	logger *zap.Logger
}

// NewSink creates a Lark-backed notification sink
func NewSink(client *Client, logger *zap.Logger) *Sink {
	return &Sink{
		client: client,
		logger: logger,
	}
}

func (s *Sink) Send(ctx context.Context, intent *event.NotificationIntent) error {
	content, err := json.Marshal(map[string]string{
		"text": messageText(intent),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message content: %w", err)
	}

	req := larkIm.NewCreateMessageReqBuilder().
		ReceiveIdType("open_id").
		Body(larkIm.NewCreateMessageReqBodyBuilder().
			ReceiveId(intent.RecipientID).
			MsgType("text").
			Content(string(content)).
			Build()).
		Build()

	resp, err := s.client.GetClient().Im.Message.Create(ctx, req)
	if err != nil {
		s.logger.Error("Failed to send message",
			zap.String("receive_id", intent.RecipientID),
			zap.Error(err))
		return fmt.Errorf("failed to send message: %w", err)
	}

	if !resp.Success() {
		s.logger.Error("API returned failure",
			zap.String("receive_id", intent.RecipientID),
			zap.Int("code", resp.Code),
			zap.String("msg", resp.Msg))
		return fmt.Errorf("API error: code=%d, msg=%s", resp.Code, resp.Msg)
	}

	messageID := ""
	if resp.Data != nil && resp.Data.MessageId != nil {
		messageID = *resp.Data.MessageId
	}
	s.logger.Info("Message sent successfully",
		zap.String("message_id", messageID),
		zap.String("receive_id", intent.RecipientID))

	return nil
}

func messageText(intent *event.NotificationIntent) string {
	switch intent.Kind {
	case event.IntentStepAssigned:
		return fmt.Sprintf("Request %s is waiting for your approval (step %d).",
			intent.RequestID, intent.StepPosition+1)
	case event.IntentReminder:
		return fmt.Sprintf("Reminder: request %s is still waiting for your approval (step %d).",
			intent.RequestID, intent.StepPosition+1)
	case event.IntentApprovedFinal:
		return fmt.Sprintf("Request %s has been fully approved.", intent.RequestID)
	case event.IntentRejected:
		return fmt.Sprintf("Request %s was rejected at step %d.",
			intent.RequestID, intent.StepPosition+1)
	case event.IntentEscalated:
		return fmt.Sprintf("Request %s was escalated at step %d after the approval deadline passed.",
			intent.RequestID, intent.StepPosition+1)
	default:
		return fmt.Sprintf("Update on request %s.", intent.RequestID)
	}
}

// Verify interface compliance
var _ port.NotificationSink = (*Sink)(nil)
