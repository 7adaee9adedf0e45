package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/buildpm/approval-engine/internal/application/port"
	"github.com/buildpm/approval-engine/internal/domain/event"
)

// LogSink writes notification intents to the structured log instead of an
// external channel. Used in development and as the fallback notifier mode.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log-backed notification sink
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Send(_ context.Context, intent *event.NotificationIntent) error {
	s.logger.Info("Notification intent",
		zap.String("kind", intent.Kind.String()),
		zap.String("recipient_id", intent.RecipientID),
		zap.Int64("instance_id", intent.InstanceID),
		zap.String("request_id", intent.RequestID),
		zap.Int("step_position", intent.StepPosition))
	return nil
}

// Verify interface compliance
var _ port.NotificationSink = (*LogSink)(nil)
