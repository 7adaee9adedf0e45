package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/buildpm/approval-engine/internal/application/port"
	"github.com/buildpm/approval-engine/internal/domain/entity"
)

// NotificationLogRepository implements port.NotificationLogRepository
type NotificationLogRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewNotificationLogRepository creates a new notification log repository
func NewNotificationLogRepository(db *sql.DB, logger *zap.Logger) port.NotificationLogRepository {
	return &NotificationLogRepository{
		db:     db,
		logger: logger,
	}
}

// Create appends a delivery attempt to the audit log
func (r *NotificationLogRepository) Create(ctx context.Context, record *entity.NotificationRecord) error {
	query := `
		INSERT INTO notification_log (
			instance_id, recipient_id, kind, payload, status, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := executorFor(ctx, r.db).ExecContext(ctx, query,
		record.InstanceID,
		record.RecipientID,
		record.Kind,
		record.Payload,
		record.Status,
		record.Error,
		record.CreatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create notification record",
			zap.Int64("instance_id", record.InstanceID),
			zap.String("kind", record.Kind),
			zap.Error(err))
		return fmt.Errorf("failed to create notification record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	record.ID = id

	return nil
}

// GetByInstanceID returns all delivery attempts for an instance
func (r *NotificationLogRepository) GetByInstanceID(ctx context.Context, instanceID int64) ([]*entity.NotificationRecord, error) {
	query := `
		SELECT id, instance_id, recipient_id, kind, payload, status, error, created_at
		FROM notification_log
		WHERE instance_id = ?
		ORDER BY created_at ASC, id ASC
	`

	rows, err := executorFor(ctx, r.db).QueryContext(ctx, query, instanceID)
	if err != nil {
		r.logger.Error("Failed to query notification records",
			zap.Int64("instance_id", instanceID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to query notification records: %w", err)
	}
	defer rows.Close()

	var records []*entity.NotificationRecord
	for rows.Next() {
		var record entity.NotificationRecord
		err := rows.Scan(
			&record.ID,
			&record.InstanceID,
			&record.RecipientID,
			&record.Kind,
			&record.Payload,
			&record.Status,
			&record.Error,
			&record.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification record: %w", err)
		}
		records = append(records, &record)
	}

	return records, rows.Err()
}

// Verify interface compliance
var _ port.NotificationLogRepository = (*NotificationLogRepository)(nil)
