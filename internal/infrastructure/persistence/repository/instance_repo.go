package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/buildpm/approval-engine/internal/application/port"
	"github.com/buildpm/approval-engine/internal/domain/entity"
	wf "github.com/buildpm/approval-engine/internal/domain/workflow"
)

// InstanceRepository implements port.InstanceRepository
type InstanceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewInstanceRepository creates a new instance repository
func NewInstanceRepository(db *sql.DB, logger *zap.Logger) port.InstanceRepository {
	return &InstanceRepository{
		db:     db,
		logger: logger,
	}
}

const instanceColumns = `
	id, request_id, company_id, template_id, template_version,
	current_position, status, resubmission_count, version,
	created_at, updated_at
`

// Create inserts a new workflow instance. The partial unique index on
// (request_id) WHERE status = 'RUNNING' backs the at-most-one-active-
// instance rule at the storage level.
func (r *InstanceRepository) Create(ctx context.Context, instance *entity.RequestWorkflowInstance) error {
	query := `
		INSERT INTO workflow_instances (
			request_id, company_id, template_id, template_version,
			current_position, status, resubmission_count, version,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := executorFor(ctx, r.db).ExecContext(ctx, query,
		instance.RequestID,
		instance.CompanyID,
		instance.TemplateID,
		instance.TemplateVersion,
		instance.CurrentPosition,
		instance.Status,
		instance.ResubmissionCount,
		instance.Version,
		instance.CreatedAt,
		instance.UpdatedAt,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("request %s: %w", instance.RequestID, wf.ErrAlreadyActive)
		}
		r.logger.Error("Failed to create instance", zap.String("request_id", instance.RequestID), zap.Error(err))
		return fmt.Errorf("failed to create instance: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	instance.ID = id
	return nil
}

// GetByID retrieves a workflow instance by ID
func (r *InstanceRepository) GetByID(ctx context.Context, id int64) (*entity.RequestWorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE id = ?`

	instance, err := scanInstance(executorFor(ctx, r.db).QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get instance by ID", zap.Int64("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return instance, nil
}

// GetActiveByRequestID retrieves the RUNNING instance for a request, if any
func (r *InstanceRepository) GetActiveByRequestID(ctx context.Context, requestID string) (*entity.RequestWorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE request_id = ? AND status = 'RUNNING'`

	instance, err := scanInstance(executorFor(ctx, r.db).QueryRowContext(ctx, query, requestID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get active instance", zap.String("request_id", requestID), zap.Error(err))
		return nil, fmt.Errorf("failed to get active instance: %w", err)
	}
	return instance, nil
}

// UpdateCAS writes the instance guarded by expectedVersion. The WHERE clause
// on (id, version) is the compare-and-swap: zero affected rows means another
// writer got there first. On success the in-memory Version is advanced to
// the stored value.
func (r *InstanceRepository) UpdateCAS(ctx context.Context, instance *entity.RequestWorkflowInstance, expectedVersion int64) error {
	query := `
		UPDATE workflow_instances
		SET current_position = ?, status = ?, resubmission_count = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`

	result, err := executorFor(ctx, r.db).ExecContext(ctx, query,
		instance.CurrentPosition,
		instance.Status,
		instance.ResubmissionCount,
		instance.UpdatedAt,
		instance.ID,
		expectedVersion,
	)
	if err != nil {
		r.logger.Error("Failed to update instance", zap.Int64("id", instance.ID), zap.Error(err))
		return fmt.Errorf("failed to update instance: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("instance %d version %d: %w", instance.ID, expectedVersion, wf.ErrConcurrentModification)
	}

	instance.Version = expectedVersion + 1
	return nil
}

// ListRunningDueBefore returns RUNNING instances whose active step deadline
// is at or before the cutoff, ordered by deadline. The deadline index on
// step_executions keeps the sweep cheap.
func (r *InstanceRepository) ListRunningDueBefore(ctx context.Context, cutoff time.Time, limit int) ([]*entity.RequestWorkflowInstance, error) {
	query := `
		SELECT ` + qualifyInstanceColumns("i") + `
		FROM workflow_instances i
		JOIN step_executions s
			ON s.instance_id = i.id
			AND s.cycle = i.resubmission_count
			AND s.position = i.current_position
		WHERE i.status = 'RUNNING'
			AND s.outcome = 'PENDING'
			AND s.deadline_at IS NOT NULL
			AND s.deadline_at <= ?
		ORDER BY s.deadline_at ASC
		LIMIT ?
	`

	rows, err := executorFor(ctx, r.db).QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		r.logger.Error("Failed to list due instances", zap.Error(err))
		return nil, fmt.Errorf("failed to list due instances: %w", err)
	}
	defer rows.Close()

	var instances []*entity.RequestWorkflowInstance
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, instance)
	}

	return instances, rows.Err()
}

func qualifyInstanceColumns(alias string) string {
	return alias + `.id, ` + alias + `.request_id, ` + alias + `.company_id, ` +
		alias + `.template_id, ` + alias + `.template_version, ` +
		alias + `.current_position, ` + alias + `.status, ` +
		alias + `.resubmission_count, ` + alias + `.version, ` +
		alias + `.created_at, ` + alias + `.updated_at`
}

func scanInstance(row rowScanner) (*entity.RequestWorkflowInstance, error) {
	var instance entity.RequestWorkflowInstance
	err := row.Scan(
		&instance.ID,
		&instance.RequestID,
		&instance.CompanyID,
		&instance.TemplateID,
		&instance.TemplateVersion,
		&instance.CurrentPosition,
		&instance.Status,
		&instance.ResubmissionCount,
		&instance.Version,
		&instance.CreatedAt,
		&instance.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &instance, nil
}

// Verify interface compliance
var _ port.InstanceRepository = (*InstanceRepository)(nil)
