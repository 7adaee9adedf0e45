package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/buildpm/approval-engine/internal/application/port"
	"github.com/buildpm/approval-engine/internal/domain/entity"
)

// StepRepository implements port.StepRepository
type StepRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewStepRepository creates a new step execution repository
func NewStepRepository(db *sql.DB, logger *zap.Logger) port.StepRepository {
	return &StepRepository{
		db:     db,
		logger: logger,
	}
}

const stepColumns = `
	id, instance_id, cycle, position, approver_id, outcome,
	comment, decided_at, deadline_at, reminder_count,
	created_at, updated_at
`

// CreateBatch inserts one cycle's step executions
func (r *StepRepository) CreateBatch(ctx context.Context, steps []*entity.StepExecution) error {
	query := `
		INSERT INTO step_executions (
			instance_id, cycle, position, approver_id, outcome,
			comment, decided_at, deadline_at, reminder_count,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	exec := executorFor(ctx, r.db)
	for _, step := range steps {
		result, err := exec.ExecContext(ctx, query,
			step.InstanceID,
			step.Cycle,
			step.Position,
			step.ApproverID,
			step.Outcome,
			step.Comment,
			step.DecidedAt,
			step.DeadlineAt,
			step.ReminderCount,
			step.CreatedAt,
			step.UpdatedAt,
		)
		if err != nil {
			r.logger.Error("Failed to create step execution",
				zap.Int64("instance_id", step.InstanceID),
				zap.Int("position", step.Position),
				zap.Error(err))
			return fmt.Errorf("failed to create step execution at position %d: %w", step.Position, err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get last insert id: %w", err)
		}
		step.ID = id
	}

	return nil
}

// GetByInstance returns one cycle's executions ordered by position
func (r *StepRepository) GetByInstance(ctx context.Context, instanceID int64, cycle int) ([]*entity.StepExecution, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM step_executions
		WHERE instance_id = ? AND cycle = ?
		ORDER BY position ASC
	`
	return r.queryMany(ctx, query, instanceID, cycle)
}

// GetAllCycles returns every execution across cycles ordered by
// (cycle, position)
func (r *StepRepository) GetAllCycles(ctx context.Context, instanceID int64) ([]*entity.StepExecution, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM step_executions
		WHERE instance_id = ?
		ORDER BY cycle ASC, position ASC
	`
	return r.queryMany(ctx, query, instanceID)
}

// Get returns a single execution, or (nil, nil) when absent
func (r *StepRepository) Get(ctx context.Context, instanceID int64, cycle, position int) (*entity.StepExecution, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM step_executions
		WHERE instance_id = ? AND cycle = ? AND position = ?
	`

	step, err := scanStep(executorFor(ctx, r.db).QueryRowContext(ctx, query, instanceID, cycle, position))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get step execution",
			zap.Int64("instance_id", instanceID),
			zap.Int("position", position),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get step execution: %w", err)
	}
	return step, nil
}

// Update writes a step execution's mutable fields
func (r *StepRepository) Update(ctx context.Context, step *entity.StepExecution) error {
	query := `
		UPDATE step_executions
		SET approver_id = ?, outcome = ?, comment = ?,
			decided_at = ?, deadline_at = ?, reminder_count = ?, updated_at = ?
		WHERE id = ?
	`

	_, err := executorFor(ctx, r.db).ExecContext(ctx, query,
		step.ApproverID,
		step.Outcome,
		step.Comment,
		step.DecidedAt,
		step.DeadlineAt,
		step.ReminderCount,
		step.UpdatedAt,
		step.ID,
	)
	if err != nil {
		r.logger.Error("Failed to update step execution", zap.Int64("id", step.ID), zap.Error(err))
		return fmt.Errorf("failed to update step execution: %w", err)
	}

	return nil
}

// IncrementReminder bumps the reminder counter in place. This is not a
// state transition, so it does not touch the instance version.
func (r *StepRepository) IncrementReminder(ctx context.Context, id int64) error {
	query := `
		UPDATE step_executions
		SET reminder_count = reminder_count + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`

	_, err := executorFor(ctx, r.db).ExecContext(ctx, query, id)
	if err != nil {
		r.logger.Error("Failed to increment reminder count", zap.Int64("id", id), zap.Error(err))
		return fmt.Errorf("failed to increment reminder count: %w", err)
	}

	return nil
}

func (r *StepRepository) queryMany(ctx context.Context, query string, args ...interface{}) ([]*entity.StepExecution, error) {
	rows, err := executorFor(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to query step executions", zap.Error(err))
		return nil, fmt.Errorf("failed to query step executions: %w", err)
	}
	defer rows.Close()

	var steps []*entity.StepExecution
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step execution: %w", err)
		}
		steps = append(steps, step)
	}

	return steps, rows.Err()
}

func scanStep(row rowScanner) (*entity.StepExecution, error) {
	var step entity.StepExecution
	var decidedAt, deadlineAt sql.NullTime

	err := row.Scan(
		&step.ID,
		&step.InstanceID,
		&step.Cycle,
		&step.Position,
		&step.ApproverID,
		&step.Outcome,
		&step.Comment,
		&decidedAt,
		&deadlineAt,
		&step.ReminderCount,
		&step.CreatedAt,
		&step.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if decidedAt.Valid {
		step.DecidedAt = &decidedAt.Time
	}
	if deadlineAt.Valid {
		step.DeadlineAt = &deadlineAt.Time
	}

	return &step, nil
}

// Verify interface compliance
var _ port.StepRepository = (*StepRepository)(nil)
