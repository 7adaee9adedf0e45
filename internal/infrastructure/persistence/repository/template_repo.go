package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/buildpm/approval-engine/internal/application/port"
	"github.com/buildpm/approval-engine/internal/domain/entity"
)

// TemplateRepository implements port.TemplateRepository. Step definitions
// are stored as a JSON column: templates are immutable once referenced, so
// there is nothing to query inside the document.
type TemplateRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTemplateRepository creates a new template repository
func NewTemplateRepository(db *sql.DB, logger *zap.Logger) port.TemplateRepository {
	return &TemplateRepository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a new template version
func (r *TemplateRepository) Create(ctx context.Context, tmpl *entity.ApprovalFlowTemplate) error {
	stepsJSON, err := json.Marshal(tmpl.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal step definitions: %w", err)
	}

	query := `
		INSERT INTO approval_flow_templates (
			company_id, category, request_type, version,
			min_amount_cents, max_amount_cents, allow_resubmission,
			step_definitions, active, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := executorFor(ctx, r.db).ExecContext(ctx, query,
		tmpl.CompanyID,
		tmpl.Category,
		tmpl.RequestType,
		tmpl.Version,
		tmpl.MinAmountCents,
		tmpl.MaxAmountCents,
		tmpl.AllowResubmission,
		string(stepsJSON),
		tmpl.Active,
		tmpl.CreatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create template", zap.Error(err))
		return fmt.Errorf("failed to create template: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	tmpl.ID = id
	return nil
}

const templateColumns = `
	id, company_id, category, request_type, version,
	min_amount_cents, max_amount_cents, allow_resubmission,
	step_definitions, active, created_at
`

// GetByID retrieves a template by ID
func (r *TemplateRepository) GetByID(ctx context.Context, id int64) (*entity.ApprovalFlowTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM approval_flow_templates WHERE id = ?`

	tmpl, err := scanTemplate(executorFor(ctx, r.db).QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get template by ID", zap.Int64("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return tmpl, nil
}

// FindByScope retrieves active templates for a company, category and
// request type. Amount filtering and tie-breaking happen in the registry.
func (r *TemplateRepository) FindByScope(ctx context.Context, companyID, category, requestType string) ([]*entity.ApprovalFlowTemplate, error) {
	query := `
		SELECT ` + templateColumns + `
		FROM approval_flow_templates
		WHERE company_id = ? AND category = ? AND request_type = ? AND active = 1
		ORDER BY created_at DESC
	`

	rows, err := executorFor(ctx, r.db).QueryContext(ctx, query, companyID, category, requestType)
	if err != nil {
		r.logger.Error("Failed to find templates", zap.String("company_id", companyID), zap.Error(err))
		return nil, fmt.Errorf("failed to find templates: %w", err)
	}
	defer rows.Close()

	var templates []*entity.ApprovalFlowTemplate
	for rows.Next() {
		tmpl, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		templates = append(templates, tmpl)
	}

	return templates, rows.Err()
}

// rowScanner covers *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTemplate(row rowScanner) (*entity.ApprovalFlowTemplate, error) {
	var tmpl entity.ApprovalFlowTemplate
	var stepsJSON string

	err := row.Scan(
		&tmpl.ID,
		&tmpl.CompanyID,
		&tmpl.Category,
		&tmpl.RequestType,
		&tmpl.Version,
		&tmpl.MinAmountCents,
		&tmpl.MaxAmountCents,
		&tmpl.AllowResubmission,
		&stepsJSON,
		&tmpl.Active,
		&tmpl.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(stepsJSON), &tmpl.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal step definitions: %w", err)
	}

	return &tmpl, nil
}

// Verify interface compliance
var _ port.TemplateRepository = (*TemplateRepository)(nil)
