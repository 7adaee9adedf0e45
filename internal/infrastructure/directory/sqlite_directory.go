// Package directory provides the identity lookups the engine depends on:
// who raised a request and who holds a role within a company. It reads a
// local replica kept in sync by the upstream request and user services.
package directory

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/buildpm/approval-engine/internal/application/port"
)

// SQLiteDirectory implements port.IdentityDirectory over local tables
type SQLiteDirectory struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteDirectory creates a directory over the local replica
func NewSQLiteDirectory(db *sql.DB, logger *zap.Logger) *SQLiteDirectory {
	return &SQLiteDirectory{
		db:     db,
		logger: logger,
	}
}

// RequesterOf returns the user who raised the request
func (d *SQLiteDirectory) RequesterOf(ctx context.Context, requestID string) (string, error) {
	query := `SELECT requester_id FROM request_requesters WHERE request_id = ?`

	var requesterID string
	err := d.db.QueryRowContext(ctx, query, requestID).Scan(&requesterID)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("no requester known for request %s", requestID)
	}
	if err != nil {
		d.logger.Error("Failed to look up requester", zap.String("request_id", requestID), zap.Error(err))
		return "", fmt.Errorf("failed to look up requester: %w", err)
	}

	return requesterID, nil
}

// UsersWithRole returns user ids holding the role within a company,
// ordered deterministically
func (d *SQLiteDirectory) UsersWithRole(ctx context.Context, companyID, role string) ([]string, error) {
	query := `
		SELECT user_id FROM company_roles
		WHERE company_id = ? AND role = ?
		ORDER BY user_id ASC
	`

	rows, err := d.db.QueryContext(ctx, query, companyID, role)
	if err != nil {
		d.logger.Error("Failed to query role holders",
			zap.String("company_id", companyID),
			zap.String("role", role),
			zap.Error(err))
		return nil, fmt.Errorf("failed to query role holders: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan role holder: %w", err)
		}
		users = append(users, userID)
	}

	return users, rows.Err()
}

// UpsertRequester records the requester of a request
func (d *SQLiteDirectory) UpsertRequester(ctx context.Context, requestID, requesterID string) error {
	query := `
		INSERT INTO request_requesters (request_id, requester_id)
		VALUES (?, ?)
		ON CONFLICT(request_id) DO UPDATE SET requester_id = excluded.requester_id
	`
	if _, err := d.db.ExecContext(ctx, query, requestID, requesterID); err != nil {
		return fmt.Errorf("failed to upsert requester: %w", err)
	}
	return nil
}

// AssignRole grants a role to a user within a company
func (d *SQLiteDirectory) AssignRole(ctx context.Context, companyID, role, userID string) error {
	query := `
		INSERT INTO company_roles (company_id, role, user_id)
		VALUES (?, ?, ?)
		ON CONFLICT(company_id, role, user_id) DO NOTHING
	`
	if _, err := d.db.ExecContext(ctx, query, companyID, role, userID); err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}
	return nil
}

// Verify interface compliance
var _ port.IdentityDirectory = (*SQLiteDirectory)(nil)
