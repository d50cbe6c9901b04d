package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/upb/change-control/backend/models"
	"github.com/upb/change-control/backend/repositories"
	"go.uber.org/zap"
)

const changeRequestColumns = `
	id, title, description, justification, potential_impact, requester_id, manager_id,
	status, priority, model, issue_reference, pr_reference, emergency_sub_status,
	created_at, updated_at`

// ChangeRequestRepository implements the repositories.ChangeRequestRepository interface
type ChangeRequestRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewChangeRequestRepository creates a new change request repository
func NewChangeRequestRepository(db *DB, logger *zap.Logger) repositories.ChangeRequestRepository {
	return &ChangeRequestRepository{
		db:     db,
		logger: logger,
	}
}

// Create creates a new change request
func (r *ChangeRequestRepository) Create(ctx context.Context, cr *models.ChangeRequest) error {
	query := `
		INSERT INTO change_requests (` + changeRequestColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		cr.ID,
		cr.Title,
		cr.Description,
		cr.Justification,
		cr.PotentialImpact,
		cr.RequesterID,
		cr.ManagerID,
		cr.Status,
		cr.Priority,
		cr.Model,
		cr.IssueReference,
		cr.PRReference,
		cr.EmergencySubStatus,
		cr.CreatedAt,
		cr.UpdatedAt,
	)
	if err != nil {
		return classifyError("create change request", err)
	}

	r.logger.Debug("change request created", zap.String("id", cr.ID.String()))
	return nil
}

// GetByID retrieves a change request by ID
func (r *ChangeRequestRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ChangeRequest, error) {
	query := `SELECT ` + changeRequestColumns + ` FROM change_requests WHERE id = $1`
	return r.getOne(ctx, query, id)
}

// GetByIDForUpdate retrieves a change request and holds its row lock until the
// transaction in ctx ends. Without a transaction the lock is released immediately.
func (r *ChangeRequestRepository) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.ChangeRequest, error) {
	query := `SELECT ` + changeRequestColumns + ` FROM change_requests WHERE id = $1 FOR UPDATE`
	return r.getOne(ctx, query, id)
}

func (r *ChangeRequestRepository) getOne(ctx context.Context, query string, id uuid.UUID) (*models.ChangeRequest, error) {
	executor := GetExecutor(ctx, r.db)
	cr, err := scanChangeRequest(executor.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, classifyError(fmt.Sprintf("get change request %s", id), err)
	}
	return cr, nil
}

// List retrieves change requests matching the filter, newest first
func (r *ChangeRequestRepository) List(ctx context.Context, filter repositories.ChangeRequestFilter) ([]*models.ChangeRequest, error) {
	var (
		conditions []string
		args       []interface{}
	)

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, pq.Array(statuses))
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	if filter.AssigneeID != nil {
		args = append(args, *filter.AssigneeID)
		n := len(args)
		conditions = append(conditions, fmt.Sprintf(`(
			EXISTS (SELECT 1 FROM change_request_committee c WHERE c.request_id = change_requests.id AND c.member_id = $%d)
			OR EXISTS (SELECT 1 FROM change_request_leads l WHERE l.request_id = change_requests.id AND l.lead_id = $%d)
		)`, n, n))
	}

	query := `SELECT ` + changeRequestColumns + ` FROM change_requests`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyError("list change requests", err)
	}
	defer rows.Close()

	var requests []*models.ChangeRequest
	for rows.Next() {
		cr, err := scanChangeRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change request: %w", err)
		}
		requests = append(requests, cr)
	}

	if err := rows.Err(); err != nil {
		return nil, classifyError("iterate change requests", err)
	}

	return requests, nil
}

// Update persists every mutable field of the request
func (r *ChangeRequestRepository) Update(ctx context.Context, cr *models.ChangeRequest) error {
	query := `
		UPDATE change_requests
		SET title = $2, description = $3, justification = $4, potential_impact = $5,
		    manager_id = $6, status = $7, priority = $8, model = $9,
		    issue_reference = $10, pr_reference = $11, emergency_sub_status = $12,
		    updated_at = $13
		WHERE id = $1
	`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query,
		cr.ID,
		cr.Title,
		cr.Description,
		cr.Justification,
		cr.PotentialImpact,
		cr.ManagerID,
		cr.Status,
		cr.Priority,
		cr.Model,
		cr.IssueReference,
		cr.PRReference,
		cr.EmergencySubStatus,
		cr.UpdatedAt,
	)
	if err != nil {
		return classifyError("update change request", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("update change request %s: %w", cr.ID, repositories.ErrNotFound)
	}

	r.logger.Debug("change request updated",
		zap.String("id", cr.ID.String()),
		zap.String("status", string(cr.Status)),
	)
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChangeRequest(row rowScanner) (*models.ChangeRequest, error) {
	cr := &models.ChangeRequest{}
	var managerID uuid.NullUUID

	err := row.Scan(
		&cr.ID,
		&cr.Title,
		&cr.Description,
		&cr.Justification,
		&cr.PotentialImpact,
		&cr.RequesterID,
		&managerID,
		&cr.Status,
		&cr.Priority,
		&cr.Model,
		&cr.IssueReference,
		&cr.PRReference,
		&cr.EmergencySubStatus,
		&cr.CreatedAt,
		&cr.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if managerID.Valid {
		id := managerID.UUID
		cr.ManagerID = &id
	}
	return cr, nil
}
