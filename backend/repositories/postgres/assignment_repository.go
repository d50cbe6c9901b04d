package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/change-control/backend/models"
	"github.com/upb/change-control/backend/repositories"
	"go.uber.org/zap"
)

// AssignmentRepository implements the repositories.AssignmentRepository interface
type AssignmentRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAssignmentRepository creates a new assignment repository
func NewAssignmentRepository(db *DB, logger *zap.Logger) repositories.AssignmentRepository {
	return &AssignmentRepository{
		db:     db,
		logger: logger,
	}
}

// ReplaceCommittee deletes the request's members of the given committee and inserts the new set.
// Run it inside a transaction so readers never observe the empty intermediate state.
func (r *AssignmentRepository) ReplaceCommittee(ctx context.Context, requestID uuid.UUID, committee models.CommitteeType, memberIDs []uuid.UUID) error {
	executor := GetExecutor(ctx, r.db)

	_, err := executor.ExecContext(ctx,
		`DELETE FROM change_request_committee WHERE request_id = $1 AND committee_type = $2`,
		requestID, committee,
	)
	if err != nil {
		return classifyError("clear committee", err)
	}

	now := time.Now().UTC()
	for _, memberID := range memberIDs {
		_, err := executor.ExecContext(ctx, `
			INSERT INTO change_request_committee (request_id, member_id, committee_type, assigned_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING
		`, requestID, memberID, committee, now)
		if err != nil {
			return classifyError(fmt.Sprintf("assign committee member %s", memberID), err)
		}
	}

	r.logger.Debug("committee replaced",
		zap.String("request_id", requestID.String()),
		zap.String("committee", string(committee)),
		zap.Int("members", len(memberIDs)),
	)
	return nil
}

// ReplaceLeads deletes the request's leads and inserts the new set
func (r *AssignmentRepository) ReplaceLeads(ctx context.Context, requestID uuid.UUID, leadIDs []uuid.UUID) error {
	executor := GetExecutor(ctx, r.db)

	if _, err := executor.ExecContext(ctx, `DELETE FROM change_request_leads WHERE request_id = $1`, requestID); err != nil {
		return classifyError("clear leads", err)
	}

	now := time.Now().UTC()
	for _, leadID := range leadIDs {
		_, err := executor.ExecContext(ctx, `
			INSERT INTO change_request_leads (request_id, lead_id, assigned_at)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`, requestID, leadID, now)
		if err != nil {
			return classifyError(fmt.Sprintf("assign lead %s", leadID), err)
		}
	}

	r.logger.Debug("leads replaced",
		zap.String("request_id", requestID.String()),
		zap.Int("leads", len(leadIDs)),
	)
	return nil
}

// GetByRequestID retrieves every assignment of a request
func (r *AssignmentRepository) GetByRequestID(ctx context.Context, requestID uuid.UUID) (*models.Assignments, error) {
	executor := GetExecutor(ctx, r.db)
	out := &models.Assignments{
		Committee: []models.CommitteeAssignment{},
		Leads:     []models.LeadAssignment{},
	}

	rows, err := executor.QueryContext(ctx, `
		SELECT request_id, member_id, committee_type, assigned_at
		FROM change_request_committee
		WHERE request_id = $1
		ORDER BY assigned_at, member_id
	`, requestID)
	if err != nil {
		return nil, classifyError("list committee", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c models.CommitteeAssignment
		if err := rows.Scan(&c.RequestID, &c.MemberID, &c.CommitteeType, &c.AssignedAt); err != nil {
			return nil, fmt.Errorf("failed to scan committee assignment: %w", err)
		}
		out.Committee = append(out.Committee, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError("iterate committee", err)
	}

	leadRows, err := executor.QueryContext(ctx, `
		SELECT request_id, lead_id, assigned_at
		FROM change_request_leads
		WHERE request_id = $1
		ORDER BY assigned_at, lead_id
	`, requestID)
	if err != nil {
		return nil, classifyError("list leads", err)
	}
	defer leadRows.Close()

	for leadRows.Next() {
		var l models.LeadAssignment
		if err := leadRows.Scan(&l.RequestID, &l.LeadID, &l.AssignedAt); err != nil {
			return nil, fmt.Errorf("failed to scan lead assignment: %w", err)
		}
		out.Leads = append(out.Leads, l)
	}
	if err := leadRows.Err(); err != nil {
		return nil, classifyError("iterate leads", err)
	}

	return out, nil
}
