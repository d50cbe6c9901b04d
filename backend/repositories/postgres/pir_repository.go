package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/upb/change-control/backend/models"
	"github.com/upb/change-control/backend/repositories"
	"go.uber.org/zap"
)

// PIRRepository implements the repositories.PIRRepository interface
type PIRRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewPIRRepository creates a new post-implementation review repository
func NewPIRRepository(db *DB, logger *zap.Logger) repositories.PIRRepository {
	return &PIRRepository{
		db:     db,
		logger: logger,
	}
}

// Upsert creates or replaces the review of a request
func (r *PIRRepository) Upsert(ctx context.Context, pir *models.PIRRecord) error {
	query := `
		INSERT INTO change_request_pir (request_id, reviewer_id, successful, notes, reviewed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (request_id)
		DO UPDATE SET reviewer_id = EXCLUDED.reviewer_id, successful = EXCLUDED.successful,
		              notes = EXCLUDED.notes, reviewed_at = EXCLUDED.reviewed_at
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		pir.RequestID,
		pir.ReviewerID,
		pir.Successful,
		pir.Notes,
		pir.ReviewedAt,
	)
	if err != nil {
		return classifyError("upsert pir", err)
	}

	r.logger.Debug("pir saved", zap.String("request_id", pir.RequestID.String()))
	return nil
}

// GetByRequestID retrieves the review of a request
func (r *PIRRepository) GetByRequestID(ctx context.Context, requestID uuid.UUID) (*models.PIRRecord, error) {
	query := `
		SELECT request_id, reviewer_id, successful, notes, reviewed_at
		FROM change_request_pir
		WHERE request_id = $1
	`

	executor := GetExecutor(ctx, r.db)
	pir := &models.PIRRecord{}
	err := executor.QueryRowContext(ctx, query, requestID).Scan(
		&pir.RequestID,
		&pir.ReviewerID,
		&pir.Successful,
		&pir.Notes,
		&pir.ReviewedAt,
	)
	if err != nil {
		return nil, classifyError("get pir", err)
	}

	return pir, nil
}
