package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/change-control/backend/models"
	"github.com/upb/change-control/backend/repositories"
	"go.uber.org/zap"
)

// VoteRepository implements the repositories.VoteRepository interface
type VoteRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewVoteRepository creates a new vote repository
func NewVoteRepository(db *DB, logger *zap.Logger) repositories.VoteRepository {
	return &VoteRepository{
		db:     db,
		logger: logger,
	}
}

// Upsert inserts the vote or overwrites the voter's previous vote on the same request
func (r *VoteRepository) Upsert(ctx context.Context, vote *models.Vote) error {
	query := `
		INSERT INTO change_request_votes (request_id, voter_id, decision, comment, voted_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (request_id, voter_id)
		DO UPDATE SET decision = EXCLUDED.decision, comment = EXCLUDED.comment, voted_at = EXCLUDED.voted_at
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		vote.RequestID,
		vote.VoterID,
		vote.Decision,
		vote.Comment,
		vote.VotedAt,
	)
	if err != nil {
		return classifyError("upsert vote", err)
	}

	r.logger.Debug("vote recorded",
		zap.String("request_id", vote.RequestID.String()),
		zap.String("voter_id", vote.VoterID.String()),
		zap.Bool("decision", vote.Decision),
	)
	return nil
}

// GetByRequestID retrieves all votes of a request ordered by time
func (r *VoteRepository) GetByRequestID(ctx context.Context, requestID uuid.UUID) ([]*models.Vote, error) {
	query := `
		SELECT request_id, voter_id, decision, comment, voted_at
		FROM change_request_votes
		WHERE request_id = $1
		ORDER BY voted_at, voter_id
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, requestID)
	if err != nil {
		return nil, classifyError("list votes", err)
	}
	defer rows.Close()

	votes := []*models.Vote{}
	for rows.Next() {
		v := &models.Vote{}
		if err := rows.Scan(&v.RequestID, &v.VoterID, &v.Decision, &v.Comment, &v.VotedAt); err != nil {
			return nil, fmt.Errorf("failed to scan vote: %w", err)
		}
		votes = append(votes, v)
	}

	if err := rows.Err(); err != nil {
		return nil, classifyError("iterate votes", err)
	}

	return votes, nil
}
