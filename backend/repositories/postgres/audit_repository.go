package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/change-control/backend/models"
	"github.com/upb/change-control/backend/repositories"
	"go.uber.org/zap"
)

const auditSavepoint = "audit_entry"

// AuditRepository implements the repositories.AuditRepository interface
type AuditRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB, logger *zap.Logger) repositories.AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

// Insert appends an audit log entry. Inside a transaction the insert runs under
// a savepoint, so a failed insert leaves the surrounding mutation committable.
func (r *AuditRepository) Insert(ctx context.Context, log *models.AuditLog) error {
	query := `
		INSERT INTO change_request_audit_log (
			id, request_id, actor_id, action, old_value, new_value, note, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	err := withSavepoint(ctx, r.db, auditSavepoint, func(exec Executor) error {
		_, err := exec.ExecContext(ctx, query,
			log.ID,
			log.RequestID,
			log.ActorID,
			log.Action,
			log.OldValue,
			log.NewValue,
			log.Note,
			log.Timestamp,
		)
		return err
	})
	if err != nil {
		return classifyError("insert audit log", err)
	}

	r.logger.Debug("audit log inserted", zap.String("id", log.ID.String()), zap.String("action", string(log.Action)))
	return nil
}

// GetByRequestID retrieves the audit trail of a request, oldest first
func (r *AuditRepository) GetByRequestID(ctx context.Context, requestID uuid.UUID) ([]*models.AuditLog, error) {
	query := `
		SELECT id, request_id, actor_id, action, old_value, new_value, note, timestamp
		FROM change_request_audit_log
		WHERE request_id = $1
		ORDER BY seq
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, requestID)
	if err != nil {
		return nil, classifyError("query audit logs", err)
	}
	defer rows.Close()

	logs := []*models.AuditLog{}
	for rows.Next() {
		log := &models.AuditLog{}
		err := rows.Scan(
			&log.ID,
			&log.RequestID,
			&log.ActorID,
			&log.Action,
			&log.OldValue,
			&log.NewValue,
			&log.Note,
			&log.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log rows: %w", err)
	}

	return logs, nil
}
