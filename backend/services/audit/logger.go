// Package audit appends entries to the change request audit trail.
package audit

import (
	"context"

	"github.com/upb/change-control/backend/internal/observability"
	"github.com/upb/change-control/backend/models"
	"github.com/upb/change-control/backend/repositories"
	"go.uber.org/zap"
)

// Logger writes audit entries in the caller's transaction. Writing is best
// effort: a failed insert is logged and counted, never returned, so the
// mutation it describes still commits.
type Logger struct {
	repo   repositories.AuditRepository
	logger *zap.Logger
}

// NewLogger creates a new audit logger
func NewLogger(repo repositories.AuditRepository, logger *zap.Logger) *Logger {
	return &Logger{
		repo:   repo,
		logger: logger,
	}
}

// Record appends entries in order and reports how many were written
func (l *Logger) Record(ctx context.Context, entries ...*models.AuditLog) int {
	written := 0
	for _, entry := range entries {
		if entry == nil {
			continue
		}
		if err := l.repo.Insert(ctx, entry); err != nil {
			observability.RecordAuditFailure()
			l.logger.Error("failed to write audit entry",
				zap.Error(err),
				zap.String("change_request_id", entry.RequestID.String()),
				zap.String("actor_id", entry.ActorID.String()),
				zap.String("action", string(entry.Action)),
				zap.String("old_value", entry.OldValue),
				zap.String("new_value", entry.NewValue),
			)
			continue
		}
		written++
	}
	return written
}
