package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/upb/change-control/backend/services/tracker"
	"github.com/upb/change-control/backend/utils"
	"go.uber.org/zap"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
	Tracker   *tracker.Stats    `json:"tracker,omitempty"`
}

// TrackerStats reports the state of the issue tracker dispatcher
type TrackerStats interface {
	Stats() tracker.Stats
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	db      *sql.DB
	tracker TrackerStats
	logger  *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. db is nil when the in-memory
// store is used; tracker may be nil when notifications are disabled.
func NewHealthHandler(db *sql.DB, tracker TrackerStats, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		db:      db,
		tracker: tracker,
		logger:  logger,
	}
}

// HandleHealth handles GET /healthz
// Basic liveness check - always returns 200 if the process is serving
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	_ = utils.WriteOK(w, response)
}

// HandleReadiness handles GET /readyz
// Readiness check - validates the store and the tracker dispatcher
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	switch {
	case h.db == nil:
		checks["database"] = "not_configured"
	case h.checkDatabase(ctx) != nil:
		checks["database"] = "unhealthy"
		allHealthy = false
	default:
		checks["database"] = "healthy"
	}

	var stats *tracker.Stats
	if h.tracker != nil {
		s := h.tracker.Stats()
		stats = &s
		if s.Started {
			checks["tracker"] = "running"
		} else {
			checks["tracker"] = "stopped"
			allHealthy = false
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
		Tracker:   stats,
	}

	if err := utils.WriteJSON(w, httpStatus, utils.SuccessResponse{Data: response}); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}

func (h *HealthHandler) checkDatabase(ctx context.Context) error {
	if err := h.db.PingContext(ctx); err != nil {
		h.logger.Warn("database health check failed", zap.Error(err))
		return err
	}

	var result int
	if err := h.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		h.logger.Warn("database query check failed", zap.Error(err))
		return err
	}

	return nil
}
