package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/upb/change-control/backend/config"
	"go.uber.org/zap"
)

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	dsn := cfg.DSN()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return &DB{
		DB:     db,
		logger: logger,
	}, nil
}

// NewDBFromConn wraps an already opened pool, such as one from sqlmock in tests
func NewDBFromConn(db *sql.DB, logger *zap.Logger) *DB {
	return &DB{DB: db, logger: logger}
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	// Check if we can query
	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}

	return nil
}

// Stats returns database connection pool statistics
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}

// InitSchema creates the change request tables if they do not exist
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			email VARCHAR(255) NOT NULL UNIQUE,
			full_name VARCHAR(255) NOT NULL DEFAULT '',
			cognito_sub VARCHAR(255) NOT NULL UNIQUE,
			roles TEXT[] NOT NULL DEFAULT '{member}',
			active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS change_requests (
			id UUID PRIMARY KEY,
			title VARCHAR(255) NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			justification TEXT NOT NULL DEFAULT '',
			potential_impact TEXT NOT NULL DEFAULT '',
			requester_id UUID NOT NULL REFERENCES users(id),
			manager_id UUID REFERENCES users(id),
			status VARCHAR(32) NOT NULL CHECK (status IN (
				'draft', 'pending_review', 'pending_committee', 'approved', 'in_progress',
				'completed', 'rejected', 'cancelled', 'pending_review_report', 'closed'
			)),
			priority VARCHAR(16) NOT NULL CHECK (priority IN ('baja', 'media', 'alta', 'critica')),
			model VARCHAR(16) NOT NULL CHECK (model IN ('estandar', 'normal', 'emergencia')),
			issue_reference VARCHAR(255) NOT NULL DEFAULT '',
			pr_reference VARCHAR(255) NOT NULL DEFAULT '',
			emergency_sub_status VARCHAR(32) NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS change_request_committee (
			request_id UUID NOT NULL REFERENCES change_requests(id) ON DELETE CASCADE,
			member_id UUID NOT NULL REFERENCES users(id),
			committee_type VARCHAR(8) NOT NULL CHECK (committee_type IN ('cab', 'ecab')),
			assigned_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (request_id, member_id, committee_type)
		);

		CREATE TABLE IF NOT EXISTS change_request_leads (
			request_id UUID NOT NULL REFERENCES change_requests(id) ON DELETE CASCADE,
			lead_id UUID NOT NULL REFERENCES users(id),
			assigned_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (request_id, lead_id)
		);

		CREATE TABLE IF NOT EXISTS change_request_votes (
			request_id UUID NOT NULL REFERENCES change_requests(id) ON DELETE CASCADE,
			voter_id UUID NOT NULL REFERENCES users(id),
			decision BOOLEAN NOT NULL,
			comment TEXT NOT NULL DEFAULT '',
			voted_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (request_id, voter_id)
		);

		CREATE TABLE IF NOT EXISTS change_request_pir (
			request_id UUID PRIMARY KEY REFERENCES change_requests(id) ON DELETE CASCADE,
			reviewer_id UUID NOT NULL REFERENCES users(id),
			successful BOOLEAN NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			reviewed_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		-- Append-only; no foreign keys so the trail outlives deleted rows
		CREATE TABLE IF NOT EXISTS change_request_audit_log (
			id UUID PRIMARY KEY,
			seq BIGSERIAL NOT NULL,
			request_id UUID NOT NULL,
			actor_id UUID NOT NULL,
			action VARCHAR(64) NOT NULL,
			old_value TEXT NOT NULL DEFAULT '',
			new_value TEXT NOT NULL DEFAULT '',
			note TEXT NOT NULL DEFAULT '',
			timestamp TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_change_requests_status ON change_requests(status);
		CREATE INDEX IF NOT EXISTS idx_change_requests_created_at ON change_requests(created_at);
		CREATE INDEX IF NOT EXISTS idx_committee_member_id ON change_request_committee(member_id);
		CREATE INDEX IF NOT EXISTS idx_leads_lead_id ON change_request_leads(lead_id);
		CREATE INDEX IF NOT EXISTS idx_audit_log_request_seq ON change_request_audit_log(request_id, seq);
	`

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.logger.Info("database schema initialized successfully")
	return nil
}
