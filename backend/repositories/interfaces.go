package repositories

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/upb/change-control/backend/models"
)

var (
	// ErrNotFound is returned when a lookup matches no row
	ErrNotFound = errors.New("record not found")

	// ErrWriteConflict is returned when the store aborted a write because of a
	// concurrent transaction (serialization failure, deadlock, unique race)
	ErrWriteConflict = errors.New("write conflict")
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context. Repositories called with this
	// context run inside the transaction.
	Context() context.Context
}

// ChangeRequestFilter narrows a listing of change requests
type ChangeRequestFilter struct {
	Statuses   []models.ChangeStatus
	AssigneeID *uuid.UUID // committee member or lead on the request
	Limit      int
	Offset     int
}

// ChangeRequestRepository handles change request data operations
type ChangeRequestRepository interface {
	// Create creates a new change request
	Create(ctx context.Context, cr *models.ChangeRequest) error

	// GetByID retrieves a change request by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.ChangeRequest, error)

	// GetByIDForUpdate retrieves a change request and locks its row until the
	// surrounding transaction ends
	GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.ChangeRequest, error)

	// List retrieves change requests matching the filter, newest first
	List(ctx context.Context, filter ChangeRequestFilter) ([]*models.ChangeRequest, error)

	// Update persists every mutable field of the request
	Update(ctx context.Context, cr *models.ChangeRequest) error
}

// AssignmentRepository handles committee and lead membership
type AssignmentRepository interface {
	// ReplaceCommittee deletes the request's members of the given committee and inserts the new set
	ReplaceCommittee(ctx context.Context, requestID uuid.UUID, committee models.CommitteeType, memberIDs []uuid.UUID) error

	// ReplaceLeads deletes the request's leads and inserts the new set
	ReplaceLeads(ctx context.Context, requestID uuid.UUID, leadIDs []uuid.UUID) error

	// GetByRequestID retrieves every assignment of a request
	GetByRequestID(ctx context.Context, requestID uuid.UUID) (*models.Assignments, error)
}

// VoteRepository handles committee votes
type VoteRepository interface {
	// Upsert inserts the vote or overwrites the voter's previous vote on the same request
	Upsert(ctx context.Context, vote *models.Vote) error

	// GetByRequestID retrieves all votes of a request ordered by time
	GetByRequestID(ctx context.Context, requestID uuid.UUID) ([]*models.Vote, error)
}

// AuditRepository handles audit log data operations. Entries are append-only.
type AuditRepository interface {
	// Insert inserts a new audit log entry
	Insert(ctx context.Context, log *models.AuditLog) error

	// GetByRequestID retrieves the audit trail of a request, oldest first
	GetByRequestID(ctx context.Context, requestID uuid.UUID) ([]*models.AuditLog, error)
}

// PIRRepository handles post-implementation reviews
type PIRRepository interface {
	// Upsert creates or replaces the review of a request
	Upsert(ctx context.Context, pir *models.PIRRecord) error

	// GetByRequestID retrieves the review of a request
	GetByRequestID(ctx context.Context, requestID uuid.UUID) (*models.PIRRecord, error)
}

// UserRepository handles user data operations
type UserRepository interface {
	// Create creates a new user
	Create(ctx context.Context, user *models.User) error

	// GetByID retrieves a user by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)

	// GetByCognitoSub retrieves a user by Cognito subject
	GetByCognitoSub(ctx context.Context, cognitoSub string) (*models.User, error)

	// GetByIDs retrieves the users with the given IDs; missing IDs are skipped
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.User, error)
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	ChangeRequests ChangeRequestRepository
	Assignments    AssignmentRepository
	Votes          VoteRepository
	AuditLogs      AuditRepository
	PIRs           PIRRepository
	Users          UserRepository
}
