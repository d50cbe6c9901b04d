// Package memory provides an in-process transactional request store used for
// local development and service tests. Transactions are serialized and roll
// back by restoring the state captured when they began.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/upb/change-control/backend/models"
	"github.com/upb/change-control/backend/repositories"
	"go.uber.org/zap"
)

type voteKey struct {
	requestID uuid.UUID
	voterID   uuid.UUID
}

type state struct {
	requests  map[uuid.UUID]*models.ChangeRequest
	committee map[uuid.UUID][]models.CommitteeAssignment
	leads     map[uuid.UUID][]models.LeadAssignment
	votes     map[voteKey]*models.Vote
	pirs      map[uuid.UUID]*models.PIRRecord
	audit     map[uuid.UUID][]*models.AuditLog
	users     map[uuid.UUID]*models.User
}

func newState() state {
	return state{
		requests:  map[uuid.UUID]*models.ChangeRequest{},
		committee: map[uuid.UUID][]models.CommitteeAssignment{},
		leads:     map[uuid.UUID][]models.LeadAssignment{},
		votes:     map[voteKey]*models.Vote{},
		pirs:      map[uuid.UUID]*models.PIRRecord{},
		audit:     map[uuid.UUID][]*models.AuditLog{},
		users:     map[uuid.UUID]*models.User{},
	}
}

func (s state) clone() state {
	out := newState()
	for id, cr := range s.requests {
		out.requests[id] = cr.Clone()
	}
	for id, c := range s.committee {
		out.committee[id] = append([]models.CommitteeAssignment(nil), c...)
	}
	for id, l := range s.leads {
		out.leads[id] = append([]models.LeadAssignment(nil), l...)
	}
	for k, v := range s.votes {
		cp := *v
		out.votes[k] = &cp
	}
	for id, p := range s.pirs {
		cp := *p
		out.pirs[id] = &cp
	}
	for id, entries := range s.audit {
		// entries are immutable once appended
		out.audit[id] = append([]*models.AuditLog(nil), entries...)
	}
	for id, u := range s.users {
		out.users[id] = cloneUser(u)
	}
	return out
}

func cloneUser(u *models.User) *models.User {
	cp := *u
	cp.Roles = append([]models.UserRole(nil), u.Roles...)
	return &cp
}

// Store is an in-memory implementation of every repository interface
type Store struct {
	// txSem admits one transaction at a time
	txSem chan struct{}
	// mu guards state
	mu     sync.RWMutex
	state  state
	logger *zap.Logger

	// auditFailure, when set, makes every audit insert fail with it
	auditFailure error
}

// NewStore creates an empty store
func NewStore(logger *zap.Logger) *Store {
	return &Store{
		txSem:  make(chan struct{}, 1),
		state:  newState(),
		logger: logger,
	}
}

// acquire waits for the transaction slot or for ctx to end
func (s *Store) acquire(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.txSem <- struct{}{}:
		return nil
	}
}

func (s *Store) release() {
	<-s.txSem
}

// FailAuditWrites makes subsequent audit inserts return err. Pass nil to restore.
func (s *Store) FailAuditWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditFailure = err
}

// Repositories returns the repository set backed by this store
func (s *Store) Repositories() *repositories.Repositories {
	return &repositories.Repositories{
		ChangeRequests: &changeRequestRepository{s},
		Assignments:    &assignmentRepository{s},
		Votes:          &voteRepository{s},
		AuditLogs:      &auditRepository{s},
		PIRs:           &pirRepository{s},
		Users:          &userRepository{s},
	}
}

// TransactionManager returns a transaction manager for this store
func (s *Store) TransactionManager() repositories.TransactionManager {
	return &transactionManager{store: s}
}

type txContextKey struct{}

type transactionManager struct {
	store *Store
}

// Begin waits until no other transaction is open, then captures a rollback
// point. It gives up with ctx.Err() when ctx ends first.
func (tm *transactionManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := tm.store.acquire(ctx); err != nil {
		return nil, err
	}

	tm.store.mu.RLock()
	snapshot := tm.store.state.clone()
	tm.store.mu.RUnlock()

	tx := &transaction{store: tm.store, snapshot: snapshot}
	tx.ctx = context.WithValue(ctx, txContextKey{}, tx)
	return tx, nil
}

// InTransaction executes fn in a transaction. A context that already carries a
// transaction of this store joins it instead of opening a new one.
func (tm *transactionManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	if tx, ok := ctx.Value(txContextKey{}).(*transaction); ok && tx.store == tm.store && !tx.done {
		return fn(ctx, tx)
	}

	tx, err := tm.Begin(ctx)
	if err != nil {
		return err
	}

	if err := fn(tx.Context(), tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			tm.store.logger.Error("failed to rollback transaction",
				zap.Error(rbErr),
				zap.NamedError("original_error", err),
			)
		}
		return err
	}
	return tx.Commit()
}

type transaction struct {
	store    *Store
	snapshot state
	ctx      context.Context
	done     bool
}

var errTxDone = errors.New("transaction already finished")

func (t *transaction) Commit() error {
	if t.done {
		return errTxDone
	}
	t.done = true
	t.store.release()
	return nil
}

func (t *transaction) Rollback() error {
	if t.done {
		return nil
	}
	t.store.mu.Lock()
	t.store.state = t.snapshot
	t.store.mu.Unlock()

	t.done = true
	t.store.release()
	return nil
}

func (t *transaction) Context() context.Context {
	return t.ctx
}
