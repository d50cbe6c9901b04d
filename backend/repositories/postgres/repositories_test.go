package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/change-control/backend/models"
	"github.com/upb/change-control/backend/repositories"
	"go.uber.org/zap"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return NewDBFromConn(sqlDB, zap.NewNop()), mock
}

var changeRequestRowColumns = []string{
	"id", "title", "description", "justification", "potential_impact", "requester_id", "manager_id",
	"status", "priority", "model", "issue_reference", "pr_reference", "emergency_sub_status",
	"created_at", "updated_at",
}

func changeRequestRow(cr *models.ChangeRequest) []driver.Value {
	var manager driver.Value
	if cr.ManagerID != nil {
		manager = cr.ManagerID.String()
	}
	return []driver.Value{
		cr.ID.String(), cr.Title, cr.Description, cr.Justification, cr.PotentialImpact,
		cr.RequesterID.String(), manager, string(cr.Status), string(cr.Priority), string(cr.Model),
		cr.IssueReference, cr.PRReference, string(cr.EmergencySubStatus), cr.CreatedAt, cr.UpdatedAt,
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{"no rows", sql.ErrNoRows, repositories.ErrNotFound},
		{"serialization failure", &pq.Error{Code: "40001"}, repositories.ErrWriteConflict},
		{"deadlock", &pq.Error{Code: "40P01"}, repositories.ErrWriteConflict},
		{"unique violation", &pq.Error{Code: "23505"}, repositories.ErrWriteConflict},
		{"foreign key violation", &pq.Error{Code: "23503"}, repositories.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyError("op", tt.err)
			assert.ErrorIs(t, err, tt.target)
		})
	}

	t.Run("connection failure keeps cause", func(t *testing.T) {
		err := classifyError("op", driver.ErrBadConn)
		assert.ErrorIs(t, err, driver.ErrBadConn)
		assert.Contains(t, err.Error(), "database unreachable")
	})

	t.Run("nil", func(t *testing.T) {
		assert.NoError(t, classifyError("op", nil))
	})
}

func TestChangeRequestRepository_Create(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewChangeRequestRepository(db, zap.NewNop())
	cr := models.NewChangeRequest(uuid.New(), "Rotate TLS certificates", "")

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO change_requests")).
		WithArgs(
			sqlmock.AnyArg(), cr.Title, cr.Description, cr.Justification, cr.PotentialImpact,
			sqlmock.AnyArg(), nil, "draft", "media", "normal", "", "", "",
			sqlmock.AnyArg(), sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Create(context.Background(), cr))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChangeRequestRepository_GetByID(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewChangeRequestRepository(db, zap.NewNop())

		managerID := uuid.New()
		want := models.NewChangeRequest(uuid.New(), "Enable SSO", "SAML for staff")
		want.ManagerID = &managerID
		want.Status = models.StatusPendingCommittee
		want.Model = models.ModelEmergency
		want.EmergencySubStatus = models.EmergencyAwaitingECAB

		mock.ExpectQuery(regexp.QuoteMeta("FROM change_requests WHERE id = $1")).
			WithArgs(sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows(changeRequestRowColumns).AddRow(changeRequestRow(want)...))

		got, err := repo.GetByID(context.Background(), want.ID)
		require.NoError(t, err)
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, models.StatusPendingCommittee, got.Status)
		assert.Equal(t, models.ModelEmergency, got.Model)
		assert.Equal(t, models.EmergencyAwaitingECAB, got.EmergencySubStatus)
		require.NotNil(t, got.ManagerID)
		assert.Equal(t, managerID, *got.ManagerID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewChangeRequestRepository(db, zap.NewNop())

		mock.ExpectQuery(regexp.QuoteMeta("FROM change_requests WHERE id = $1")).
			WillReturnRows(sqlmock.NewRows(changeRequestRowColumns))

		_, err := repo.GetByID(context.Background(), uuid.New())
		assert.ErrorIs(t, err, repositories.ErrNotFound)
	})
}

func TestChangeRequestRepository_GetByIDForUpdate_LocksRow(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewChangeRequestRepository(db, zap.NewNop())
	tm := NewTransactionManager(db, zap.NewNop())
	cr := models.NewChangeRequest(uuid.New(), "t", "d")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1 FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows(changeRequestRowColumns).AddRow(changeRequestRow(cr)...))
	mock.ExpectCommit()

	err := tm.InTransaction(context.Background(), func(ctx context.Context, tx repositories.Transaction) error {
		_, err := repo.GetByIDForUpdate(ctx, cr.ID)
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChangeRequestRepository_List(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewChangeRequestRepository(db, zap.NewNop())
	assignee := uuid.New()
	cr := models.NewChangeRequest(uuid.New(), "t", "d")

	mock.ExpectQuery(`status = ANY\(\$1\).*member_id = \$2.*lead_id = \$2.*ORDER BY created_at DESC LIMIT \$3`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), 20).
		WillReturnRows(sqlmock.NewRows(changeRequestRowColumns).AddRow(changeRequestRow(cr)...))

	got, err := repo.List(context.Background(), repositories.ChangeRequestFilter{
		Statuses:   []models.ChangeStatus{models.StatusDraft},
		AssigneeID: &assignee,
		Limit:      20,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, cr.ID, got[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChangeRequestRepository_Update(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewChangeRequestRepository(db, zap.NewNop())
		cr := models.NewChangeRequest(uuid.New(), "t", "d")
		cr.Status = models.StatusApproved

		mock.ExpectExec(regexp.QuoteMeta("UPDATE change_requests")).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.Update(context.Background(), cr))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing row", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewChangeRequestRepository(db, zap.NewNop())

		mock.ExpectExec(regexp.QuoteMeta("UPDATE change_requests")).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.Update(context.Background(), models.NewChangeRequest(uuid.New(), "t", "d"))
		assert.ErrorIs(t, err, repositories.ErrNotFound)
	})

	t.Run("serialization failure", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewChangeRequestRepository(db, zap.NewNop())

		mock.ExpectExec(regexp.QuoteMeta("UPDATE change_requests")).
			WillReturnError(&pq.Error{Code: "40001", Message: "could not serialize access"})

		err := repo.Update(context.Background(), models.NewChangeRequest(uuid.New(), "t", "d"))
		assert.ErrorIs(t, err, repositories.ErrWriteConflict)
	})
}

func TestAssignmentRepository_ReplaceCommittee(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAssignmentRepository(db, zap.NewNop())
	requestID := uuid.New()
	members := []uuid.UUID{uuid.New(), uuid.New()}

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM change_request_committee")).
		WithArgs(sqlmock.AnyArg(), "cab").
		WillReturnResult(sqlmock.NewResult(0, 3))
	for range members {
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO change_request_committee")).
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "cab", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	require.NoError(t, repo.ReplaceCommittee(context.Background(), requestID, models.CommitteeCAB, members))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignmentRepository_GetByRequestID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAssignmentRepository(db, zap.NewNop())
	requestID := uuid.New()
	member := uuid.New()
	lead := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM change_request_committee")).
		WillReturnRows(sqlmock.NewRows([]string{"request_id", "member_id", "committee_type", "assigned_at"}).
			AddRow(requestID.String(), member.String(), "ecab", now))
	mock.ExpectQuery(regexp.QuoteMeta("FROM change_request_leads")).
		WillReturnRows(sqlmock.NewRows([]string{"request_id", "lead_id", "assigned_at"}).
			AddRow(requestID.String(), lead.String(), now))

	got, err := repo.GetByRequestID(context.Background(), requestID)
	require.NoError(t, err)
	assert.True(t, got.IsMember(member, models.CommitteeECAB))
	assert.True(t, got.IsLead(lead))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVoteRepository_Upsert(t *testing.T) {
	t.Run("upserts on conflict", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewVoteRepository(db, zap.NewNop())
		vote := models.NewVote(uuid.New(), uuid.New(), false, "breaks grading exports")

		mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (request_id, voter_id)")).
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), false, "breaks grading exports", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.Upsert(context.Background(), vote))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("deadlock surfaces as write conflict", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewVoteRepository(db, zap.NewNop())

		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO change_request_votes")).
			WillReturnError(&pq.Error{Code: "40P01", Message: "deadlock detected"})

		err := repo.Upsert(context.Background(), models.NewVote(uuid.New(), uuid.New(), true, ""))
		assert.ErrorIs(t, err, repositories.ErrWriteConflict)
	})
}

func TestAuditRepository_Insert(t *testing.T) {
	t.Run("outside a transaction", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewAuditRepository(db, zap.NewNop())
		entry := models.NewAuditLog(uuid.New(), uuid.New(), models.AuditActionStatusChanged).
			WithValues("pending_review", "approved")

		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO change_request_audit_log")).
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "STATUS_CHANGED",
				"pending_review", "approved", "", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.Insert(context.Background(), entry))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failure inside a transaction rolls back to the savepoint only", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewAuditRepository(db, zap.NewNop())
		tm := NewTransactionManager(db, zap.NewNop())

		mock.ExpectBegin()
		mock.ExpectExec("SAVEPOINT audit_entry").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO change_request_audit_log")).
			WillReturnError(errors.New("disk full"))
		mock.ExpectExec("ROLLBACK TO SAVEPOINT audit_entry").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		var auditErr error
		err := tm.InTransaction(context.Background(), func(ctx context.Context, tx repositories.Transaction) error {
			auditErr = repo.Insert(ctx, models.NewAuditLog(uuid.New(), uuid.New(), models.AuditActionVoteCast))
			return nil
		})

		require.NoError(t, err)
		assert.Error(t, auditErr)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("success inside a transaction releases the savepoint", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewAuditRepository(db, zap.NewNop())
		tm := NewTransactionManager(db, zap.NewNop())

		mock.ExpectBegin()
		mock.ExpectExec("SAVEPOINT audit_entry").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO change_request_audit_log")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("RELEASE SAVEPOINT audit_entry").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		err := tm.InTransaction(context.Background(), func(ctx context.Context, tx repositories.Transaction) error {
			return repo.Insert(ctx, models.NewAuditLog(uuid.New(), uuid.New(), models.AuditActionPRLinked))
		})

		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAuditRepository_GetByRequestID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAuditRepository(db, zap.NewNop())
	requestID := uuid.New()
	actorID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY seq")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "request_id", "actor_id", "action", "old_value", "new_value", "note", "timestamp"}).
			AddRow(uuid.New().String(), requestID.String(), actorID.String(), "REQUEST_CREATED", "", "draft", "", now).
			AddRow(uuid.New().String(), requestID.String(), actorID.String(), "STATUS_CHANGED", "draft", "cancelled", "", now))

	logs, err := repo.GetByRequestID(context.Background(), requestID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, models.AuditActionRequestCreated, logs[0].Action)
	assert.Equal(t, "cancelled", logs[1].NewValue)
}

func TestPIRRepository_GetByRequestID_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPIRRepository(db, zap.NewNop())

	mock.ExpectQuery(regexp.QuoteMeta("FROM change_request_pir")).
		WillReturnRows(sqlmock.NewRows([]string{"request_id", "reviewer_id", "successful", "notes", "reviewed_at"}))

	_, err := repo.GetByRequestID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestUserRepository_GetByCognitoSub(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepository(db, zap.NewNop())
	id := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE cognito_sub = $1")).
		WithArgs("sub-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "full_name", "cognito_sub", "roles", "active", "created_at", "updated_at"}).
			AddRow(id.String(), "cm@example.edu", "Carla Mejia", "sub-1", "{change_manager,member}", true, now, now))

	user, err := repo.GetByCognitoSub(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, id, user.ID)
	assert.Equal(t, []models.UserRole{models.RoleChangeManager, models.RoleMember}, user.Roles)
	assert.True(t, user.CanManageChanges())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_GetByIDs_Empty(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepository(db, zap.NewNop())

	users, err := repo.GetByIDs(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, users)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionManager_RollsBackOnError(t *testing.T) {
	db, mock := newMockDB(t)
	tm := NewTransactionManager(db, zap.NewNop())

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := tm.InTransaction(context.Background(), func(ctx context.Context, tx repositories.Transaction) error {
		_, ok := GetTransactionFromContext(ctx)
		assert.True(t, ok)
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}
