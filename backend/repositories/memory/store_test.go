package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/change-control/backend/models"
	"github.com/upb/change-control/backend/repositories"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*Store, *repositories.Repositories) {
	t.Helper()
	s := NewStore(zap.NewNop())
	return s, s.Repositories()
}

func TestStore_RollbackRestoresState(t *testing.T) {
	s, repos := newTestStore(t)
	ctx := context.Background()

	cr := models.NewChangeRequest(uuid.New(), "Patch LMS", "")
	require.NoError(t, repos.ChangeRequests.Create(ctx, cr))

	boom := errors.New("boom")
	err := s.TransactionManager().InTransaction(ctx, func(ctx context.Context, tx repositories.Transaction) error {
		updated := cr.Clone()
		updated.Status = models.StatusCancelled
		require.NoError(t, repos.ChangeRequests.Update(ctx, updated))
		require.NoError(t, repos.Votes.Upsert(ctx, models.NewVote(cr.ID, uuid.New(), true, "")))
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := repos.ChangeRequests.GetByID(ctx, cr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDraft, got.Status)

	votes, err := repos.Votes.GetByRequestID(ctx, cr.ID)
	require.NoError(t, err)
	assert.Empty(t, votes)
}

func TestStore_CommitKeepsState(t *testing.T) {
	s, repos := newTestStore(t)
	ctx := context.Background()
	cr := models.NewChangeRequest(uuid.New(), "t", "d")

	err := s.TransactionManager().InTransaction(ctx, func(ctx context.Context, tx repositories.Transaction) error {
		return repos.ChangeRequests.Create(ctx, cr)
	})
	require.NoError(t, err)

	_, err = repos.ChangeRequests.GetByID(ctx, cr.ID)
	assert.NoError(t, err)
}

func TestStore_NestedTransactionJoinsOuter(t *testing.T) {
	s, repos := newTestStore(t)
	tm := s.TransactionManager()
	cr := models.NewChangeRequest(uuid.New(), "t", "d")

	done := make(chan error, 1)
	go func() {
		done <- tm.InTransaction(context.Background(), func(ctx context.Context, tx repositories.Transaction) error {
			return tm.InTransaction(ctx, func(ctx context.Context, tx repositories.Transaction) error {
				return repos.ChangeRequests.Create(ctx, cr)
			})
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("nested transaction deadlocked")
	}
}

func TestStore_TransactionsAreSerialized(t *testing.T) {
	s, repos := newTestStore(t)
	ctx := context.Background()
	cr := models.NewChangeRequest(uuid.New(), "counter", "")
	require.NoError(t, repos.ChangeRequests.Create(ctx, cr))

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.TransactionManager().InTransaction(ctx, func(ctx context.Context, tx repositories.Transaction) error {
				current, err := repos.ChangeRequests.GetByIDForUpdate(ctx, cr.ID)
				if err != nil {
					return err
				}
				current.Title += "."
				return repos.ChangeRequests.Update(ctx, current)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := repos.ChangeRequests.GetByID(ctx, cr.ID)
	require.NoError(t, err)
	assert.Len(t, got.Title, len("counter")+workers)
}

func TestStore_BeginHonorsContextWhileBlocked(t *testing.T) {
	s, repos := newTestStore(t)
	tm := s.TransactionManager()

	open, err := tm.Begin(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = tm.Begin(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)

	cancelled, stop := context.WithCancel(context.Background())
	stop()
	err = repos.ChangeRequests.Create(cancelled, models.NewChangeRequest(uuid.New(), "blocked", ""))
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, open.Commit())

	next, err := tm.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, next.Rollback())
}

func TestChangeRequestRepository_ListByAssignee(t *testing.T) {
	_, repos := newTestStore(t)
	ctx := context.Background()
	member := uuid.New()

	mine := models.NewChangeRequest(uuid.New(), "mine", "")
	other := models.NewChangeRequest(uuid.New(), "other", "")
	require.NoError(t, repos.ChangeRequests.Create(ctx, mine))
	require.NoError(t, repos.ChangeRequests.Create(ctx, other))
	require.NoError(t, repos.Assignments.ReplaceCommittee(ctx, mine.ID, models.CommitteeCAB, []uuid.UUID{member}))

	got, err := repos.ChangeRequests.List(ctx, repositories.ChangeRequestFilter{AssigneeID: &member})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, mine.ID, got[0].ID)

	all, err := repos.ChangeRequests.List(ctx, repositories.ChangeRequestFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestAssignmentRepository_ReplaceKeepsOtherCommittee(t *testing.T) {
	_, repos := newTestStore(t)
	ctx := context.Background()
	cr := models.NewChangeRequest(uuid.New(), "t", "d")
	require.NoError(t, repos.ChangeRequests.Create(ctx, cr))

	cab := uuid.New()
	ecab := uuid.New()
	require.NoError(t, repos.Assignments.ReplaceCommittee(ctx, cr.ID, models.CommitteeCAB, []uuid.UUID{cab, cab}))
	require.NoError(t, repos.Assignments.ReplaceCommittee(ctx, cr.ID, models.CommitteeECAB, []uuid.UUID{ecab}))
	require.NoError(t, repos.Assignments.ReplaceCommittee(ctx, cr.ID, models.CommitteeECAB, []uuid.UUID{}))

	a, err := repos.Assignments.GetByRequestID(ctx, cr.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{cab}, a.Members(models.CommitteeCAB))
	assert.Empty(t, a.Members(models.CommitteeECAB))
}

func TestVoteRepository_UpsertOverwrites(t *testing.T) {
	_, repos := newTestStore(t)
	ctx := context.Background()
	cr := models.NewChangeRequest(uuid.New(), "t", "d")
	require.NoError(t, repos.ChangeRequests.Create(ctx, cr))
	voter := uuid.New()

	require.NoError(t, repos.Votes.Upsert(ctx, models.NewVote(cr.ID, voter, true, "")))
	require.NoError(t, repos.Votes.Upsert(ctx, models.NewVote(cr.ID, voter, false, "changed my mind")))

	votes, err := repos.Votes.GetByRequestID(ctx, cr.ID)
	require.NoError(t, err)
	require.Len(t, votes, 1)
	assert.False(t, votes[0].Decision)
	assert.Equal(t, "changed my mind", votes[0].Comment)
}

func TestAuditRepository_FailAuditWrites(t *testing.T) {
	s, repos := newTestStore(t)
	ctx := context.Background()
	requestID := uuid.New()

	s.FailAuditWrites(errors.New("audit disk full"))
	err := repos.AuditLogs.Insert(ctx, models.NewAuditLog(requestID, uuid.New(), models.AuditActionVoteCast))
	assert.Error(t, err)

	s.FailAuditWrites(nil)
	require.NoError(t, repos.AuditLogs.Insert(ctx, models.NewAuditLog(requestID, uuid.New(), models.AuditActionVoteCast)))

	logs, err := repos.AuditLogs.GetByRequestID(ctx, requestID)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestUserRepository(t *testing.T) {
	_, repos := newTestStore(t)
	ctx := context.Background()
	u := models.NewUser("lead@example.edu", "sub-lead")
	require.NoError(t, repos.Users.Create(ctx, u))

	assert.ErrorIs(t, repos.Users.Create(ctx, models.NewUser("lead@example.edu", "other")), repositories.ErrWriteConflict)

	got, err := repos.Users.GetByCognitoSub(ctx, "sub-lead")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = repos.Users.GetByCognitoSub(ctx, "missing")
	assert.ErrorIs(t, err, repositories.ErrNotFound)

	users, err := repos.Users.GetByIDs(ctx, []uuid.UUID{u.ID, uuid.New(), u.ID})
	require.NoError(t, err)
	assert.Len(t, users, 1)
}
