package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/upb/change-control/backend/models"
	"github.com/upb/change-control/backend/repositories"
)

// write applies fn under the state lock. Writes outside a transaction of this
// store wait for open transactions so a rollback never discards them.
func (s *Store) write(ctx context.Context, fn func(st *state) error) error {
	if tx, ok := ctx.Value(txContextKey{}).(*transaction); !ok || tx.store != s || tx.done {
		if err := s.acquire(ctx); err != nil {
			return err
		}
		defer s.release()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&s.state)
}

func (s *Store) read(fn func(st *state) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&s.state)
}

type changeRequestRepository struct{ s *Store }

func (r *changeRequestRepository) Create(ctx context.Context, cr *models.ChangeRequest) error {
	return r.s.write(ctx, func(st *state) error {
		if _, exists := st.requests[cr.ID]; exists {
			return fmt.Errorf("create change request %s: %w", cr.ID, repositories.ErrWriteConflict)
		}
		st.requests[cr.ID] = cr.Clone()
		return nil
	})
}

func (r *changeRequestRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ChangeRequest, error) {
	var out *models.ChangeRequest
	err := r.s.read(func(st *state) error {
		cr, ok := st.requests[id]
		if !ok {
			return fmt.Errorf("get change request %s: %w", id, repositories.ErrNotFound)
		}
		out = cr.Clone()
		return nil
	})
	return out, err
}

// GetByIDForUpdate needs no row lock here: transactions are already serialized
func (r *changeRequestRepository) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.ChangeRequest, error) {
	return r.GetByID(ctx, id)
}

func (r *changeRequestRepository) List(ctx context.Context, filter repositories.ChangeRequestFilter) ([]*models.ChangeRequest, error) {
	var out []*models.ChangeRequest
	err := r.s.read(func(st *state) error {
		for _, cr := range st.requests {
			if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, cr.Status) {
				continue
			}
			if filter.AssigneeID != nil && !isAssignee(st, cr.ID, *filter.AssigneeID) {
				continue
			}
			out = append(out, cr.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *changeRequestRepository) Update(ctx context.Context, cr *models.ChangeRequest) error {
	return r.s.write(ctx, func(st *state) error {
		if _, ok := st.requests[cr.ID]; !ok {
			return fmt.Errorf("update change request %s: %w", cr.ID, repositories.ErrNotFound)
		}
		st.requests[cr.ID] = cr.Clone()
		return nil
	})
}

func containsStatus(statuses []models.ChangeStatus, s models.ChangeStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func isAssignee(st *state, requestID, userID uuid.UUID) bool {
	for _, c := range st.committee[requestID] {
		if c.MemberID == userID {
			return true
		}
	}
	for _, l := range st.leads[requestID] {
		if l.LeadID == userID {
			return true
		}
	}
	return false
}

type assignmentRepository struct{ s *Store }

func (r *assignmentRepository) ReplaceCommittee(ctx context.Context, requestID uuid.UUID, committee models.CommitteeType, memberIDs []uuid.UUID) error {
	return r.s.write(ctx, func(st *state) error {
		if _, ok := st.requests[requestID]; !ok {
			return fmt.Errorf("replace committee of %s: %w", requestID, repositories.ErrNotFound)
		}

		kept := make([]models.CommitteeAssignment, 0, len(st.committee[requestID])+len(memberIDs))
		for _, c := range st.committee[requestID] {
			if c.CommitteeType != committee {
				kept = append(kept, c)
			}
		}

		now := time.Now().UTC()
		seen := make(map[uuid.UUID]bool, len(memberIDs))
		for _, id := range memberIDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			kept = append(kept, models.CommitteeAssignment{
				RequestID:     requestID,
				MemberID:      id,
				CommitteeType: committee,
				AssignedAt:    now,
			})
		}
		st.committee[requestID] = kept
		return nil
	})
}

func (r *assignmentRepository) ReplaceLeads(ctx context.Context, requestID uuid.UUID, leadIDs []uuid.UUID) error {
	return r.s.write(ctx, func(st *state) error {
		if _, ok := st.requests[requestID]; !ok {
			return fmt.Errorf("replace leads of %s: %w", requestID, repositories.ErrNotFound)
		}

		now := time.Now().UTC()
		seen := make(map[uuid.UUID]bool, len(leadIDs))
		leads := make([]models.LeadAssignment, 0, len(leadIDs))
		for _, id := range leadIDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			leads = append(leads, models.LeadAssignment{RequestID: requestID, LeadID: id, AssignedAt: now})
		}
		st.leads[requestID] = leads
		return nil
	})
}

func (r *assignmentRepository) GetByRequestID(ctx context.Context, requestID uuid.UUID) (*models.Assignments, error) {
	out := &models.Assignments{}
	err := r.s.read(func(st *state) error {
		out.Committee = append([]models.CommitteeAssignment{}, st.committee[requestID]...)
		out.Leads = append([]models.LeadAssignment{}, st.leads[requestID]...)
		return nil
	})
	return out, err
}

type voteRepository struct{ s *Store }

func (r *voteRepository) Upsert(ctx context.Context, vote *models.Vote) error {
	return r.s.write(ctx, func(st *state) error {
		if _, ok := st.requests[vote.RequestID]; !ok {
			return fmt.Errorf("upsert vote on %s: %w", vote.RequestID, repositories.ErrNotFound)
		}
		cp := *vote
		st.votes[voteKey{vote.RequestID, vote.VoterID}] = &cp
		return nil
	})
}

func (r *voteRepository) GetByRequestID(ctx context.Context, requestID uuid.UUID) ([]*models.Vote, error) {
	votes := []*models.Vote{}
	err := r.s.read(func(st *state) error {
		for k, v := range st.votes {
			if k.requestID == requestID {
				cp := *v
				votes = append(votes, &cp)
			}
		}
		return nil
	})

	sort.Slice(votes, func(i, j int) bool {
		if votes[i].VotedAt.Equal(votes[j].VotedAt) {
			return votes[i].VoterID.String() < votes[j].VoterID.String()
		}
		return votes[i].VotedAt.Before(votes[j].VotedAt)
	})
	return votes, err
}

type auditRepository struct{ s *Store }

func (r *auditRepository) Insert(ctx context.Context, log *models.AuditLog) error {
	return r.s.write(ctx, func(st *state) error {
		if r.s.auditFailure != nil {
			return fmt.Errorf("insert audit log: %w", r.s.auditFailure)
		}
		cp := *log
		st.audit[log.RequestID] = append(st.audit[log.RequestID], &cp)
		return nil
	})
}

func (r *auditRepository) GetByRequestID(ctx context.Context, requestID uuid.UUID) ([]*models.AuditLog, error) {
	logs := []*models.AuditLog{}
	err := r.s.read(func(st *state) error {
		for _, entry := range st.audit[requestID] {
			cp := *entry
			logs = append(logs, &cp)
		}
		return nil
	})
	return logs, err
}

type pirRepository struct{ s *Store }

func (r *pirRepository) Upsert(ctx context.Context, pir *models.PIRRecord) error {
	return r.s.write(ctx, func(st *state) error {
		if _, ok := st.requests[pir.RequestID]; !ok {
			return fmt.Errorf("upsert pir on %s: %w", pir.RequestID, repositories.ErrNotFound)
		}
		cp := *pir
		st.pirs[pir.RequestID] = &cp
		return nil
	})
}

func (r *pirRepository) GetByRequestID(ctx context.Context, requestID uuid.UUID) (*models.PIRRecord, error) {
	var out *models.PIRRecord
	err := r.s.read(func(st *state) error {
		pir, ok := st.pirs[requestID]
		if !ok {
			return fmt.Errorf("get pir of %s: %w", requestID, repositories.ErrNotFound)
		}
		cp := *pir
		out = &cp
		return nil
	})
	return out, err
}

type userRepository struct{ s *Store }

func (r *userRepository) Create(ctx context.Context, user *models.User) error {
	return r.s.write(ctx, func(st *state) error {
		for _, existing := range st.users {
			if existing.ID == user.ID || existing.CognitoSub == user.CognitoSub || existing.Email == user.Email {
				return fmt.Errorf("create user %s: %w", user.Email, repositories.ErrWriteConflict)
			}
		}
		st.users[user.ID] = cloneUser(user)
		return nil
	})
}

func (r *userRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var out *models.User
	err := r.s.read(func(st *state) error {
		u, ok := st.users[id]
		if !ok {
			return fmt.Errorf("get user %s: %w", id, repositories.ErrNotFound)
		}
		out = cloneUser(u)
		return nil
	})
	return out, err
}

func (r *userRepository) GetByCognitoSub(ctx context.Context, cognitoSub string) (*models.User, error) {
	var out *models.User
	err := r.s.read(func(st *state) error {
		for _, u := range st.users {
			if u.CognitoSub == cognitoSub {
				out = cloneUser(u)
				return nil
			}
		}
		return fmt.Errorf("get user by cognito_sub: %w", repositories.ErrNotFound)
	})
	return out, err
}

func (r *userRepository) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.User, error) {
	users := []*models.User{}
	err := r.s.read(func(st *state) error {
		seen := make(map[uuid.UUID]bool, len(ids))
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			if u, ok := st.users[id]; ok {
				users = append(users, cloneUser(u))
			}
		}
		return nil
	})

	sort.Slice(users, func(i, j int) bool { return users[i].Email < users[j].Email })
	return users, err
}
