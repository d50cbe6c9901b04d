// Package assignment replaces the committee and lead membership of a request.
package assignment

import (
	"context"

	"github.com/google/uuid"
	"github.com/upb/change-control/backend/models"
	"github.com/upb/change-control/backend/repositories"
	"github.com/upb/change-control/backend/services"
	"github.com/upb/change-control/backend/services/audit"
	"github.com/upb/change-control/backend/services/capability"
	"go.uber.org/zap"
)

// Change is the result of replacing an assignment set
type Change struct {
	Request     *models.ChangeRequest
	Assignments *models.Assignments
	Added       []uuid.UUID
	Removed     []uuid.UUID
}

// Changed reports whether the set differs from the previous one
func (c *Change) Changed() bool {
	return len(c.Added) > 0 || len(c.Removed) > 0
}

// Manager persists committee and lead assignments
type Manager struct {
	repos  *repositories.Repositories
	audit  *audit.Logger
	logger *zap.Logger
}

// NewManager creates a new assignment manager
func NewManager(repos *repositories.Repositories, auditLogger *audit.Logger, logger *zap.Logger) *Manager {
	return &Manager{
		repos:  repos,
		audit:  auditLogger,
		logger: logger,
	}
}

// AssignCommittee replaces the members of one committee. ctx must carry a
// transaction.
func (m *Manager) AssignCommittee(ctx context.Context, actor models.Actor, requestID uuid.UUID, committee models.CommitteeType, memberIDs []uuid.UUID) (*Change, error) {
	if !committee.IsValid() {
		return nil, services.ErrInvalidCommittee.WithDetail("committee", string(committee))
	}

	return m.replace(ctx, actor, requestID, memberIDs, replacement{
		action:  models.MemberAssignedAction(committee),
		current: func(a *models.Assignments) []uuid.UUID { return a.Members(committee) },
		store: func(ctx context.Context, ids []uuid.UUID) error {
			return m.repos.Assignments.ReplaceCommittee(ctx, requestID, committee, ids)
		},
	})
}

// AssignLeads replaces the technical leads. ctx must carry a transaction.
func (m *Manager) AssignLeads(ctx context.Context, actor models.Actor, requestID uuid.UUID, leadIDs []uuid.UUID) (*Change, error) {
	return m.replace(ctx, actor, requestID, leadIDs, replacement{
		action:  models.AuditActionLeaderAssigned,
		current: func(a *models.Assignments) []uuid.UUID { return a.LeadIDs() },
		store: func(ctx context.Context, ids []uuid.UUID) error {
			return m.repos.Assignments.ReplaceLeads(ctx, requestID, ids)
		},
	})
}

type replacement struct {
	action  models.AuditAction
	current func(a *models.Assignments) []uuid.UUID
	store   func(ctx context.Context, ids []uuid.UUID) error
}

func (m *Manager) replace(ctx context.Context, actor models.Actor, requestID uuid.UUID, ids []uuid.UUID, r replacement) (*Change, error) {
	cr, err := m.repos.ChangeRequests.GetByIDForUpdate(ctx, requestID)
	if err != nil {
		return nil, services.MapStoreError(err, services.ErrChangeRequestNotFound)
	}
	assignments, err := m.repos.Assignments.GetByRequestID(ctx, cr.ID)
	if err != nil {
		return nil, services.MapStoreError(err, nil)
	}

	if !cr.Status.IsTriage() {
		return nil, services.ErrNotEditable.WithDetail("status", string(cr.Status))
	}
	if !capability.Resolve(actor, cr, assignments).Has(capability.ManageAssignments) {
		return nil, services.ErrNotAuthorized.WithDetail("capability", capability.ManageAssignments.String())
	}

	ids = Dedupe(ids)
	if err := m.requireActiveUsers(ctx, ids); err != nil {
		return nil, err
	}

	added, removed := diff(r.current(assignments), ids)
	change := &Change{Request: cr, Assignments: assignments, Added: added, Removed: removed}
	if !change.Changed() {
		return change, nil
	}

	entries := make([]*models.AuditLog, 0, len(added)+len(removed))
	for _, id := range added {
		entries = append(entries, models.NewAuditLog(cr.ID, actor.ID, r.action).WithValues("", id.String()))
	}
	for _, id := range removed {
		entries = append(entries, models.NewAuditLog(cr.ID, actor.ID, r.action).WithValues(id.String(), "").WithNote("removed"))
	}
	m.audit.Record(ctx, entries...)

	if err := r.store(ctx, ids); err != nil {
		return nil, services.MapStoreError(err, services.ErrChangeRequestNotFound)
	}

	change.Assignments, err = m.repos.Assignments.GetByRequestID(ctx, cr.ID)
	if err != nil {
		return nil, services.MapStoreError(err, nil)
	}

	m.logger.Info("assignments replaced",
		zap.String("change_request_id", cr.ID.String()),
		zap.String("actor_id", actor.ID.String()),
		zap.String("action", string(r.action)),
		zap.Int("added", len(added)),
		zap.Int("removed", len(removed)),
	)
	return change, nil
}

func (m *Manager) requireActiveUsers(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	users, err := m.repos.Users.GetByIDs(ctx, ids)
	if err != nil {
		return services.MapStoreError(err, nil)
	}

	active := make(map[uuid.UUID]bool, len(users))
	for _, u := range users {
		if u.Active {
			active[u.ID] = true
		}
	}
	for _, id := range ids {
		if !active[id] {
			return services.ErrUnknownAssignee.WithDetail("user_id", id.String())
		}
	}
	return nil
}

// Dedupe drops repeated ids, keeping first-seen order
func Dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func diff(before, after []uuid.UUID) (added, removed []uuid.UUID) {
	was := make(map[uuid.UUID]bool, len(before))
	for _, id := range before {
		was[id] = true
	}
	is := make(map[uuid.UUID]bool, len(after))
	for _, id := range after {
		is[id] = true
		if !was[id] {
			added = append(added, id)
		}
	}
	for _, id := range before {
		if !is[id] {
			removed = append(removed, id)
		}
	}
	return added, removed
}
