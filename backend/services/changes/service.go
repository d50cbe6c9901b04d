// Package changes exposes the change request operations. Each mutation loads
// the aggregate, evaluates it with the lifecycle engine and persists the result
// in one transaction; metrics and tracker notifications follow the commit.
package changes

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/upb/change-control/backend/internal/observability"
	"github.com/upb/change-control/backend/models"
	"github.com/upb/change-control/backend/repositories"
	"github.com/upb/change-control/backend/services"
	"github.com/upb/change-control/backend/services/assignment"
	"github.com/upb/change-control/backend/services/audit"
	"github.com/upb/change-control/backend/services/capability"
	"github.com/upb/change-control/backend/services/lifecycle"
	"github.com/upb/change-control/backend/services/tracker"
	"github.com/upb/change-control/backend/services/voting"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Notifier hands completion notifications to the issue tracker
type Notifier interface {
	Enqueue(n tracker.Notification) error
}

// Service implements the change request operations
type Service struct {
	repos       *repositories.Repositories
	txMgr       repositories.TransactionManager
	engine      *lifecycle.Engine
	audit       *audit.Logger
	assignments *assignment.Manager
	voting      *voting.Aggregator
	notifier    Notifier
	logger      *zap.Logger
}

// NewService creates a new change request service
func NewService(repos *repositories.Repositories, txMgr repositories.TransactionManager, engine *lifecycle.Engine, notifier Notifier, logger *zap.Logger) *Service {
	auditLogger := audit.NewLogger(repos.AuditLogs, logger)
	return &Service{
		repos:       repos,
		txMgr:       txMgr,
		engine:      engine,
		audit:       auditLogger,
		assignments: assignment.NewManager(repos, auditLogger, logger),
		voting:      voting.NewAggregator(repos, engine, auditLogger, logger),
		notifier:    notifier,
		logger:      logger,
	}
}

// ListFilter narrows ListRequests
type ListFilter struct {
	Statuses []models.ChangeStatus
	Limit    int
	Offset   int
}

// ListRequests returns every request to managers and only the requests the
// actor is assigned to (committee or lead) to everyone else.
func (s *Service) ListRequests(ctx context.Context, actor models.Actor, filter ListFilter) ([]*models.ChangeRequest, error) {
	for _, st := range filter.Statuses {
		if !st.IsValid() {
			return nil, services.ErrInvalidInput.WithDetail("status", string(st))
		}
	}

	repoFilter := repositories.ChangeRequestFilter{
		Statuses: filter.Statuses,
		Limit:    filter.Limit,
		Offset:   filter.Offset,
	}
	if !actor.IsManager() {
		id := actor.ID
		repoFilter.AssigneeID = &id
	}

	requests, err := s.repos.ChangeRequests.List(ctx, repoFilter)
	if err != nil {
		return nil, services.MapStoreError(err, nil)
	}
	if requests == nil {
		requests = []*models.ChangeRequest{}
	}
	return requests, nil
}

// Details is a request with everything recorded about it
type Details struct {
	Request      *models.ChangeRequest `json:"request"`
	Assignments  *models.Assignments   `json:"assignments"`
	Votes        []*models.Vote        `json:"votes"`
	AuditLog     []*models.AuditLog    `json:"audit_log"`
	PIR          *models.PIRRecord     `json:"pir,omitempty"`
	Tally        *voting.Tally         `json:"tally,omitempty"`
	Capabilities capability.Set        `json:"capabilities"`
}

// GetRequest loads a request together with its assignments, votes, audit log
// and review, plus the capabilities of actor on it.
func (s *Service) GetRequest(ctx context.Context, id uuid.UUID, actor models.Actor) (*Details, error) {
	cr, err := s.repos.ChangeRequests.GetByID(ctx, id)
	if err != nil {
		return nil, services.MapStoreError(err, services.ErrChangeRequestNotFound)
	}

	d := &Details{Request: cr}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		d.Assignments, err = s.repos.Assignments.GetByRequestID(gctx, id)
		return err
	})
	g.Go(func() error {
		var err error
		d.Votes, err = s.repos.Votes.GetByRequestID(gctx, id)
		return err
	})
	g.Go(func() error {
		var err error
		d.AuditLog, err = s.repos.AuditLogs.GetByRequestID(gctx, id)
		return err
	})
	g.Go(func() error {
		pir, err := s.repos.PIRs.GetByRequestID(gctx, id)
		if errors.Is(err, repositories.ErrNotFound) {
			return nil
		}
		d.PIR = pir
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, services.MapStoreError(err, services.ErrChangeRequestNotFound)
	}

	if committee, ok := cr.Model.Committee(); ok {
		tally := voting.Count(d.Assignments.Members(committee), d.Votes)
		d.Tally = &tally
	}
	d.Capabilities = capability.Resolve(actor, cr, d.Assignments)
	return d, nil
}

// Capabilities returns what actor may do on the request
func (s *Service) Capabilities(ctx context.Context, id uuid.UUID, actor models.Actor) (capability.Set, error) {
	cr, err := s.repos.ChangeRequests.GetByID(ctx, id)
	if err != nil {
		return capability.Set{}, services.MapStoreError(err, services.ErrChangeRequestNotFound)
	}
	a, err := s.repos.Assignments.GetByRequestID(ctx, id)
	if err != nil {
		return capability.Set{}, services.MapStoreError(err, nil)
	}
	return capability.Resolve(actor, cr, a), nil
}

// CreateRequest drafts a new request owned by actor
func (s *Service) CreateRequest(ctx context.Context, actor models.Actor, draft lifecycle.Draft) (*models.ChangeRequest, error) {
	const op = "create_request"

	res, err := s.engine.Create(actor.ID, draft)
	if err != nil {
		return nil, s.fail(op, err)
	}

	err = services.WithTransaction(ctx, s.txMgr, func(ctx context.Context, tx repositories.Transaction) error {
		if err := s.repos.ChangeRequests.Create(ctx, res.Request); err != nil {
			return services.MapStoreError(err, nil)
		}
		s.audit.Record(ctx, res.Audit...)
		return nil
	})
	if err != nil {
		return nil, s.fail(op, err)
	}

	s.committed(op, actor, res)
	return res.Request, nil
}

// UpdateDetails edits the descriptive fields of a request still in triage
func (s *Service) UpdateDetails(ctx context.Context, id uuid.UUID, actor models.Actor, fields lifecycle.UpdateDetails) (*models.ChangeRequest, error) {
	return s.apply(ctx, id, actor, fields)
}

// SetModelAndPriority changes the approval model and priority during triage
func (s *Service) SetModelAndPriority(ctx context.Context, id uuid.UUID, actor models.Actor, model models.ChangeModel, priority models.Priority) (*models.ChangeRequest, error) {
	return s.apply(ctx, id, actor, lifecycle.SetModelAndPriority{Model: model, Priority: priority})
}

// AssignCommittee replaces the members of a committee
func (s *Service) AssignCommittee(ctx context.Context, id uuid.UUID, actor models.Actor, committee models.CommitteeType, memberIDs []uuid.UUID) (*models.Assignments, error) {
	return s.assign(ctx, "assign_committee", func(ctx context.Context) (*assignment.Change, error) {
		return s.assignments.AssignCommittee(ctx, actor, id, committee, memberIDs)
	})
}

// AssignLeads replaces the technical leads
func (s *Service) AssignLeads(ctx context.Context, id uuid.UUID, actor models.Actor, leadIDs []uuid.UUID) (*models.Assignments, error) {
	return s.assign(ctx, "assign_leads", func(ctx context.Context) (*assignment.Change, error) {
		return s.assignments.AssignLeads(ctx, actor, id, leadIDs)
	})
}

func (s *Service) assign(ctx context.Context, op string, fn func(ctx context.Context) (*assignment.Change, error)) (*models.Assignments, error) {
	change, err := services.WithTransactionResult(ctx, s.txMgr, func(ctx context.Context, tx repositories.Transaction) (*assignment.Change, error) {
		return fn(ctx)
	})
	if err != nil {
		return nil, s.fail(op, err)
	}

	result := "ok"
	if !change.Changed() {
		result = "noop"
	}
	observability.RecordOperation(op, result)
	return change.Assignments, nil
}

// RouteAssignments are saved together with a route. A nil slice keeps the
// current set.
type RouteAssignments struct {
	CommitteeIDs []uuid.UUID // committee of the request's model
	LeadIDs      []uuid.UUID
}

// RouteRequest sends a triaged request to approved (standard model) or to its
// committee. Assignments in with are replaced first, in the same transaction,
// so a failed route leaves them untouched.
func (s *Service) RouteRequest(ctx context.Context, id uuid.UUID, actor models.Actor, with *RouteAssignments) (*models.ChangeRequest, error) {
	intent := lifecycle.RouteRequest{}
	op := lifecycle.Name(intent)

	res, err := services.WithTransactionResult(ctx, s.txMgr, func(ctx context.Context, tx repositories.Transaction) (lifecycle.Result, error) {
		if with != nil {
			if err := s.saveRouteAssignments(ctx, id, actor, with); err != nil {
				return lifecycle.Result{}, err
			}
		}
		return s.evaluate(ctx, id, actor, intent)
	})
	if err != nil {
		return nil, s.fail(op, err)
	}

	s.committed(op, actor, res)
	return res.Request, nil
}

func (s *Service) saveRouteAssignments(ctx context.Context, id uuid.UUID, actor models.Actor, with *RouteAssignments) error {
	if with.CommitteeIDs != nil {
		cr, err := s.repos.ChangeRequests.GetByIDForUpdate(ctx, id)
		if err != nil {
			return services.MapStoreError(err, services.ErrChangeRequestNotFound)
		}
		committee, ok := cr.Model.Committee()
		if !ok {
			if len(with.CommitteeIDs) > 0 {
				return services.ErrInvalidCommittee.WithDetail("model", string(cr.Model))
			}
		} else if _, err := s.assignments.AssignCommittee(ctx, actor, id, committee, with.CommitteeIDs); err != nil {
			return err
		}
	}
	if with.LeadIDs != nil {
		if _, err := s.assignments.AssignLeads(ctx, actor, id, with.LeadIDs); err != nil {
			return err
		}
	}
	return nil
}

// VoteResult is the outcome of CastVote
type VoteResult struct {
	Vote      *models.Vote          `json:"vote"`
	Request   *models.ChangeRequest `json:"request"`
	Tally     voting.Tally          `json:"tally"`
	Finalized bool                  `json:"finalized"`
}

// CastVote records a committee vote and finalizes the decision on the last one
func (s *Service) CastVote(ctx context.Context, id uuid.UUID, voter models.Actor, decision bool, comment string) (*VoteResult, error) {
	const op = "cast_vote"

	out, err := services.WithTransactionResult(ctx, s.txMgr, func(ctx context.Context, tx repositories.Transaction) (*voting.Outcome, error) {
		return s.voting.Cast(ctx, voting.Ballot{RequestID: id, Voter: voter, Decision: decision, Comment: comment})
	})
	if err != nil {
		return nil, s.fail(op, err)
	}

	committee, _ := out.Request.Model.Committee()
	observability.RecordVote(string(committee), decision)
	observability.RecordOperation(op, "ok")
	if out.Finalized {
		observability.RecordFinalization(string(out.Request.Status))
		observability.RecordTransition(string(models.StatusPendingCommittee), string(out.Request.Status))
	}

	s.logger.Info("vote recorded",
		zap.String("change_request_id", id.String()),
		zap.String("actor_id", voter.ID.String()),
		zap.Bool("decision", decision),
		zap.Int("pending", out.Tally.Pending),
		zap.Bool("finalized", out.Finalized),
	)

	return &VoteResult{Vote: out.Vote, Request: out.Request, Tally: out.Tally, Finalized: out.Finalized}, nil
}

// StartImplementation moves an approved request into implementation
func (s *Service) StartImplementation(ctx context.Context, id uuid.UUID, actor models.Actor) (*models.ChangeRequest, error) {
	return s.apply(ctx, id, actor, lifecycle.StartImplementation{})
}

// CompleteImplementation links the pull request and completes the request.
// The linked issue is closed asynchronously.
func (s *Service) CompleteImplementation(ctx context.Context, id uuid.UUID, actor models.Actor, prReference string) (*models.ChangeRequest, error) {
	return s.apply(ctx, id, actor, lifecycle.CompleteImplementation{PRReference: prReference})
}

// RequestReviewReport asks for a review report before closing
func (s *Service) RequestReviewReport(ctx context.Context, id uuid.UUID, actor models.Actor) (*models.ChangeRequest, error) {
	return s.apply(ctx, id, actor, lifecycle.RequestReviewReport{})
}

// SavePIRAndClose stores the post-implementation review and closes the request
func (s *Service) SavePIRAndClose(ctx context.Context, id uuid.UUID, reviewer models.Actor, successful bool, notes string) (*models.ChangeRequest, error) {
	intent := lifecycle.Close{Successful: successful, Notes: notes}
	op := lifecycle.Name(intent)

	res, err := services.WithTransactionResult(ctx, s.txMgr, func(ctx context.Context, tx repositories.Transaction) (lifecycle.Result, error) {
		res, err := s.evaluate(ctx, id, reviewer, intent)
		if err != nil {
			return res, err
		}

		pir := &models.PIRRecord{
			RequestID:  id,
			ReviewerID: reviewer.ID,
			Successful: successful,
			Notes:      strings.TrimSpace(notes),
			ReviewedAt: res.Request.UpdatedAt,
		}
		if err := s.repos.PIRs.Upsert(ctx, pir); err != nil {
			return res, services.MapStoreError(err, services.ErrChangeRequestNotFound)
		}
		return res, nil
	})
	if err != nil {
		return nil, s.fail(op, err)
	}

	s.committed(op, reviewer, res)
	return res.Request, nil
}

// CancelRequest withdraws a request before implementation starts
func (s *Service) CancelRequest(ctx context.Context, id uuid.UUID, actor models.Actor, reason string) (*models.ChangeRequest, error) {
	return s.apply(ctx, id, actor, lifecycle.Cancel{Reason: reason})
}

// apply runs one intent in its own transaction
func (s *Service) apply(ctx context.Context, id uuid.UUID, actor models.Actor, intent lifecycle.Intent) (*models.ChangeRequest, error) {
	op := lifecycle.Name(intent)

	res, err := services.WithTransactionResult(ctx, s.txMgr, func(ctx context.Context, tx repositories.Transaction) (lifecycle.Result, error) {
		return s.evaluate(ctx, id, actor, intent)
	})
	if err != nil {
		return nil, s.fail(op, err)
	}

	s.committed(op, actor, res)
	return res.Request, nil
}

// evaluate locks the request, applies intent and writes the audit entries
// followed by the new request state. ctx must carry a transaction.
func (s *Service) evaluate(ctx context.Context, id uuid.UUID, actor models.Actor, intent lifecycle.Intent) (lifecycle.Result, error) {
	cr, err := s.repos.ChangeRequests.GetByIDForUpdate(ctx, id)
	if err != nil {
		return lifecycle.Result{}, services.MapStoreError(err, services.ErrChangeRequestNotFound)
	}
	a, err := s.repos.Assignments.GetByRequestID(ctx, id)
	if err != nil {
		return lifecycle.Result{}, services.MapStoreError(err, nil)
	}

	res, err := s.engine.Apply(lifecycle.Aggregate{Request: cr, Assignments: a}, actor.ID, intent, capability.Resolve(actor, cr, a))
	if err != nil || !res.Changed {
		return res, err
	}

	s.audit.Record(ctx, res.Audit...)
	if err := s.repos.ChangeRequests.Update(ctx, res.Request); err != nil {
		return lifecycle.Result{}, services.MapStoreError(err, services.ErrChangeRequestNotFound)
	}
	return res, nil
}

// committed records metrics and hands notifications to the tracker
func (s *Service) committed(op string, actor models.Actor, res lifecycle.Result) {
	if !res.Changed {
		observability.RecordOperation(op, "noop")
		return
	}
	observability.RecordOperation(op, "ok")

	for _, entry := range res.Audit {
		if entry.Action == models.AuditActionStatusChanged && entry.OldValue != "" {
			observability.RecordTransition(entry.OldValue, entry.NewValue)
		}
	}

	s.logger.Info("change request updated",
		zap.String("operation", op),
		zap.String("change_request_id", res.Request.ID.String()),
		zap.String("actor_id", actor.ID.String()),
		zap.String("status", string(res.Request.Status)),
	)

	for _, n := range res.Notifications {
		if s.notifier == nil {
			break
		}
		if err := s.notifier.Enqueue(tracker.Notification{
			RequestID:      n.RequestID,
			IssueReference: n.IssueReference,
			PRReference:    n.PRReference,
		}); err != nil {
			s.logger.Warn("issue tracker notification not queued",
				zap.Error(err),
				zap.String("change_request_id", n.RequestID.String()),
				zap.String("issue_reference", n.IssueReference),
			)
		}
	}
}

// fail maps err into the domain taxonomy and counts it
func (s *Service) fail(op string, err error) error {
	var domainErr *services.DomainError
	if !errors.As(err, &domainErr) {
		err = services.MapStoreError(err, nil)
	}
	observability.RecordOperation(op, string(services.GetErrorType(err)))
	return err
}
