// Package voting collects committee votes and finalizes the committee decision.
package voting

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/upb/change-control/backend/models"
	"github.com/upb/change-control/backend/repositories"
	"github.com/upb/change-control/backend/services"
	"github.com/upb/change-control/backend/services/audit"
	"github.com/upb/change-control/backend/services/capability"
	"github.com/upb/change-control/backend/services/lifecycle"
	"go.uber.org/zap"
)

// Tally is the count of current committee members' votes
type Tally struct {
	Members   int  `json:"members"`
	Approvals int  `json:"approvals"`
	Rejects   int  `json:"rejects"`
	Pending   int  `json:"pending"`
	Complete  bool `json:"complete"`
}

// Approved reports the outcome of a complete tally: any reject vetoes
func (t Tally) Approved() bool {
	return t.Complete && t.Rejects == 0
}

// Count tallies votes of the given members. Votes from anyone else are ignored.
// The tally is complete only once every member has voted; an early reject does
// not finalize.
func Count(members []uuid.UUID, votes []*models.Vote) Tally {
	byVoter := make(map[uuid.UUID]bool, len(votes))
	for _, v := range votes {
		byVoter[v.VoterID] = v.Decision
	}

	seen := make(map[uuid.UUID]bool, len(members))
	t := Tally{}
	for _, m := range members {
		if seen[m] {
			continue
		}
		seen[m] = true
		t.Members++

		decision, voted := byVoter[m]
		switch {
		case !voted:
			t.Pending++
		case decision:
			t.Approvals++
		default:
			t.Rejects++
		}
	}
	t.Complete = t.Members > 0 && t.Pending == 0
	return t
}

// Ballot is a vote being cast
type Ballot struct {
	RequestID uuid.UUID
	Voter     models.Actor
	Decision  bool
	Comment   string
}

// Outcome is what a successful cast produced
type Outcome struct {
	Vote      *models.Vote
	Request   *models.ChangeRequest
	Tally     Tally
	Finalized bool
}

// Aggregator records votes and fires the committee decision exactly once
type Aggregator struct {
	repos  *repositories.Repositories
	engine *lifecycle.Engine
	audit  *audit.Logger
	logger *zap.Logger
}

// NewAggregator creates a new voting aggregator
func NewAggregator(repos *repositories.Repositories, engine *lifecycle.Engine, auditLogger *audit.Logger, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		repos:  repos,
		engine: engine,
		audit:  auditLogger,
		logger: logger,
	}
}

// Cast records a vote and finalizes the request when it was the last one
// missing. ctx must carry a transaction: the request row is locked first, so
// concurrent casts on the same request are serialized and only one of them can
// observe the complete tally.
func (a *Aggregator) Cast(ctx context.Context, b Ballot) (*Outcome, error) {
	cr, err := a.repos.ChangeRequests.GetByIDForUpdate(ctx, b.RequestID)
	if err != nil {
		return nil, services.MapStoreError(err, services.ErrChangeRequestNotFound)
	}

	assignments, err := a.repos.Assignments.GetByRequestID(ctx, cr.ID)
	if err != nil {
		return nil, services.MapStoreError(err, nil)
	}

	if cr.Status != models.StatusPendingCommittee {
		if committeeDecided(cr) {
			return nil, services.ErrAlreadyFinalized.WithDetail("status", string(cr.Status))
		}
		return nil, services.ErrVotingNotOpen.WithDetail("status", string(cr.Status))
	}

	committee, _ := cr.Model.Committee()
	caps := capability.Resolve(b.Voter, cr, assignments)
	if !caps.Has(capability.Vote) {
		return nil, services.ErrNotCommitteeMember.WithDetail("committee", string(committee))
	}

	comment := strings.TrimSpace(b.Comment)
	if !b.Decision && comment == "" {
		return nil, services.ErrCommentRequired
	}

	vote := models.NewVote(cr.ID, b.Voter.ID, b.Decision, comment)
	if err := a.repos.Votes.Upsert(ctx, vote); err != nil {
		return nil, services.MapStoreError(err, services.ErrChangeRequestNotFound)
	}
	a.audit.Record(ctx, voteEntry(vote))

	votes, err := a.repos.Votes.GetByRequestID(ctx, cr.ID)
	if err != nil {
		return nil, services.MapStoreError(err, nil)
	}
	tally := Count(assignments.Members(committee), votes)

	out := &Outcome{Vote: vote, Request: cr, Tally: tally}
	if !tally.Complete {
		return out, nil
	}

	res, err := a.engine.Apply(
		lifecycle.Aggregate{Request: cr, Assignments: assignments},
		b.Voter.ID,
		lifecycle.FinalizeDecision{
			Approved:  tally.Approved(),
			Approvals: tally.Approvals,
			Rejects:   tally.Rejects,
			Complete:  tally.Complete,
		},
		caps,
	)
	if err != nil {
		return nil, err
	}

	a.audit.Record(ctx, res.Audit...)
	if err := a.repos.ChangeRequests.Update(ctx, res.Request); err != nil {
		return nil, services.MapStoreError(err, services.ErrChangeRequestNotFound)
	}

	a.logger.Info("committee decision finalized",
		zap.String("change_request_id", cr.ID.String()),
		zap.String("outcome", string(res.Request.Status)),
		zap.Int("approvals", tally.Approvals),
		zap.Int("rejects", tally.Rejects),
	)

	out.Request = res.Request
	out.Finalized = true
	return out, nil
}

func voteEntry(v *models.Vote) *models.AuditLog {
	decision := "reject"
	if v.Decision {
		decision = "approve"
	}
	entry := models.NewAuditLog(v.RequestID, v.VoterID, models.AuditActionVoteCast).
		WithValues("", decision).
		WithNote(v.Comment)
	entry.Timestamp = v.VotedAt
	return entry
}

// committeeDecided reports whether the request left pending_committee through
// a committee decision. A cancelled request never counts, even mid-vote.
func committeeDecided(cr *models.ChangeRequest) bool {
	if _, ok := cr.Model.Committee(); !ok {
		return false
	}
	switch cr.Status {
	case models.StatusApproved, models.StatusRejected, models.StatusInProgress,
		models.StatusCompleted, models.StatusPendingReviewReport, models.StatusClosed:
		return true
	}
	return false
}
