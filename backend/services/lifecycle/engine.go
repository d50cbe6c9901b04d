// Package lifecycle holds the change request state machine. The Engine is pure:
// it takes the current aggregate, an intent and the actor's capabilities and
// returns the next request plus the side effects the caller must carry out.
// It never touches storage.
package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/upb/change-control/backend/models"
	"github.com/upb/change-control/backend/services"
	"github.com/upb/change-control/backend/services/capability"
)

// edges is the complete transition graph
var edges = map[models.ChangeStatus][]models.ChangeStatus{
	models.StatusDraft:               {models.StatusApproved, models.StatusPendingCommittee, models.StatusCancelled},
	models.StatusPendingReview:       {models.StatusApproved, models.StatusPendingCommittee, models.StatusCancelled},
	models.StatusPendingCommittee:    {models.StatusApproved, models.StatusRejected, models.StatusCancelled},
	models.StatusApproved:            {models.StatusInProgress, models.StatusCancelled},
	models.StatusInProgress:          {models.StatusCompleted},
	models.StatusCompleted:           {models.StatusClosed, models.StatusPendingReviewReport},
	models.StatusPendingReviewReport: {models.StatusClosed},
}

// CanTransition reports whether from → to is an edge of the graph
func CanTransition(from, to models.ChangeStatus) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Aggregate is the persisted state an intent is evaluated against
type Aggregate struct {
	Request     *models.ChangeRequest
	Assignments *models.Assignments
}

// Notification asks the issue tracker to close the linked issue
type Notification struct {
	RequestID      uuid.UUID
	IssueReference string
	PRReference    string
}

// Result is the outcome of applying an intent
type Result struct {
	Request       *models.ChangeRequest
	Changed       bool
	Audit         []*models.AuditLog
	Notifications []Notification
}

// Intent is a requested change to a request
type Intent interface {
	name() string
}

// SetModelAndPriority changes the approval model and priority during triage
type SetModelAndPriority struct {
	Model    models.ChangeModel
	Priority models.Priority
}

// RouteRequest sends a triaged request down the path of its model
type RouteRequest struct{}

// FinalizeDecision applies the committee outcome. Only the voting aggregator
// builds it; Tally must be complete.
type FinalizeDecision struct {
	Approved  bool
	Approvals int
	Rejects   int
	Complete  bool
}

// StartImplementation moves an approved request into implementation
type StartImplementation struct{}

// CompleteImplementation marks the change as implemented with its pull request
type CompleteImplementation struct {
	PRReference string
}

// RequestReviewReport asks for a post-implementation review report
type RequestReviewReport struct{}

// Close records the post-implementation review and closes the request
type Close struct {
	Successful bool
	Notes      string
}

// Cancel withdraws a request before implementation starts
type Cancel struct {
	Reason string
}

// UpdateDetails edits the descriptive fields of a triage request. Nil fields
// are left unchanged.
type UpdateDetails struct {
	Title           *string
	Description     *string
	Justification   *string
	PotentialImpact *string
	IssueReference  *string
}

func (SetModelAndPriority) name() string    { return "set_model_and_priority" }
func (RouteRequest) name() string           { return "route_request" }
func (FinalizeDecision) name() string       { return "finalize_decision" }
func (StartImplementation) name() string    { return "start_implementation" }
func (CompleteImplementation) name() string { return "complete_implementation" }
func (RequestReviewReport) name() string    { return "request_review_report" }
func (Close) name() string                  { return "close" }
func (Cancel) name() string                 { return "cancel" }
func (UpdateDetails) name() string          { return "update_details" }

// Name returns the operation name of an intent, used for logging and metrics
func Name(in Intent) string {
	return in.name()
}

// Engine evaluates intents
type Engine struct {
	now func() time.Time
}

// NewEngine creates an engine stamping changes with the wall clock
func NewEngine() *Engine {
	return &Engine{now: func() time.Time { return time.Now().UTC() }}
}

// NewEngineWithClock creates an engine with a fixed clock, for tests
func NewEngineWithClock(now func() time.Time) *Engine {
	return &Engine{now: now}
}

// Apply evaluates intent against agg on behalf of actorID. The status guard runs
// before the capability check, so an action that is illegal in the current
// status fails with InvalidTransition whoever asks. The input aggregate is never
// mutated.
func (e *Engine) Apply(agg Aggregate, actorID uuid.UUID, intent Intent, caps capability.Set) (Result, error) {
	if agg.Request == nil {
		return Result{}, services.ErrChangeRequestNotFound
	}
	if agg.Assignments == nil {
		agg.Assignments = &models.Assignments{}
	}

	next := agg.Request.Clone()
	now := e.now()
	b := &builder{requestID: next.ID, actorID: actorID, now: now}

	var err error
	switch in := intent.(type) {
	case SetModelAndPriority:
		err = e.setModelAndPriority(next, in, caps, b)
	case RouteRequest:
		err = e.route(next, agg.Assignments, caps, b)
	case FinalizeDecision:
		err = e.finalize(next, in, b)
	case StartImplementation:
		err = e.transition(next, models.StatusInProgress, caps, capability.AdvanceImplementation, "", b)
	case CompleteImplementation:
		err = e.complete(next, in, caps, b)
	case RequestReviewReport:
		err = e.transition(next, models.StatusPendingReviewReport, caps, capability.RequestReviewReport, "", b)
	case Close:
		err = e.close(next, in, caps, b)
	case Cancel:
		err = e.cancel(next, in, caps, b)
	case UpdateDetails:
		err = e.updateDetails(next, in, caps, b)
	default:
		err = services.WrapError(services.ErrorTypeValidation, fmt.Sprintf("unsupported intent %T", intent), nil)
	}
	if err != nil {
		return Result{}, err
	}

	if len(b.audit) == 0 {
		return Result{Request: agg.Request.Clone()}, nil
	}

	next.UpdatedAt = now
	return Result{
		Request:       next,
		Changed:       true,
		Audit:         b.audit,
		Notifications: b.notifications,
	}, nil
}

// builder accumulates the side effects of one intent
type builder struct {
	requestID     uuid.UUID
	actorID       uuid.UUID
	now           time.Time
	audit         []*models.AuditLog
	notifications []Notification
}

func (b *builder) record(action models.AuditAction, oldValue, newValue, note string) {
	entry := models.NewAuditLog(b.requestID, b.actorID, action).WithValues(oldValue, newValue).WithNote(note)
	entry.Timestamp = b.now
	b.audit = append(b.audit, entry)
}

func (b *builder) statusChanged(cr *models.ChangeRequest, to models.ChangeStatus, note string) {
	b.record(models.AuditActionStatusChanged, string(cr.Status), string(to), note)
	cr.Status = to
}

func requireStatus(cr *models.ChangeRequest, to models.ChangeStatus) error {
	if !CanTransition(cr.Status, to) {
		return services.ErrInvalidTransition.
			WithDetail("from", string(cr.Status)).
			WithDetail("to", string(to))
	}
	return nil
}

func requireCapability(caps capability.Set, c capability.Capability) error {
	if !caps.Has(c) {
		return services.ErrNotAuthorized.WithDetail("capability", c.String())
	}
	return nil
}

func claimManager(cr *models.ChangeRequest, actorID uuid.UUID) {
	if cr.ManagerID == nil {
		id := actorID
		cr.ManagerID = &id
	}
}

func (e *Engine) setModelAndPriority(cr *models.ChangeRequest, in SetModelAndPriority, caps capability.Set, b *builder) error {
	if !in.Model.IsValid() {
		return services.ErrInvalidModel.WithDetail("model", string(in.Model))
	}
	if !in.Priority.IsValid() {
		return services.ErrInvalidPriority.WithDetail("priority", string(in.Priority))
	}
	if !cr.Status.IsTriage() {
		return services.ErrNotEditable.WithDetail("status", string(cr.Status))
	}
	if err := requireCapability(caps, capability.EditModelPriority); err != nil {
		return err
	}

	if cr.Model != in.Model {
		b.record(models.AuditActionModelChanged, string(cr.Model), string(in.Model), "")
		cr.Model = in.Model
	}
	if cr.Priority != in.Priority {
		b.record(models.AuditActionPriorityChanged, string(cr.Priority), string(in.Priority), "")
		cr.Priority = in.Priority
	}
	if len(b.audit) > 0 {
		claimManager(cr, b.actorID)
	}
	return nil
}

func (e *Engine) route(cr *models.ChangeRequest, a *models.Assignments, caps capability.Set, b *builder) error {
	if !cr.Status.IsTriage() {
		return services.ErrInvalidTransition.
			WithDetail("from", string(cr.Status)).
			WithDetail("action", "route")
	}
	if err := requireCapability(caps, capability.Route); err != nil {
		return err
	}

	committee, needsCommittee := cr.Model.Committee()
	if !needsCommittee {
		if len(a.Leads) == 0 {
			return services.ErrNoLeadAssigned
		}
		claimManager(cr, b.actorID)
		b.statusChanged(cr, models.StatusApproved, "model="+string(cr.Model))
		return nil
	}

	if len(a.Members(committee)) == 0 {
		return services.ErrNoCommitteeAssigned.WithDetail("committee", string(committee))
	}
	claimManager(cr, b.actorID)
	b.statusChanged(cr, models.StatusPendingCommittee, "model="+string(cr.Model))
	if cr.Model == models.ModelEmergency {
		cr.EmergencySubStatus = models.EmergencyAwaitingECAB
	}
	return nil
}

func (e *Engine) finalize(cr *models.ChangeRequest, in FinalizeDecision, b *builder) error {
	if cr.Status != models.StatusPendingCommittee {
		return services.ErrAlreadyFinalized.WithDetail("status", string(cr.Status))
	}
	if !in.Complete {
		return services.WrapInternal("finalize requested before every member voted", nil)
	}

	to := models.StatusRejected
	if in.Approved {
		to = models.StatusApproved
	}
	note := fmt.Sprintf("committee decision: %d approve, %d reject", in.Approvals, in.Rejects)
	b.statusChanged(cr, to, note)

	if cr.Model == models.ModelEmergency {
		if in.Approved {
			cr.EmergencySubStatus = models.EmergencyECABApproved
		} else {
			cr.EmergencySubStatus = models.EmergencyECABRejected
		}
	}
	return nil
}

func (e *Engine) transition(cr *models.ChangeRequest, to models.ChangeStatus, caps capability.Set, c capability.Capability, note string, b *builder) error {
	if err := requireStatus(cr, to); err != nil {
		return err
	}
	if err := requireCapability(caps, c); err != nil {
		return err
	}
	b.statusChanged(cr, to, note)
	return nil
}

func (e *Engine) complete(cr *models.ChangeRequest, in CompleteImplementation, caps capability.Set, b *builder) error {
	if err := requireStatus(cr, models.StatusCompleted); err != nil {
		return err
	}
	if err := requireCapability(caps, capability.Complete); err != nil {
		return err
	}

	pr := strings.TrimSpace(in.PRReference)
	if pr == "" {
		return services.ErrPRReferenceRequired
	}

	b.record(models.AuditActionPRLinked, cr.PRReference, pr, "")
	cr.PRReference = pr
	b.statusChanged(cr, models.StatusCompleted, "")

	if cr.IssueReference != "" {
		b.notifications = append(b.notifications, Notification{
			RequestID:      cr.ID,
			IssueReference: cr.IssueReference,
			PRReference:    pr,
		})
	}
	return nil
}

// cancel drops a pending ECAB sub-status; a recorded ECAB decision is kept
func (e *Engine) cancel(cr *models.ChangeRequest, in Cancel, caps capability.Set, b *builder) error {
	if err := e.transition(cr, models.StatusCancelled, caps, capability.Cancel, strings.TrimSpace(in.Reason), b); err != nil {
		return err
	}
	if cr.EmergencySubStatus == models.EmergencyAwaitingECAB {
		cr.EmergencySubStatus = models.EmergencyNone
	}
	return nil
}

func (e *Engine) close(cr *models.ChangeRequest, in Close, caps capability.Set, b *builder) error {
	if err := requireStatus(cr, models.StatusClosed); err != nil {
		return err
	}
	if err := requireCapability(caps, capability.SavePIR); err != nil {
		return err
	}

	outcome := "unsuccessful"
	if in.Successful {
		outcome = "successful"
	}
	b.record(models.AuditActionPIRSaved, "", outcome, strings.TrimSpace(in.Notes))
	b.statusChanged(cr, models.StatusClosed, "")
	return nil
}

func (e *Engine) updateDetails(cr *models.ChangeRequest, in UpdateDetails, caps capability.Set, b *builder) error {
	if !cr.Status.IsTriage() {
		return services.ErrNotEditable.WithDetail("status", string(cr.Status))
	}
	if err := requireCapability(caps, capability.EditDetails); err != nil {
		return err
	}

	var changed []string
	apply := func(field string, dst *string, src *string) {
		if src == nil {
			return
		}
		v := strings.TrimSpace(*src)
		if v != *dst {
			*dst = v
			changed = append(changed, field)
		}
	}

	if in.Title != nil && strings.TrimSpace(*in.Title) == "" {
		return services.ErrEmptyTitle
	}
	apply("title", &cr.Title, in.Title)
	apply("description", &cr.Description, in.Description)
	apply("justification", &cr.Justification, in.Justification)
	apply("potential_impact", &cr.PotentialImpact, in.PotentialImpact)
	apply("issue_reference", &cr.IssueReference, in.IssueReference)

	if len(changed) > 0 {
		b.record(models.AuditActionDetailsUpdated, "", "", strings.Join(changed, ","))
	}
	return nil
}

// Draft describes a new request
type Draft struct {
	Title           string
	Description     string
	Justification   string
	PotentialImpact string
	IssueReference  string
	Priority        models.Priority
	Model           models.ChangeModel
	Submit          bool
}

// Create builds a new request owned by requesterID. A submitted draft starts in
// pending_review, otherwise in draft.
func (e *Engine) Create(requesterID uuid.UUID, d Draft) (Result, error) {
	title := strings.TrimSpace(d.Title)
	if title == "" {
		return Result{}, services.ErrEmptyTitle
	}

	cr := models.NewChangeRequest(requesterID, title, strings.TrimSpace(d.Description))
	cr.Justification = strings.TrimSpace(d.Justification)
	cr.PotentialImpact = strings.TrimSpace(d.PotentialImpact)
	cr.IssueReference = strings.TrimSpace(d.IssueReference)
	if d.Priority != "" {
		if !d.Priority.IsValid() {
			return Result{}, services.ErrInvalidPriority.WithDetail("priority", string(d.Priority))
		}
		cr.Priority = d.Priority
	}
	if d.Model != "" {
		if !d.Model.IsValid() {
			return Result{}, services.ErrInvalidModel.WithDetail("model", string(d.Model))
		}
		cr.Model = d.Model
	}
	if d.Submit {
		cr.Status = models.StatusPendingReview
	}

	now := e.now()
	cr.CreatedAt = now
	cr.UpdatedAt = now

	b := &builder{requestID: cr.ID, actorID: requesterID, now: now}
	b.record(models.AuditActionRequestCreated, "", string(cr.Status), "")

	return Result{Request: cr, Changed: true, Audit: b.audit}, nil
}
