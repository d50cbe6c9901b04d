package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/change-control/backend/middleware"
	"github.com/upb/change-control/backend/models"
	"github.com/upb/change-control/backend/services/capability"
	"github.com/upb/change-control/backend/services/changes"
	"github.com/upb/change-control/backend/services/lifecycle"
	"github.com/upb/change-control/backend/utils"
	"go.uber.org/zap"
)

// CreateChangeRequest is the body of POST /change-requests
type CreateChangeRequest struct {
	Title           string `json:"title" validate:"required,max=200"`
	Description     string `json:"description" validate:"max=10000"`
	Justification   string `json:"justification" validate:"max=10000"`
	PotentialImpact string `json:"potential_impact" validate:"max=10000"`
	IssueReference  string `json:"issue_reference" validate:"max=200"`
	Priority        string `json:"priority" validate:"omitempty,oneof=baja media alta critica"`
	Model           string `json:"model" validate:"omitempty,oneof=estandar normal emergencia"`
	Submit          bool   `json:"submit"`
}

// UpdateChangeRequest is the body of PATCH /change-requests/{id}; absent
// fields are left unchanged
type UpdateChangeRequest struct {
	Title           *string `json:"title,omitempty" validate:"omitempty,max=200"`
	Description     *string `json:"description,omitempty" validate:"omitempty,max=10000"`
	Justification   *string `json:"justification,omitempty" validate:"omitempty,max=10000"`
	PotentialImpact *string `json:"potential_impact,omitempty" validate:"omitempty,max=10000"`
	IssueReference  *string `json:"issue_reference,omitempty" validate:"omitempty,max=200"`
}

// ClassifyRequest is the body of PUT /change-requests/{id}/classification
type ClassifyRequest struct {
	Model    string `json:"model" validate:"required,oneof=estandar normal emergencia"`
	Priority string `json:"priority" validate:"required,oneof=baja media alta critica"`
}

// AssignCommitteeRequest is the body of PUT /change-requests/{id}/committee
type AssignCommitteeRequest struct {
	Committee string   `json:"committee" validate:"required,oneof=cab ecab"`
	MemberIDs []string `json:"member_ids" validate:"max=50"`
}

// AssignLeadsRequest is the body of PUT /change-requests/{id}/leads
type AssignLeadsRequest struct {
	LeadIDs []string `json:"lead_ids" validate:"max=20"`
}

// RouteChangeRequest is the optional body of POST /change-requests/{id}/route.
// Lists that are present replace the current assignments before routing.
type RouteChangeRequest struct {
	CommitteeIDs []string `json:"committee_ids,omitempty" validate:"max=50"`
	LeadIDs      []string `json:"lead_ids,omitempty" validate:"max=20"`
}

// VoteRequest is the body of POST /change-requests/{id}/votes
type VoteRequest struct {
	Decision *bool  `json:"decision" validate:"required"`
	Comment  string `json:"comment" validate:"max=2000"`
}

// CompleteRequest is the body of POST /change-requests/{id}/complete
type CompleteRequest struct {
	PRReference string `json:"pr_reference" validate:"max=200"`
}

// PIRRequest is the body of POST /change-requests/{id}/pir
type PIRRequest struct {
	Successful *bool  `json:"successful" validate:"required"`
	Notes      string `json:"notes" validate:"max=10000"`
}

// CancelRequest is the optional body of POST /change-requests/{id}/cancel
type CancelRequest struct {
	Reason string `json:"reason" validate:"max=2000"`
}

// ChangeRequestService defines the change request operations the HTTP layer exposes
type ChangeRequestService interface {
	ListRequests(ctx context.Context, actor models.Actor, filter changes.ListFilter) ([]*models.ChangeRequest, error)
	GetRequest(ctx context.Context, id uuid.UUID, actor models.Actor) (*changes.Details, error)
	Capabilities(ctx context.Context, id uuid.UUID, actor models.Actor) (capability.Set, error)
	CreateRequest(ctx context.Context, actor models.Actor, draft lifecycle.Draft) (*models.ChangeRequest, error)
	UpdateDetails(ctx context.Context, id uuid.UUID, actor models.Actor, fields lifecycle.UpdateDetails) (*models.ChangeRequest, error)
	SetModelAndPriority(ctx context.Context, id uuid.UUID, actor models.Actor, model models.ChangeModel, priority models.Priority) (*models.ChangeRequest, error)
	AssignCommittee(ctx context.Context, id uuid.UUID, actor models.Actor, committee models.CommitteeType, memberIDs []uuid.UUID) (*models.Assignments, error)
	AssignLeads(ctx context.Context, id uuid.UUID, actor models.Actor, leadIDs []uuid.UUID) (*models.Assignments, error)
	RouteRequest(ctx context.Context, id uuid.UUID, actor models.Actor, with *changes.RouteAssignments) (*models.ChangeRequest, error)
	CastVote(ctx context.Context, id uuid.UUID, voter models.Actor, decision bool, comment string) (*changes.VoteResult, error)
	StartImplementation(ctx context.Context, id uuid.UUID, actor models.Actor) (*models.ChangeRequest, error)
	CompleteImplementation(ctx context.Context, id uuid.UUID, actor models.Actor, prReference string) (*models.ChangeRequest, error)
	RequestReviewReport(ctx context.Context, id uuid.UUID, actor models.Actor) (*models.ChangeRequest, error)
	SavePIRAndClose(ctx context.Context, id uuid.UUID, reviewer models.Actor, successful bool, notes string) (*models.ChangeRequest, error)
	CancelRequest(ctx context.Context, id uuid.UUID, actor models.Actor, reason string) (*models.ChangeRequest, error)
}

// ChangeRequestHandler handles change request HTTP requests
type ChangeRequestHandler struct {
	service ChangeRequestService
	logger  *zap.Logger
}

// NewChangeRequestHandler creates a new ChangeRequestHandler
func NewChangeRequestHandler(service ChangeRequestService, logger *zap.Logger) *ChangeRequestHandler {
	return &ChangeRequestHandler{
		service: service,
		logger:  logger,
	}
}

// Routes mounts the change request endpoints on r
func (h *ChangeRequestHandler) Routes(r chi.Router) {
	r.Get("/", h.HandleList)
	r.Post("/", h.HandleCreate)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.HandleGet)
		r.Patch("/", h.HandleUpdateDetails)
		r.Get("/capabilities", h.HandleCapabilities)
		r.Put("/classification", h.HandleClassify)
		r.Put("/committee", h.HandleAssignCommittee)
		r.Put("/leads", h.HandleAssignLeads)
		r.Post("/route", h.HandleRoute)
		r.Post("/votes", h.HandleVote)
		r.Post("/start", h.HandleStart)
		r.Post("/complete", h.HandleComplete)
		r.Post("/review-report", h.HandleRequestReviewReport)
		r.Post("/pir", h.HandlePIR)
		r.Post("/cancel", h.HandleCancel)
	})
}

// HandleList handles GET /change-requests?status=a,b&limit=&offset=
func (h *ChangeRequestHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	filter, err := parseListFilter(r)
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	requests, err := h.service.ListRequests(r.Context(), actor, filter)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, requests)
}

// HandleCreate handles POST /change-requests
func (h *ChangeRequestHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req CreateChangeRequest
	if !h.decode(w, r, &req) {
		return
	}

	cr, err := h.service.CreateRequest(r.Context(), actor, lifecycle.Draft{
		Title:           req.Title,
		Description:     req.Description,
		Justification:   req.Justification,
		PotentialImpact: req.PotentialImpact,
		IssueReference:  req.IssueReference,
		Priority:        models.Priority(req.Priority),
		Model:           models.ChangeModel(req.Model),
		Submit:          req.Submit,
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("change request created",
		zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
		zap.String("change_request_id", cr.ID.String()),
		zap.String("actor_id", actor.ID.String()))

	_ = utils.WriteCreated(w, cr)
}

// HandleGet handles GET /change-requests/{id}
func (h *ChangeRequestHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.target(w, r)
	if !ok {
		return
	}

	details, err := h.service.GetRequest(r.Context(), id, actor)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, details)
}

// HandleCapabilities handles GET /change-requests/{id}/capabilities
func (h *ChangeRequestHandler) HandleCapabilities(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.target(w, r)
	if !ok {
		return
	}

	caps, err := h.service.Capabilities(r.Context(), id, actor)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, caps)
}

// HandleUpdateDetails handles PATCH /change-requests/{id}
func (h *ChangeRequestHandler) HandleUpdateDetails(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.target(w, r)
	if !ok {
		return
	}

	var req UpdateChangeRequest
	if !h.decode(w, r, &req) {
		return
	}

	cr, err := h.service.UpdateDetails(r.Context(), id, actor, lifecycle.UpdateDetails{
		Title:           req.Title,
		Description:     req.Description,
		Justification:   req.Justification,
		PotentialImpact: req.PotentialImpact,
		IssueReference:  req.IssueReference,
	})
	h.respond(w, cr, err)
}

// HandleClassify handles PUT /change-requests/{id}/classification
func (h *ChangeRequestHandler) HandleClassify(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.target(w, r)
	if !ok {
		return
	}

	var req ClassifyRequest
	if !h.decode(w, r, &req) {
		return
	}

	cr, err := h.service.SetModelAndPriority(r.Context(), id, actor, models.ChangeModel(req.Model), models.Priority(req.Priority))
	h.respond(w, cr, err)
}

// HandleAssignCommittee handles PUT /change-requests/{id}/committee
func (h *ChangeRequestHandler) HandleAssignCommittee(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.target(w, r)
	if !ok {
		return
	}

	var req AssignCommitteeRequest
	if !h.decode(w, r, &req) {
		return
	}
	memberIDs, err := utils.ParseUUIDs(req.MemberIDs, "member_ids")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	assignments, err := h.service.AssignCommittee(r.Context(), id, actor, models.CommitteeType(req.Committee), memberIDs)
	h.respond(w, assignments, err)
}

// HandleAssignLeads handles PUT /change-requests/{id}/leads
func (h *ChangeRequestHandler) HandleAssignLeads(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.target(w, r)
	if !ok {
		return
	}

	var req AssignLeadsRequest
	if !h.decode(w, r, &req) {
		return
	}
	leadIDs, err := utils.ParseUUIDs(req.LeadIDs, "lead_ids")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	assignments, err := h.service.AssignLeads(r.Context(), id, actor, leadIDs)
	h.respond(w, assignments, err)
}

// HandleRoute handles POST /change-requests/{id}/route. The body is optional.
func (h *ChangeRequestHandler) HandleRoute(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.target(w, r)
	if !ok {
		return
	}

	var with *changes.RouteAssignments
	if r.ContentLength != 0 {
		var req RouteChangeRequest
		if !h.decode(w, r, &req) {
			return
		}
		parsed, err := routeAssignments(req)
		if err != nil {
			HandleValidationError(w, err, h.logger)
			return
		}
		with = parsed
	}

	cr, err := h.service.RouteRequest(r.Context(), id, actor, with)
	h.respond(w, cr, err)
}

// HandleVote handles POST /change-requests/{id}/votes
func (h *ChangeRequestHandler) HandleVote(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.target(w, r)
	if !ok {
		return
	}

	var req VoteRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.CastVote(r.Context(), id, actor, *req.Decision, req.Comment)
	h.respond(w, result, err)
}

// HandleStart handles POST /change-requests/{id}/start
func (h *ChangeRequestHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.target(w, r)
	if !ok {
		return
	}

	cr, err := h.service.StartImplementation(r.Context(), id, actor)
	h.respond(w, cr, err)
}

// HandleComplete handles POST /change-requests/{id}/complete
func (h *ChangeRequestHandler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.target(w, r)
	if !ok {
		return
	}

	var req CompleteRequest
	if !h.decode(w, r, &req) {
		return
	}

	cr, err := h.service.CompleteImplementation(r.Context(), id, actor, req.PRReference)
	h.respond(w, cr, err)
}

// HandleRequestReviewReport handles POST /change-requests/{id}/review-report
func (h *ChangeRequestHandler) HandleRequestReviewReport(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.target(w, r)
	if !ok {
		return
	}

	cr, err := h.service.RequestReviewReport(r.Context(), id, actor)
	h.respond(w, cr, err)
}

// HandlePIR handles POST /change-requests/{id}/pir
func (h *ChangeRequestHandler) HandlePIR(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.target(w, r)
	if !ok {
		return
	}

	var req PIRRequest
	if !h.decode(w, r, &req) {
		return
	}

	cr, err := h.service.SavePIRAndClose(r.Context(), id, actor, *req.Successful, req.Notes)
	h.respond(w, cr, err)
}

// HandleCancel handles POST /change-requests/{id}/cancel. The body is optional.
func (h *ChangeRequestHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.target(w, r)
	if !ok {
		return
	}

	var req CancelRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}

	cr, err := h.service.CancelRequest(r.Context(), id, actor, req.Reason)
	h.respond(w, cr, err)
}

func (h *ChangeRequestHandler) actor(w http.ResponseWriter, r *http.Request) (models.Actor, bool) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		h.logger.Error("actor not found in context",
			zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())))
		_ = utils.WriteUnauthorized(w, "Authentication required")
	}
	return actor, ok
}

// target resolves the caller and the {id} path parameter
func (h *ChangeRequestHandler) target(w http.ResponseWriter, r *http.Request) (models.Actor, uuid.UUID, bool) {
	actor, ok := h.actor(w, r)
	if !ok {
		return models.Actor{}, uuid.Nil, false
	}
	id, err := utils.ParseUUID(chi.URLParam(r, "id"), "id")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return models.Actor{}, uuid.Nil, false
	}
	return actor, id, true
}

func (h *ChangeRequestHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := utils.DecodeJSON(w, r, dst); err != nil {
		HandleValidationError(w, err, h.logger)
		return false
	}
	if err := utils.ValidateStruct(dst); err != nil {
		HandleValidationError(w, err, h.logger)
		return false
	}
	return true
}

func (h *ChangeRequestHandler) respond(w http.ResponseWriter, data interface{}, err error) {
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, data)
}

func parseListFilter(r *http.Request) (changes.ListFilter, error) {
	q := r.URL.Query()
	var filter changes.ListFilter

	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				filter.Statuses = append(filter.Statuses, models.ChangeStatus(s))
			}
		}
	}

	var err error
	if filter.Limit, err = queryInt(q.Get("limit"), "limit", 0, 500); err != nil {
		return filter, err
	}
	if filter.Offset, err = queryInt(q.Get("offset"), "offset", 0, -1); err != nil {
		return filter, err
	}
	return filter, nil
}

// queryInt parses an optional non-negative integer; max < 0 means unbounded
func queryInt(raw, name string, min, max int) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < min || (max >= 0 && n > max) {
		return 0, &utils.ValidationError{
			Message: "Validation failed",
			Fields:  map[string]string{name: name + " must be a non-negative integer within range"},
		}
	}
	return n, nil
}

func routeAssignments(req RouteChangeRequest) (*changes.RouteAssignments, error) {
	with := &changes.RouteAssignments{}
	if req.CommitteeIDs != nil {
		ids, err := utils.ParseUUIDs(req.CommitteeIDs, "committee_ids")
		if err != nil {
			return nil, err
		}
		with.CommitteeIDs = ids
	}
	if req.LeadIDs != nil {
		ids, err := utils.ParseUUIDs(req.LeadIDs, "lead_ids")
		if err != nil {
			return nil, err
		}
		with.LeadIDs = ids
	}
	return with, nil
}
