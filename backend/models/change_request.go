package models

import (
	"time"

	"github.com/google/uuid"
)

// ChangeStatus represents the lifecycle state of a change request
type ChangeStatus string

const (
	StatusDraft               ChangeStatus = "draft"
	StatusPendingReview       ChangeStatus = "pending_review"
	StatusPendingCommittee    ChangeStatus = "pending_committee"
	StatusApproved            ChangeStatus = "approved"
	StatusInProgress          ChangeStatus = "in_progress"
	StatusCompleted           ChangeStatus = "completed"
	StatusRejected            ChangeStatus = "rejected"
	StatusCancelled           ChangeStatus = "cancelled"
	StatusPendingReviewReport ChangeStatus = "pending_review_report"
	StatusClosed              ChangeStatus = "closed"
)

// AllStatuses lists every valid status in lifecycle order
var AllStatuses = []ChangeStatus{
	StatusDraft,
	StatusPendingReview,
	StatusPendingCommittee,
	StatusApproved,
	StatusInProgress,
	StatusCompleted,
	StatusRejected,
	StatusCancelled,
	StatusPendingReviewReport,
	StatusClosed,
}

// IsValid returns true if s is one of the known statuses
func (s ChangeStatus) IsValid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTriage returns true while the request can still be edited and routed
func (s ChangeStatus) IsTriage() bool {
	return s == StatusDraft || s == StatusPendingReview
}

// IsTerminal returns true for states with no outgoing edges
func (s ChangeStatus) IsTerminal() bool {
	return s == StatusRejected || s == StatusCancelled || s == StatusClosed
}

// Priority represents the urgency of a change request
type Priority string

const (
	PriorityLow      Priority = "baja"
	PriorityMedium   Priority = "media"
	PriorityHigh     Priority = "alta"
	PriorityCritical Priority = "critica"
)

// IsValid returns true if p is one of the known priorities
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// ChangeModel represents the approval model a request is routed through
type ChangeModel string

const (
	ModelStandard  ChangeModel = "estandar"
	ModelNormal    ChangeModel = "normal"
	ModelEmergency ChangeModel = "emergencia"
)

// IsValid returns true if m is one of the known approval models
func (m ChangeModel) IsValid() bool {
	switch m {
	case ModelStandard, ModelNormal, ModelEmergency:
		return true
	}
	return false
}

// RequiresCommittee returns true when the model is decided by a committee vote
func (m ChangeModel) RequiresCommittee() bool {
	return m == ModelNormal || m == ModelEmergency
}

// Committee returns the committee that votes on requests of this model.
// Returns false for the standard model, which has no committee.
func (m ChangeModel) Committee() (CommitteeType, bool) {
	switch m {
	case ModelNormal:
		return CommitteeCAB, true
	case ModelEmergency:
		return CommitteeECAB, true
	}
	return "", false
}

// EmergencySubStatus tracks the ECAB decision of an emergency request
type EmergencySubStatus string

const (
	EmergencyNone         EmergencySubStatus = ""
	EmergencyAwaitingECAB EmergencySubStatus = "awaiting_ecab"
	EmergencyECABApproved EmergencySubStatus = "ecab_approved"
	EmergencyECABRejected EmergencySubStatus = "ecab_rejected"
)

// ChangeRequest is a proposal to modify the platform, tracked through its lifecycle
type ChangeRequest struct {
	ID                 uuid.UUID          `json:"id" db:"id"`
	Title              string             `json:"title" db:"title"`
	Description        string             `json:"description" db:"description"`
	Justification      string             `json:"justification" db:"justification"`
	PotentialImpact    string             `json:"potential_impact" db:"potential_impact"`
	RequesterID        uuid.UUID          `json:"requester_id" db:"requester_id"`
	ManagerID          *uuid.UUID         `json:"manager_id,omitempty" db:"manager_id"`
	Status             ChangeStatus       `json:"status" db:"status"`
	Priority           Priority           `json:"priority" db:"priority"`
	Model              ChangeModel        `json:"model" db:"model"`
	IssueReference     string             `json:"issue_reference,omitempty" db:"issue_reference"`
	PRReference        string             `json:"pr_reference,omitempty" db:"pr_reference"`
	EmergencySubStatus EmergencySubStatus `json:"emergency_sub_status,omitempty" db:"emergency_sub_status"`
	CreatedAt          time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the ChangeRequest model
func (ChangeRequest) TableName() string {
	return "change_requests"
}

// NewChangeRequest creates a draft request owned by the requester.
// New requests default to the normal model with medium priority until triaged.
func NewChangeRequest(requesterID uuid.UUID, title, description string) *ChangeRequest {
	now := time.Now().UTC()
	return &ChangeRequest{
		ID:          uuid.New(),
		Title:       title,
		Description: description,
		RequesterID: requesterID,
		Status:      StatusDraft,
		Priority:    PriorityMedium,
		Model:       ModelNormal,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a copy that can be mutated without affecting the original
func (c *ChangeRequest) Clone() *ChangeRequest {
	cp := *c
	if c.ManagerID != nil {
		id := *c.ManagerID
		cp.ManagerID = &id
	}
	return &cp
}
