package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the type of action being audited
type AuditAction string

const (
	AuditActionRequestCreated     AuditAction = "REQUEST_CREATED"
	AuditActionDetailsUpdated     AuditAction = "DETAILS_UPDATED"
	AuditActionStatusChanged      AuditAction = "STATUS_CHANGED"
	AuditActionModelChanged       AuditAction = "MODEL_CHANGED"
	AuditActionPriorityChanged    AuditAction = "PRIORITY_CHANGED"
	AuditActionLeaderAssigned     AuditAction = "LEADER_ASSIGNED"
	AuditActionCABMemberAssigned  AuditAction = "CAB_MEMBER_ASSIGNED"
	AuditActionECABMemberAssigned AuditAction = "ECAB_MEMBER_ASSIGNED"
	AuditActionVoteCast           AuditAction = "VOTE_CAST"
	AuditActionPRLinked           AuditAction = "PR_LINKED"
	AuditActionPIRSaved           AuditAction = "PIR_SAVED"
)

// MemberAssignedAction returns the audit tag for adding a member to a committee
func MemberAssignedAction(committee CommitteeType) AuditAction {
	if committee == CommitteeECAB {
		return AuditActionECABMemberAssigned
	}
	return AuditActionCABMemberAssigned
}

// AuditLog represents an immutable audit trail entry for a change request
type AuditLog struct {
	ID        uuid.UUID   `json:"id" db:"id"`
	RequestID uuid.UUID   `json:"request_id" db:"request_id"`
	ActorID   uuid.UUID   `json:"actor_id" db:"actor_id"`
	Action    AuditAction `json:"action" db:"action"`
	OldValue  string      `json:"old_value,omitempty" db:"old_value"`
	NewValue  string      `json:"new_value,omitempty" db:"new_value"`
	Note      string      `json:"note,omitempty" db:"note"`
	Timestamp time.Time   `json:"timestamp" db:"timestamp"`
}

// TableName returns the table name for the AuditLog model
func (AuditLog) TableName() string {
	return "change_request_audit_log"
}

// NewAuditLog creates a new AuditLog instance
func NewAuditLog(requestID, actorID uuid.UUID, action AuditAction) *AuditLog {
	return &AuditLog{
		ID:        uuid.New(),
		RequestID: requestID,
		ActorID:   actorID,
		Action:    action,
		Timestamp: time.Now().UTC(),
	}
}

// WithValues sets the old and new values
func (a *AuditLog) WithValues(oldValue, newValue string) *AuditLog {
	a.OldValue = oldValue
	a.NewValue = newValue
	return a
}

// WithNote sets the free-text note
func (a *AuditLog) WithNote(note string) *AuditLog {
	a.Note = note
	return a
}
