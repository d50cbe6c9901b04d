package models

import (
	"time"

	"github.com/google/uuid"
)

// CommitteeType identifies which advisory board a member sits on
type CommitteeType string

const (
	CommitteeCAB  CommitteeType = "cab"
	CommitteeECAB CommitteeType = "ecab"
)

// IsValid returns true if t is a known committee
func (t CommitteeType) IsValid() bool {
	return t == CommitteeCAB || t == CommitteeECAB
}

// CommitteeAssignment places a member on the CAB or ECAB of one request
type CommitteeAssignment struct {
	RequestID     uuid.UUID     `json:"request_id" db:"request_id"`
	MemberID      uuid.UUID     `json:"member_id" db:"member_id"`
	CommitteeType CommitteeType `json:"committee_type" db:"committee_type"`
	AssignedAt    time.Time     `json:"assigned_at" db:"assigned_at"`
}

// TableName returns the table name for the CommitteeAssignment model
func (CommitteeAssignment) TableName() string {
	return "change_request_committee"
}

// LeadAssignment makes a Technical Lead responsible for implementing a request
type LeadAssignment struct {
	RequestID  uuid.UUID `json:"request_id" db:"request_id"`
	LeadID     uuid.UUID `json:"lead_id" db:"lead_id"`
	AssignedAt time.Time `json:"assigned_at" db:"assigned_at"`
}

// TableName returns the table name for the LeadAssignment model
func (LeadAssignment) TableName() string {
	return "change_request_leads"
}

// Assignments is the full membership snapshot of a request
type Assignments struct {
	Committee []CommitteeAssignment `json:"committee"`
	Leads     []LeadAssignment      `json:"leads"`
}

// Members returns the ids of committee members of the given type
func (a Assignments) Members(committee CommitteeType) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(a.Committee))
	for _, c := range a.Committee {
		if c.CommitteeType == committee {
			ids = append(ids, c.MemberID)
		}
	}
	return ids
}

// IsMember returns true if userID sits on the given committee
func (a Assignments) IsMember(userID uuid.UUID, committee CommitteeType) bool {
	for _, c := range a.Committee {
		if c.CommitteeType == committee && c.MemberID == userID {
			return true
		}
	}
	return false
}

// LeadIDs returns the ids of all assigned leads
func (a Assignments) LeadIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(a.Leads))
	for _, l := range a.Leads {
		ids = append(ids, l.LeadID)
	}
	return ids
}

// IsLead returns true if userID is an assigned lead
func (a Assignments) IsLead(userID uuid.UUID) bool {
	for _, l := range a.Leads {
		if l.LeadID == userID {
			return true
		}
	}
	return false
}
