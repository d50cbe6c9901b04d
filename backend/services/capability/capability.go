// Package capability resolves which lifecycle actions an actor may take on a
// change request. The result is computed once per (actor, request) and passed
// around as an opaque Set.
package capability

import (
	"encoding/json"
	"sort"

	"github.com/upb/change-control/backend/models"
)

// Capability is a single action an actor may be allowed to take
type Capability uint16

const (
	EditDetails Capability = 1 << iota
	EditModelPriority
	ManageAssignments
	Route
	Vote
	AdvanceImplementation
	Complete
	RequestReviewReport
	SavePIR
	Cancel
)

var names = map[Capability]string{
	EditDetails:           "can_edit_details",
	EditModelPriority:     "can_edit_model_priority",
	ManageAssignments:     "can_manage_assignments",
	Route:                 "can_route",
	Vote:                  "can_vote",
	AdvanceImplementation: "can_advance_implementation",
	Complete:              "can_complete",
	RequestReviewReport:   "can_request_review_report",
	SavePIR:               "can_save_pir",
	Cancel:                "can_cancel",
}

// String returns the wire name of the capability
func (c Capability) String() string {
	if name, ok := names[c]; ok {
		return name
	}
	return "unknown"
}

// Set is an immutable set of capabilities
type Set struct {
	bits Capability
}

// NewSet builds a set from individual capabilities
func NewSet(caps ...Capability) Set {
	var s Set
	for _, c := range caps {
		s.bits |= c
	}
	return s
}

// Has reports whether c is in the set
func (s Set) Has(c Capability) bool {
	return s.bits&c == c
}

// Union returns the capabilities held in either set
func (s Set) Union(other Set) Set {
	return Set{bits: s.bits | other.bits}
}

// IsEmpty reports whether the set grants nothing
func (s Set) IsEmpty() bool {
	return s.bits == 0
}

// Names lists the granted capabilities by wire name, sorted
func (s Set) Names() []string {
	out := make([]string, 0, len(names))
	for c, name := range names {
		if s.Has(c) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// MarshalJSON renders every capability as a boolean flag
func (s Set) MarshalJSON() ([]byte, error) {
	flags := make(map[string]bool, len(names))
	for c, name := range names {
		flags[name] = s.Has(c)
	}
	return json.Marshal(flags)
}

// Role is a role an actor holds with respect to one request. Administrator and
// ChangeManager are global; the others come from assignments.
type Role string

const (
	RoleAdministrator Role = "administrator"
	RoleChangeManager Role = "change_manager"
	RoleCABMember     Role = "cab_member"
	RoleECABMember    Role = "ecab_member"
	RoleTechnicalLead Role = "technical_lead"
	RoleRequester     Role = "requester"
)

// Roles returns every role the actor holds on the request
func Roles(actor models.Actor, cr *models.ChangeRequest, a *models.Assignments) []Role {
	var roles []Role
	if actor.HasRole(models.RoleAdmin) {
		roles = append(roles, RoleAdministrator)
	}
	if actor.HasRole(models.RoleChangeManager) {
		roles = append(roles, RoleChangeManager)
	}
	if a != nil {
		if a.IsMember(actor.ID, models.CommitteeCAB) {
			roles = append(roles, RoleCABMember)
		}
		if a.IsMember(actor.ID, models.CommitteeECAB) {
			roles = append(roles, RoleECABMember)
		}
		if a.IsLead(actor.ID) {
			roles = append(roles, RoleTechnicalLead)
		}
	}
	if cr != nil && cr.RequesterID == actor.ID {
		roles = append(roles, RoleRequester)
	}
	return roles
}

// Resolve computes the capability set of actor on the request in its current
// state. Capabilities are the union of what each held role grants.
func Resolve(actor models.Actor, cr *models.ChangeRequest, a *models.Assignments) Set {
	if cr == nil {
		return Set{}
	}
	var set Set
	for _, role := range Roles(actor, cr, a) {
		set = set.Union(grants(role, cr))
	}
	return set
}

func grants(role Role, cr *models.ChangeRequest) Set {
	status := cr.Status
	switch role {
	case RoleAdministrator, RoleChangeManager:
		var set Set
		if status.IsTriage() {
			set = set.Union(NewSet(EditDetails, EditModelPriority, ManageAssignments, Route))
		}
		switch status {
		case models.StatusDraft, models.StatusPendingReview, models.StatusPendingCommittee, models.StatusApproved:
			set = set.Union(NewSet(Cancel))
		case models.StatusCompleted:
			set = set.Union(NewSet(SavePIR, RequestReviewReport))
		case models.StatusPendingReviewReport:
			set = set.Union(NewSet(SavePIR))
		}
		return set

	case RoleCABMember, RoleECABMember:
		if status != models.StatusPendingCommittee {
			return Set{}
		}
		committee, ok := cr.Model.Committee()
		if !ok {
			return Set{}
		}
		if (committee == models.CommitteeCAB) == (role == RoleCABMember) {
			return NewSet(Vote)
		}
		return Set{}

	case RoleTechnicalLead:
		switch status {
		case models.StatusApproved:
			return NewSet(AdvanceImplementation)
		case models.StatusInProgress:
			return NewSet(Complete)
		}
		return Set{}

	case RoleRequester:
		if status.IsTriage() {
			return NewSet(EditDetails)
		}
		return Set{}
	}
	return Set{}
}
