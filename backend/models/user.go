package models

import (
	"time"

	"github.com/google/uuid"
)

// UserRole represents a platform-wide role. Committee membership and technical
// leadership are scoped to individual requests and live in assignments instead.
type UserRole string

const (
	RoleAdmin         UserRole = "admin"
	RoleChangeManager UserRole = "change_manager"
	RoleMember        UserRole = "member"
)

// User represents a user in the system authenticated via Cognito
type User struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	Email      string     `json:"email" db:"email"`
	FullName   string     `json:"full_name" db:"full_name"`
	CognitoSub string     `json:"cognito_sub" db:"cognito_sub"` // Cognito user identifier
	Roles      []UserRole `json:"roles" db:"roles"`
	Active     bool       `json:"active" db:"active"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the User model
func (User) TableName() string {
	return "users"
}

// NewUser creates a new active User instance
func NewUser(email, cognitoSub string, roles ...UserRole) *User {
	now := time.Now().UTC()
	if len(roles) == 0 {
		roles = []UserRole{RoleMember}
	}
	return &User{
		ID:         uuid.New(),
		Email:      email,
		CognitoSub: cognitoSub,
		Roles:      roles,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// HasRole returns true if the user holds the given global role
func (u *User) HasRole(role UserRole) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin returns true if the user has admin role
func (u *User) IsAdmin() bool {
	return u.HasRole(RoleAdmin)
}

// CanManageChanges returns true if the user can triage and route change requests
func (u *User) CanManageChanges() bool {
	return u.HasRole(RoleAdmin) || u.HasRole(RoleChangeManager)
}

// Actor is the authenticated caller of an engine operation
type Actor struct {
	ID    uuid.UUID  `json:"id"`
	Roles []UserRole `json:"roles"`
}

// ActorFromUser builds an Actor from a stored user
func ActorFromUser(u *User) Actor {
	roles := make([]UserRole, len(u.Roles))
	copy(roles, u.Roles)
	return Actor{ID: u.ID, Roles: roles}
}

// HasRole returns true if the actor holds the given global role
func (a Actor) HasRole(role UserRole) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsManager returns true for administrators and Change Managers
func (a Actor) IsManager() bool {
	return a.HasRole(RoleAdmin) || a.HasRole(RoleChangeManager)
}
