package models

import (
	"time"

	"github.com/google/uuid"
)

// Vote is a committee member's decision on a request awaiting committee approval
type Vote struct {
	RequestID uuid.UUID `json:"request_id" db:"request_id"`
	VoterID   uuid.UUID `json:"voter_id" db:"voter_id"`
	Decision  bool      `json:"decision" db:"decision"` // true approves, false rejects
	Comment   string    `json:"comment" db:"comment"`
	VotedAt   time.Time `json:"voted_at" db:"voted_at"`
}

// TableName returns the table name for the Vote model
func (Vote) TableName() string {
	return "change_request_votes"
}

// NewVote creates a vote stamped with the current time
func NewVote(requestID, voterID uuid.UUID, decision bool, comment string) *Vote {
	return &Vote{
		RequestID: requestID,
		VoterID:   voterID,
		Decision:  decision,
		Comment:   comment,
		VotedAt:   time.Now().UTC(),
	}
}

// PIRRecord is the post-implementation review that closes a request
type PIRRecord struct {
	RequestID  uuid.UUID `json:"request_id" db:"request_id"`
	ReviewerID uuid.UUID `json:"reviewer_id" db:"reviewer_id"`
	Successful bool      `json:"successful" db:"successful"`
	Notes      string    `json:"notes" db:"notes"`
	ReviewedAt time.Time `json:"reviewed_at" db:"reviewed_at"`
}

// TableName returns the table name for the PIRRecord model
func (PIRRecord) TableName() string {
	return "change_request_pir"
}
