package services

import (
	"errors"
	"fmt"

	"github.com/upb/change-control/backend/repositories"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound           ErrorType = "not_found"
	ErrorTypeValidation         ErrorType = "validation"
	ErrorTypeInvalidTransition  ErrorType = "invalid_transition"
	ErrorTypeNotAuthorized      ErrorType = "not_authorized"
	ErrorTypePreconditionFailed ErrorType = "precondition_failed"
	ErrorTypeAlreadyFinalized   ErrorType = "already_finalized"
	ErrorTypePersistence        ErrorType = "persistence"
	ErrorTypeInternal           ErrorType = "internal"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is. Two domain errors match when type and message agree,
// so errors.Is(err, ErrCommentRequired) does not also match every other
// precondition failure.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Message == t.Message
}

// WithDetail returns a copy of the error carrying an extra detail.
// The package-level sentinels are never mutated.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	details := make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &DomainError{Type: e.Type, Message: e.Message, Err: e.Err, Details: details}
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Domain error variables

var (
	// Not Found Errors
	ErrChangeRequestNotFound = NewDomainError(ErrorTypeNotFound, "change request not found", nil)
	ErrUserNotFound          = NewDomainError(ErrorTypeNotFound, "user not found", nil)

	// Validation Errors
	ErrInvalidInput     = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrInvalidModel     = NewDomainError(ErrorTypeValidation, "invalid change model", nil)
	ErrInvalidPriority  = NewDomainError(ErrorTypeValidation, "invalid priority", nil)
	ErrInvalidCommittee = NewDomainError(ErrorTypeValidation, "invalid committee type", nil)
	ErrUnknownAssignee  = NewDomainError(ErrorTypeValidation, "assignee is not an active user", nil)
	ErrEmptyTitle       = NewDomainError(ErrorTypeValidation, "title cannot be empty", nil)

	// Lifecycle Errors
	ErrInvalidTransition = NewDomainError(ErrorTypeInvalidTransition, "transition not allowed from current status", nil)
	ErrVotingNotOpen     = NewDomainError(ErrorTypeInvalidTransition, "request is not awaiting a committee decision", nil)
	ErrNotEditable       = NewDomainError(ErrorTypeInvalidTransition, "request can no longer be edited", nil)

	// Authorization Errors
	ErrNotAuthorized      = NewDomainError(ErrorTypeNotAuthorized, "actor lacks the required capability", nil)
	ErrNotCommitteeMember = NewDomainError(ErrorTypeNotAuthorized, "voter is not on the assigned committee", nil)

	// Precondition Errors
	ErrNoLeadAssigned      = NewDomainError(ErrorTypePreconditionFailed, "at least one technical lead must be assigned", nil)
	ErrNoCommitteeAssigned = NewDomainError(ErrorTypePreconditionFailed, "at least one committee member must be assigned", nil)
	ErrCommentRequired     = NewDomainError(ErrorTypePreconditionFailed, "a comment is required when rejecting", nil)
	ErrPRReferenceRequired = NewDomainError(ErrorTypePreconditionFailed, "a pull request reference is required to complete", nil)

	// Voting Errors
	ErrAlreadyFinalized = NewDomainError(ErrorTypeAlreadyFinalized, "committee decision already finalized", nil)

	// Persistence Errors
	ErrPersistence       = NewDomainError(ErrorTypePersistence, "request store unavailable", nil)
	ErrWriteConflict     = NewDomainError(ErrorTypePersistence, "concurrent write conflict, resubmit the operation", nil)
	ErrTransactionFailed = NewDomainError(ErrorTypePersistence, "transaction failed", nil)

	// Internal Errors
	ErrInternal = NewDomainError(ErrorTypeInternal, "internal server error", nil)
)

// Error type checking helper functions

func hasType(err error, errType ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == errType
	}
	return false
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return hasType(err, ErrorTypeNotFound)
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return hasType(err, ErrorTypeValidation)
}

// IsInvalidTransition checks if an error reports an illegal lifecycle edge
func IsInvalidTransition(err error) bool {
	return hasType(err, ErrorTypeInvalidTransition)
}

// IsNotAuthorized checks if an error reports a missing capability
func IsNotAuthorized(err error) bool {
	return hasType(err, ErrorTypeNotAuthorized)
}

// IsPreconditionFailed checks if an error reports an unmet precondition
func IsPreconditionFailed(err error) bool {
	return hasType(err, ErrorTypePreconditionFailed)
}

// IsAlreadyFinalized checks if a vote arrived after the committee decision
func IsAlreadyFinalized(err error) bool {
	return hasType(err, ErrorTypeAlreadyFinalized)
}

// IsPersistenceError checks if the request store failed
func IsPersistenceError(err error) bool {
	return hasType(err, ErrorTypePersistence)
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	return hasType(err, ErrorTypeInternal)
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// MapStoreError converts a repository failure into the domain taxonomy.
// notFound is returned for missing rows; write conflicts and every other store
// failure become persistence errors the caller must resubmit.
func MapStoreError(err error, notFound *DomainError) error {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return err
	}
	switch {
	case errors.Is(err, repositories.ErrNotFound) && notFound != nil:
		return NewDomainError(notFound.Type, notFound.Message, err)
	case errors.Is(err, repositories.ErrWriteConflict):
		return NewDomainError(ErrorTypePersistence, ErrWriteConflict.Message, err)
	default:
		return NewDomainError(ErrorTypePersistence, ErrPersistence.Message, err)
	}
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}
