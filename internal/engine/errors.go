package engine

import (
	"errors"
	"fmt"

	"github.com/quorumtools/rostersync/internal/remote"
)

// SyncError represents a failure scoped to one entity during a sync
// pass. Entity failures never abort the batch: they are collected on
// the run summary and the pass continues with the next entity.
//
// SyncError includes structured fields for diagnostics and recovery.
type SyncError struct {
	// Code identifies the failure category.
	Code ErrorCode `json:"code"`

	// MemberID identifies the affected entity.
	MemberID string `json:"member_id,omitempty"`

	// Field identifies the affected field, when the failure is
	// field-scoped (conflict resolution).
	Field string `json:"field,omitempty"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Err is the underlying cause, if any.
	Err error `json:"-"`
}

// ErrorCode categorizes entity-scoped sync failures.
type ErrorCode string

const (
	// ErrCodeValidation indicates a source record failed shape
	// validation and was excluded from the pass.
	ErrCodeValidation ErrorCode = "VALIDATION"

	// ErrCodeConflictResolution indicates per-field merge could not
	// produce a decision for a field.
	ErrCodeConflictResolution ErrorCode = "CONFLICT_RESOLUTION"

	// ErrCodeRemoteNotFound indicates the tracked downstream record no
	// longer exists.
	ErrCodeRemoteNotFound ErrorCode = "REMOTE_NOT_FOUND"

	// ErrCodeRemoteServer indicates the downstream API kept returning
	// 5xx after all retries.
	ErrCodeRemoteServer ErrorCode = "REMOTE_SERVER"

	// ErrCodeRemoteClient indicates the downstream API rejected the
	// request with a non-404 4xx; never retried.
	ErrCodeRemoteClient ErrorCode = "REMOTE_CLIENT"

	// ErrCodeStorage indicates a local store failure.
	ErrCodeStorage ErrorCode = "STORAGE"
)

// Error implements the error interface.
func (e *SyncError) Error() string {
	switch {
	case e.MemberID != "" && e.Field != "":
		return fmt.Sprintf("%s: %s (member=%s, field=%s)", e.Code, e.Message, e.MemberID, e.Field)
	case e.MemberID != "":
		return fmt.Sprintf("%s: %s (member=%s)", e.Code, e.Message, e.MemberID)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// IsCode reports whether err is (or wraps) a SyncError with the
// given code.
func IsCode(err error, code ErrorCode) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// NewValidationError creates a SyncError for a record that failed
// shape validation.
func NewValidationError(memberID string, cause error) *SyncError {
	return &SyncError{
		Code:     ErrCodeValidation,
		MemberID: memberID,
		Message:  "record failed validation",
		Err:      cause,
	}
}

// classifyRemote wraps a downstream API failure into the matching
// entity-scoped SyncError. Non-remote errors classify as storage
// failures.
func classifyRemote(memberID string, cause error) *SyncError {
	switch {
	case remote.IsNotFound(cause):
		return &SyncError{
			Code:     ErrCodeRemoteNotFound,
			MemberID: memberID,
			Message:  "downstream record missing",
			Err:      cause,
		}
	case remote.IsServerError(cause):
		return &SyncError{
			Code:     ErrCodeRemoteServer,
			MemberID: memberID,
			Message:  "downstream server error after retries",
			Err:      cause,
		}
	case remote.IsClientError(cause):
		return &SyncError{
			Code:     ErrCodeRemoteClient,
			MemberID: memberID,
			Message:  "downstream rejected request",
			Err:      cause,
		}
	default:
		return &SyncError{
			Code:     ErrCodeStorage,
			MemberID: memberID,
			Message:  "local state update failed",
			Err:      cause,
		}
	}
}
