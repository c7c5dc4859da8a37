package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a status-classed downstream failure. Implementations wrap
// transport-level responses into this type so the engine can apply its
// retry and create-path policies without knowing the transport.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote: %d %s", e.StatusCode, e.Message)
}

// NewError creates a status-classed remote error.
func NewError(status int, message string) *Error {
	return &Error{StatusCode: status, Message: message}
}

// NotFound creates the canonical "record does not exist" error.
func NotFound(message string) *Error {
	return &Error{StatusCode: http.StatusNotFound, Message: message}
}

// IsNotFound reports whether err is a downstream "does not exist"
// response. Uses errors.As to handle wrapped errors.
func IsNotFound(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.StatusCode == http.StatusNotFound
}

// IsServerError reports whether err is a 5xx-class failure, the only
// class the engine retries.
func IsServerError(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.StatusCode >= 500 && re.StatusCode < 600
}

// IsClientError reports whether err is a 4xx-class failure other than
// not-found. Never retried; surfaced immediately as an entity failure.
func IsClientError(err error) bool {
	var re *Error
	return errors.As(err, &re) &&
		re.StatusCode >= 400 && re.StatusCode < 500 &&
		re.StatusCode != http.StatusNotFound
}
