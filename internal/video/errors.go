package video

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a local job id is unknown.
	ErrNotFound = errors.New("not found")
	// ErrNotReady is returned when content is requested before completion.
	ErrNotReady = errors.New("content not ready")
	// ErrInvalidTransition is returned when an update would move a job out of
	// a terminal state or backwards in its lifecycle.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError reports malformed caller input. It is raised before any
// remote call is made.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Invalid builds a ValidationError for field.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// UpstreamError reports that fetching content from the remote service failed
// after the local job reached completed.
type UpstreamError struct {
	JobID      string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream content fetch for job %s failed (HTTP %d): %v", e.JobID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upstream content fetch for job %s failed: %v", e.JobID, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
