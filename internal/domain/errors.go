package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth is returned when login or refresh fails. The session is cleared
	// and the user must log in again.
	ErrAuth = errors.New("authentication required")
	// ErrSubmissionRejected is returned when the backend refuses a job.
	ErrSubmissionRejected = errors.New("submission rejected")
	// ErrStreamTransport marks a progress stream drop before a terminal event.
	ErrStreamTransport = errors.New("progress stream dropped")
	// ErrStreamExhausted is returned once reconnection attempts are used up.
	ErrStreamExhausted = errors.New("progress stream reconnection exhausted")
	// ErrStreamSignaled is returned when the backend reports a job failure.
	ErrStreamSignaled = errors.New("job failed")
	// ErrArtifactFetch is returned when the artifact bytes are unreachable.
	ErrArtifactFetch = errors.New("artifact unreachable")
	// ErrExpiredLink is returned when the artifact access window has elapsed.
	ErrExpiredLink = errors.New("artifact link expired")
	// ErrCancelRejected is returned when there is nothing that may be cancelled.
	ErrCancelRejected = errors.New("cancellation rejected")

	ErrJobActive       = errors.New("a download is already in progress")
	ErrInvalidRequest  = errors.New("invalid download request")
	ErrArtifactPending = errors.New("artifact not ready yet")
	ErrNoArtifact      = errors.New("no artifact available")
	ErrClosed          = errors.New("controller closed")
)

// Error wraps a sentinel Kind with operation context.
type Error struct {
	Kind   error
	Op     string
	Status int
	Detail string
	Err    error
}

// NewError creates an Error of the given kind.
func NewError(kind error, op, detail string) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail}
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes both the sentinel kind and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// UserMessage returns the text meant for display: the detail when present,
// otherwise the kind description.
func UserMessage(err error) string {
	var de *Error
	if errors.As(err, &de) && de.Detail != "" {
		return de.Detail
	}
	return err.Error()
}
