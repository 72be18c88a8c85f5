package forum

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation indicates malformed or empty caller input.
	ErrValidation = errors.New("forum: validation failed")
	// ErrPermissionDenied indicates the actor lacks the required privilege.
	ErrPermissionDenied = errors.New("forum: permission denied")
	// ErrAlreadyVoted indicates a second vote by the same user on one poll.
	ErrAlreadyVoted = errors.New("forum: already voted")
	// ErrTopicNotFound indicates the referenced topic does not exist.
	ErrTopicNotFound = errors.New("forum: topic not found")
	// ErrPostNotFound indicates the referenced post is not in the session log.
	ErrPostNotFound = errors.New("forum: post not found")
	// ErrPollNotFound indicates the referenced poll does not exist.
	ErrPollNotFound = errors.New("forum: poll not found")
	// ErrSessionClosed indicates an operation on a closed room session.
	ErrSessionClosed = errors.New("forum: session closed")
)

// ServiceError carries a stable operation-scoped code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the "<operation>.<reason>" identifier for the failure.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
