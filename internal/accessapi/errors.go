package accessapi

import (
	"errors"
	"fmt"
)

// ValidationError is raised before any network call when caller input is malformed.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// RemoteError is any non-success response. Message is the server's own text.
type RemoteError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: platform returned %d: %s", e.Op, e.StatusCode, e.Message)
}

// ConflictError means the request being processed is no longer pending.
type ConflictError struct {
	RequestID int64
	Message   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("access request %d already decided: %s", e.RequestID, e.Message)
}

// TransportError means no response was received. Whether to retry is up to the caller.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport failure: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Retryable() bool { return true }

// IsRetryable reports whether err is a transport-level failure.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func validationErr(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}
