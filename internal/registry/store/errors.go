package store

import "fmt"

// NotFoundError indicates the fragment was not found under the caller's scope.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ValidationError indicates a client-side validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// ConflictError indicates a content-hash collision.
type ConflictError struct {
	Message    string
	ExistingID string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// ForbiddenError indicates the operation needs force or a maintenance scope.
type ForbiddenError struct {
	Message string
}

func (e *ForbiddenError) Error() string {
	if e.Message == "" {
		return "forbidden"
	}
	return e.Message
}

// BackendError indicates the durable store was unavailable or timed out.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend error in %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }
