package engine

import "github.com/pkg/errors"

// Errors returned by engine operations. Callers test them with errors.Is.
var (
	ErrDefinitionNotFound = errors.New("workflow definition not found")
	ErrInstanceNotFound   = errors.New("workflow instance not found")
	ErrInvalidState       = errors.New("invalid workflow state")
	ErrUnauthorized       = errors.New("user is not authorized for this step")
	ErrInvalidInput       = errors.New("invalid input")
	ErrPersistence        = errors.New("persistence failure")

	// ErrNotification is only ever logged; a failed delivery never aborts a transition.
	ErrNotification = errors.New("notification failed")
	// ErrStepExecution is recorded on the instance, which moves to status error.
	ErrStepExecution = errors.New("step execution failed")
)
