package domain

import (
	"fmt"
	"strings"
)

// Error types for consistent error handling across the BFF.

// ErrNotFound indicates a resource was not found.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrExternalService indicates a failure in an external service call.
type ErrExternalService struct {
	Service string
	Err     error
}

func (e *ErrExternalService) Error() string {
	return fmt.Sprintf("external service error [%s]: %v", e.Service, e.Err)
}

func (e *ErrExternalService) Unwrap() error {
	return e.Err
}

// ErrTimeout indicates an operation exceeded its deadline. Retryable.
type ErrTimeout struct {
	Operation string
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("operation timed out: %s", e.Operation)
}

// ErrCircuitOpen indicates the circuit breaker is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for service: %s", e.Service)
}

// ErrValidation indicates a validation error (bad input).
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// FieldError is one missing or invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ErrValidationSet reports every field that blocks a status transition.
type ErrValidationSet struct {
	Target Status
	Fields []FieldError
}

func (e *ErrValidationSet) Error() string {
	names := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		names = append(names, f.Field)
	}
	return fmt.Sprintf("cannot move to %s: missing %s", e.Target, strings.Join(names, ", "))
}

// ErrInvalidTransition indicates the target status is not reachable.
type ErrInvalidTransition struct {
	From   Status
	To     Status
	Reason string
}

func (e *ErrInvalidTransition) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("transition %s -> %s is not allowed: %s", e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("transition %s -> %s is not allowed", e.From, e.To)
}

// ErrUnknownStatus is a configuration error: the status has no step.
type ErrUnknownStatus struct {
	Status string
}

func (e *ErrUnknownStatus) Error() string {
	return fmt.Sprintf("unknown project status: %q", e.Status)
}

// ErrPersistence indicates a store write or read failed. In-memory state is untouched
// and the same call may be retried.
type ErrPersistence struct {
	Op  string
	Err error
}

func (e *ErrPersistence) Error() string {
	return fmt.Sprintf("persistence error [%s]: %v", e.Op, e.Err)
}

func (e *ErrPersistence) Unwrap() error {
	return e.Err
}

// ErrRejected is terminal: a manager rejected the project.
type ErrRejected struct {
	ProjectID string
}

func (e *ErrRejected) Error() string {
	return fmt.Sprintf("project %s was rejected by a manager", e.ProjectID)
}

// ErrNotification indicates an approval request could not be delivered.
// It never blocks the primary workflow.
type ErrNotification struct {
	Gate GateKind
	Err  error
}

func (e *ErrNotification) Error() string {
	return fmt.Sprintf("notification [%s] failed: %v", e.Gate, e.Err)
}

func (e *ErrNotification) Unwrap() error {
	return e.Err
}

// ErrUnauthorized indicates invalid credentials or token.
type ErrUnauthorized struct {
	Message string
}

func (e *ErrUnauthorized) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "unauthorized"
}

// ErrForbidden indicates the user lacks permission for the operation.
type ErrForbidden struct {
	Action string
}

func (e *ErrForbidden) Error() string {
	return fmt.Sprintf("forbidden: %s", e.Action)
}

// ErrSessionClosed is returned by operations on a torn-down session.
type ErrSessionClosed struct {
	ProjectID string
}

func (e *ErrSessionClosed) Error() string {
	return fmt.Sprintf("session for project %s is closed", e.ProjectID)
}
