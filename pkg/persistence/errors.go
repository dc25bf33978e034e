// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"

	"github.com/dukex/conduit/pkg/models"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrWorkflowNotFound indicates a workflow was not found by the given identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrStateNotFound indicates a lifecycle state was not found by the given identifier.
	ErrStateNotFound = errors.New("workflow state not found")

	// ErrTransitionNotFound indicates no transition is declared between the given states.
	ErrTransitionNotFound = errors.New("workflow state transition not found")

	// ErrTraitNotFound indicates a trait was not found by the given identifier.
	ErrTraitNotFound = errors.New("trait not found")

	// ErrScheduleNotFound indicates a schedule was not found by the given identifier.
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrEntityNotFound indicates no cursor exists for the given entity reference.
	ErrEntityNotFound = errors.New("entity not found")
)

// WorkflowError wraps workflow-related errors with additional context.
type WorkflowError struct {
	Op         string // Operation being performed (e.g., "GetByID", "Save", "Delete")
	WorkflowID string // Workflow ID if applicable
	Err        error  // Underlying error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("%s operation failed for workflow %s: %v", e.Op, e.WorkflowID, e.Err)
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for workflow errors.
func (e *WorkflowError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewWorkflowError creates a new workflow error with context.
func NewWorkflowError(op, workflowID string, err error) *WorkflowError {
	return &WorkflowError{
		Op:         op,
		WorkflowID: workflowID,
		Err:        err,
	}
}

// EntityError wraps entity-cursor errors with the reference being operated on.
type EntityError struct {
	Op  string
	Ref models.EntityRef
	Err error
}

func (e *EntityError) Error() string {
	return fmt.Sprintf("%s operation failed for %s %s@%d: %v", e.Op, e.Ref.Kind, e.Ref.ID, e.Ref.Version, e.Err)
}

func (e *EntityError) Unwrap() error {
	return e.Err
}

func (e *EntityError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewEntityError creates a new entity error with context.
func NewEntityError(op string, ref models.EntityRef, err error) *EntityError {
	return &EntityError{Op: op, Ref: ref, Err: err}
}

// IsWorkflowNotFound checks if an error indicates a workflow was not found.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

// IsStateNotFound checks if an error indicates a lifecycle state was not found.
func IsStateNotFound(err error) bool {
	return errors.Is(err, ErrStateNotFound)
}

// IsTransitionNotFound checks if an error indicates an undeclared transition.
func IsTransitionNotFound(err error) bool {
	return errors.Is(err, ErrTransitionNotFound)
}

// IsEntityNotFound checks if an error indicates a missing entity cursor.
func IsEntityNotFound(err error) bool {
	return errors.Is(err, ErrEntityNotFound)
}

// IsTraitNotFound checks if an error indicates a trait was not found.
func IsTraitNotFound(err error) bool {
	return errors.Is(err, ErrTraitNotFound)
}
