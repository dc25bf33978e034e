// Package queue provides standardized error kinds for queue operations.
package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueNotFound indicates the named queue was never created.
	ErrQueueNotFound = errors.New("queue not found")

	// ErrMessageGone indicates the message id is unknown or already acked.
	ErrMessageGone = errors.New("message gone")

	// ErrConflict indicates an update lost a race with a concurrent writer.
	ErrConflict = errors.New("message update conflict")

	// ErrBackend indicates an underlying store failure. Retriable.
	ErrBackend = errors.New("queue backend failure")
)

// OpError wraps a queue failure with its operation and target.
type OpError struct {
	Op    string
	Queue string
	ID    int64
	Err   error
}

func (e *OpError) Error() string {
	if e.ID != 0 {
		return fmt.Sprintf("%s failed for message %d in queue %s: %v", e.Op, e.ID, e.Queue, e.Err)
	}

	return fmt.Sprintf("%s failed for queue %s: %v", e.Op, e.Queue, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func (e *OpError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewOpError creates a queue operation error.
func NewOpError(op, queue string, id int64, err error) *OpError {
	return &OpError{Op: op, Queue: queue, ID: id, Err: err}
}

// IsQueueNotFound checks whether an error indicates a missing queue.
func IsQueueNotFound(err error) bool {
	return errors.Is(err, ErrQueueNotFound)
}

// IsMessageGone checks whether an error indicates a missing message.
func IsMessageGone(err error) bool {
	return errors.Is(err, ErrMessageGone)
}

// IsConflict checks whether an error indicates a lost update race.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsBackend checks whether an error is a retriable backend failure.
func IsBackend(err error) bool {
	return errors.Is(err, ErrBackend)
}
