package contracts

import (
	"errors"
	"fmt"
)

// ErrInvalidMessage marks a message that is structurally invalid and will never be processed
var ErrInvalidMessage = errors.New("invalid message")

// InvalidMessageError represents a permanent processing failure.
// Messages failing with it are never requeued.
type InvalidMessageError struct {
	Reason string
	Err    error
}

// NewInvalidMessageError creates an InvalidMessageError
func NewInvalidMessageError(reason string, err error) *InvalidMessageError {
	return &InvalidMessageError{Reason: reason, Err: err}
}

func (e *InvalidMessageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid message: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid message: %s", e.Reason)
}

func (e *InvalidMessageError) Unwrap() error {
	return e.Err
}

// Is reports ErrInvalidMessage as a match so callers can use errors.Is
func (e *InvalidMessageError) Is(target error) bool {
	return target == ErrInvalidMessage
}

// IsInvalidMessage determines if err classifies a message as structurally invalid
func IsInvalidMessage(err error) bool {
	return err != nil && errors.Is(err, ErrInvalidMessage)
}
