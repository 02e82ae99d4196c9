package messaging

import (
	"errors"
	"fmt"
)

var (
	// Publish errors
	ErrEmitFailed      = errors.New("messaging: outbound emit failed")
	ErrConfirmTimeout  = errors.New("messaging: confirm timeout")
	ErrConfirmRejected = errors.New("messaging: confirm rejected")
	ErrPublisherClosed = errors.New("messaging: publisher is closed")
	ErrOutboundFull    = errors.New("messaging: outbound buffer is full")

	// Registry errors
	ErrDuplicateCorrelation = errors.New("messaging: correlation id already registered")
	ErrEmptyCorrelation     = errors.New("messaging: empty correlation id")

	// Consumer errors
	ErrParkingLotUnavailable = errors.New("messaging: parking lot unavailable")
	ErrConsumerClosed        = errors.New("messaging: consumer is closed")
)

// PublishError describes a send that did not end in Accepted
type PublishError struct {
	Outcome       Outcome
	CorrelationID string
	Reason        string
}

func (e *PublishError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("publish %s (correlation %s)", e.Outcome, e.CorrelationID)
	}
	return fmt.Sprintf("publish %s (correlation %s): %s", e.Outcome, e.CorrelationID, e.Reason)
}

func (e *PublishError) Unwrap() error {
	switch e.Outcome {
	case EmitFailed:
		return ErrEmitFailed
	case TimedOut:
		return ErrConfirmTimeout
	case Rejected:
		return ErrConfirmRejected
	}
	return nil
}
