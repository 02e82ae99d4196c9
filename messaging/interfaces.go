package messaging

import (
	"context"
	"fmt"
	"time"
)

// Processor processes a decoded message. It is the only extension point of the
// AcknowledgeConsumer; returning an error marks the delivery as failed.
type Processor[T any] interface {
	Process(ctx context.Context, message T) error
}

// ProcessorFunc is a function that implements Processor
type ProcessorFunc[T any] func(ctx context.Context, message T) error

// Process implements Processor
func (f ProcessorFunc[T]) Process(ctx context.Context, message T) error {
	return f(ctx, message)
}

// RetryPolicy decides when a failing message is escalated
type RetryPolicy struct {
	// MaxRetries is the number of redeliveries tolerated before escalation
	MaxRetries int
	// HasParkingLot reports whether exhausted messages are parked instead of dead-lettered
	HasParkingLot bool
}

// DefaultMaxRetries is used when no retry limit is configured
const DefaultMaxRetries = 10

// Validate checks the policy invariants
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0, got %d", p.MaxRetries)
	}
	return nil
}

// Exhausted reports whether a message redelivered count times must be escalated
func (p RetryPolicy) Exhausted(count int) bool {
	return count >= p.MaxRetries
}

// MetricsCollector collects publish and consume metrics
type MetricsCollector interface {
	// RecordPublish records the outcome of a confirmed send
	RecordPublish(outcome Outcome, duration time.Duration)

	// RecordProcess records a processor invocation
	RecordProcess(duration time.Duration, success bool)

	// RecordDisposition records how a delivery was settled
	RecordDisposition(disposition Disposition)

	// SetPendingConfirmations reports the number of in-flight confirmations
	SetPendingConfirmations(count int)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordPublish does nothing
func (NoOpMetricsCollector) RecordPublish(outcome Outcome, duration time.Duration) {}

// RecordProcess does nothing
func (NoOpMetricsCollector) RecordProcess(duration time.Duration, success bool) {}

// RecordDisposition does nothing
func (NoOpMetricsCollector) RecordDisposition(disposition Disposition) {}

// SetPendingConfirmations does nothing
func (NoOpMetricsCollector) SetPendingConfirmations(count int) {}
