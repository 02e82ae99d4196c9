package health

import (
	"context"
	"time"
)

// ConnectionState is implemented by rabbitmq.ConnectionManager
type ConnectionState interface {
	IsConnected() bool
	Failure() error
}

// ConnectionChecker reports the broker connection. A manager that gave up
// reconnecting is unhealthy; one that is still reconnecting is degraded.
type ConnectionChecker struct {
	state ConnectionState
}

// NewConnectionChecker creates a new connection health checker
func NewConnectionChecker(state ConnectionState) *ConnectionChecker {
	return &ConnectionChecker{state: state}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"connected": c.state.IsConnected()},
	}

	switch err := c.state.Failure(); {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Message = "gave up reconnecting"
		result.Error = err.Error()
	case !c.state.IsConnected():
		result.Status = StatusDegraded
		result.Message = "reconnecting"
	default:
		result.Status = StatusHealthy
		result.Message = "connection is open"
	}

	result.Duration = time.Since(start)
	return result
}

// PendingCounter is implemented by messaging.ConfirmPublisher
type PendingCounter interface {
	Pending() int
}

// PublisherChecker degrades when too many sends are waiting for a confirm
type PublisherChecker struct {
	name      string
	publisher PendingCounter
	threshold int
}

// NewPublisherChecker creates a checker named name. A threshold <= 0 never degrades.
func NewPublisherChecker(name string, publisher PendingCounter, threshold int) *PublisherChecker {
	return &PublisherChecker{name: name, publisher: publisher, threshold: threshold}
}

func (c *PublisherChecker) Name() string {
	return c.name
}

func (c *PublisherChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	pending := c.publisher.Pending()

	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   "confirmations flowing",
		Timestamp: start,
		Details:   map[string]interface{}{"pending_confirmations": pending},
	}
	if c.threshold > 0 && pending >= c.threshold {
		result.Status = StatusDegraded
		result.Message = "confirmations backing up"
	}

	result.Duration = time.Since(start)
	return result
}
