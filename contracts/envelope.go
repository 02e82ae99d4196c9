package contracts

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Reserved header keys
const (
	// HeaderCorrelationID carries the publisher confirm correlation id
	HeaderCorrelationID = "x-correlation-id"
	// HeaderDeath is the broker maintained death history
	HeaderDeath = "x-death"

	HeaderParkedReason       = "x-parked-reason"
	HeaderParkedAt           = "x-parked-at"
	HeaderOriginalExchange   = "x-original-exchange"
	HeaderOriginalRoutingKey = "x-original-routing-key"
	HeaderRedeliveryCount    = "x-redelivery-count"
)

// Envelope wraps an outbound payload for transport
type Envelope struct {
	CorrelationID string
	MessageID     string
	Exchange      string
	RoutingKey    string
	ContentType   string
	Headers       map[string]interface{}
	Body          []byte
	CreatedAt     time.Time
	// Untracked envelopes are published without reporting their confirmation
	Untracked bool
}

// Publishing converts the envelope into an AMQP publishing
func (e *Envelope) Publishing() amqp.Publishing {
	headers := make(amqp.Table, len(e.Headers)+1)
	for k, v := range e.Headers {
		headers[k] = v
	}
	headers[HeaderCorrelationID] = e.CorrelationID

	return amqp.Publishing{
		Headers:       headers,
		ContentType:   e.ContentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: e.CorrelationID,
		MessageId:     e.MessageID,
		Timestamp:     e.CreatedAt,
		Body:          e.Body,
	}
}

// ReturnInfo describes a message the broker could not route
type ReturnInfo struct {
	ReplyCode  uint16
	ReplyText  string
	Exchange   string
	RoutingKey string
}

// Confirmation is the broker's verdict on a published envelope.
// Returned is set when the message was unroutable; Accepted is false in that case.
type Confirmation struct {
	Accepted      bool
	Returned      *ReturnInfo
	FailureReason string
}

// Reason returns a human readable explanation for a negative confirmation
func (c Confirmation) Reason() string {
	if c.Returned != nil {
		return c.Returned.ReplyText
	}
	return c.FailureReason
}
