package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/glimte/rabbitack/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ParkingLotSink hands messages that exhausted their retries to a dedicated
// publisher, typically bound to a parking-lot queue
type ParkingLotSink struct {
	publisher    *ConfirmPublisher
	awaitConfirm bool
	retries      int
	retryDelay   time.Duration
	logger       *slog.Logger
}

// ParkingLotOption configures the parking lot sink
type ParkingLotOption func(*ParkingLotSink)

// WithAwaitConfirm makes a hand-off succeed only once the broker confirms it.
// By default a successful emit is enough.
func WithAwaitConfirm(await bool) ParkingLotOption {
	return func(s *ParkingLotSink) {
		s.awaitConfirm = await
	}
}

// WithParkingLotRetries sets how many times a failed hand-off is retried before
// the message is discarded
func WithParkingLotRetries(retries int) ParkingLotOption {
	return func(s *ParkingLotSink) {
		if retries >= 0 {
			s.retries = retries
		}
	}
}

// WithParkingLotRetryDelay sets the initial backoff between hand-off retries
func WithParkingLotRetryDelay(delay time.Duration) ParkingLotOption {
	return func(s *ParkingLotSink) {
		if delay > 0 {
			s.retryDelay = delay
		}
	}
}

// WithParkingLotLogger sets the logger
func WithParkingLotLogger(logger *slog.Logger) ParkingLotOption {
	return func(s *ParkingLotSink) {
		s.logger = logger
	}
}

// NewParkingLotSink creates a sink that parks messages through publisher
func NewParkingLotSink(publisher *ConfirmPublisher, options ...ParkingLotOption) *ParkingLotSink {
	s := &ParkingLotSink{
		publisher:  publisher,
		retryDelay: 100 * time.Millisecond,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Park republishes delivery to the parking lot, annotated with why it was parked.
// The returned error wraps ErrParkingLotUnavailable.
func (s *ParkingLotSink) Park(ctx context.Context, delivery amqp.Delivery, cause error) error {
	headers := parkedHeaders(delivery, cause)
	options := []SendOption{
		WithMessageID(delivery.MessageId),
		WithSendContentType(delivery.ContentType),
	}

	body := delivery.Body
	if body == nil {
		body = []byte{}
	}

	attempt := 0
	operation := func() error {
		attempt++
		if !s.awaitConfirm {
			_, err := s.publisher.Emit(body, headers, options...)
			return err
		}
		return s.publisher.Send(ctx, body, headers, options...).Err()
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retryDelay
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.retries)), ctx)

	err := backoff.RetryNotify(operation, retry, func(err error, next time.Duration) {
		s.logger.Warn("parking lot hand-off failed, retrying",
			"messageId", delivery.MessageId,
			"attempt", attempt,
			"nextRetryIn", next,
			"error", err)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrParkingLotUnavailable, err)
	}

	s.logger.Info("message routed to parking lot",
		"messageId", delivery.MessageId,
		"deliveryTag", delivery.DeliveryTag,
		"attempts", attempt)

	return nil
}

func parkedHeaders(delivery amqp.Delivery, cause error) map[string]interface{} {
	headers := make(map[string]interface{}, len(delivery.Headers)+5)
	for k, v := range delivery.Headers {
		headers[k] = v
	}
	// the parked copy gets its own correlation id
	delete(headers, contracts.HeaderCorrelationID)

	reason := "max retries exceeded"
	if cause != nil {
		reason = cause.Error()
	}
	headers[contracts.HeaderParkedReason] = reason
	headers[contracts.HeaderParkedAt] = time.Now().Unix()
	headers[contracts.HeaderOriginalExchange] = delivery.Exchange
	headers[contracts.HeaderOriginalRoutingKey] = delivery.RoutingKey
	headers[contracts.HeaderRedeliveryCount] = int64(RedeliveryCount(delivery.Headers))

	return headers
}
