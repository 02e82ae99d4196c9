package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/rabbitack/contracts"
	"github.com/glimte/rabbitack/serialization"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/semaphore"
)

// DefaultWorkers bounds how many deliveries are processed concurrently
const DefaultWorkers = 16

// Disposition is how a delivery was settled with the broker
type Disposition int

const (
	// Acked means processing succeeded and the delivery was acknowledged
	Acked Disposition = iota
	// Requeued means the delivery was rejected and may be redelivered
	Requeued
	// DeadLettered means the delivery was rejected without requeue
	DeadLettered
	// Discarded means the delivery was dropped after the parking lot failed
	Discarded
	// RoutedToParkingLot means the delivery was handed to the parking lot
	RoutedToParkingLot
)

func (d Disposition) String() string {
	switch d {
	case Acked:
		return "acked"
	case Requeued:
		return "requeued"
	case DeadLettered:
		return "dead_lettered"
	case Discarded:
		return "discarded"
	case RoutedToParkingLot:
		return "routed_to_parking_lot"
	}
	return "unknown"
}

// AcknowledgeConsumer turns processing results into broker acknowledgments.
// Each delivery runs on its own goroutine; a bounded number run at once.
type AcknowledgeConsumer[T any] struct {
	processor      Processor[T]
	codec          serialization.Codec[T]
	policy         RetryPolicy
	parkingLot     *ParkingLotSink
	processTimeout time.Duration
	logger         *slog.Logger
	metrics        MetricsCollector

	sem     *semaphore.Weighted
	intake  context.Context
	stop    context.CancelFunc
	mu      sync.RWMutex
	closed  bool
	running sync.WaitGroup
}

type consumerConfig struct {
	maxRetries     int
	parkingLot     *ParkingLotSink
	workers        int64
	processTimeout time.Duration
	logger         *slog.Logger
	metrics        MetricsCollector
}

// ConsumerOption configures the AcknowledgeConsumer
type ConsumerOption func(*consumerConfig)

// WithMaxRetries sets how many redeliveries are tolerated before escalation
func WithMaxRetries(maxRetries int) ConsumerOption {
	return func(c *consumerConfig) {
		c.maxRetries = maxRetries
	}
}

// WithParkingLot routes exhausted messages to sink instead of dead-lettering them
func WithParkingLot(sink *ParkingLotSink) ConsumerOption {
	return func(c *consumerConfig) {
		c.parkingLot = sink
	}
}

// WithWorkers sets the maximum number of concurrently processed deliveries
func WithWorkers(workers int) ConsumerOption {
	return func(c *consumerConfig) {
		c.workers = int64(workers)
	}
}

// WithProcessTimeout bounds each processor invocation
func WithProcessTimeout(timeout time.Duration) ConsumerOption {
	return func(c *consumerConfig) {
		c.processTimeout = timeout
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *consumerConfig) {
		c.logger = logger
	}
}

// WithConsumerMetrics sets the metrics collector
func WithConsumerMetrics(metrics MetricsCollector) ConsumerOption {
	return func(c *consumerConfig) {
		c.metrics = metrics
	}
}

// NewAcknowledgeConsumer creates a consumer that decodes deliveries with codec
// and hands them to processor
func NewAcknowledgeConsumer[T any](processor Processor[T], codec serialization.Codec[T], options ...ConsumerOption) (*AcknowledgeConsumer[T], error) {
	if processor == nil {
		return nil, fmt.Errorf("processor cannot be nil")
	}
	if codec == nil {
		return nil, fmt.Errorf("codec cannot be nil")
	}

	cfg := &consumerConfig{
		maxRetries: DefaultMaxRetries,
		workers:    DefaultWorkers,
		logger:     slog.Default(),
		metrics:    NoOpMetricsCollector{},
	}
	for _, opt := range options {
		opt(cfg)
	}

	policy := RetryPolicy{MaxRetries: cfg.maxRetries, HasParkingLot: cfg.parkingLot != nil}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1, got %d", cfg.workers)
	}

	intake, stop := context.WithCancel(context.Background())

	return &AcknowledgeConsumer[T]{
		processor:      processor,
		codec:          codec,
		policy:         policy,
		parkingLot:     cfg.parkingLot,
		processTimeout: cfg.processTimeout,
		logger:         cfg.logger,
		metrics:        cfg.metrics,
		sem:            semaphore.NewWeighted(cfg.workers),
		intake:         intake,
		stop:           stop,
	}, nil
}

// RetryPolicy returns the effective escalation policy
func (c *AcknowledgeConsumer[T]) RetryPolicy() RetryPolicy {
	return c.policy
}

// Handle schedules delivery for processing and returns. It blocks only while
// every worker is busy. After Close the delivery is handed back to the broker.
func (c *AcknowledgeConsumer[T]) Handle(delivery amqp.Delivery) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		c.returnToBroker(delivery)
		return
	}
	c.running.Add(1)
	c.mu.RUnlock()

	if err := c.sem.Acquire(c.intake, 1); err != nil {
		c.running.Done()
		c.returnToBroker(delivery)
		return
	}

	go func() {
		defer c.running.Done()
		defer c.sem.Release(1)
		c.Process(context.Background(), delivery)
	}()
}

// Process runs the receive, process, settle pipeline for a single delivery
func (c *AcknowledgeConsumer[T]) Process(ctx context.Context, delivery amqp.Delivery) Disposition {
	c.logger.Debug("received message",
		"messageId", delivery.MessageId,
		"deliveryTag", delivery.DeliveryTag)

	start := time.Now()
	err := c.invoke(ctx, delivery)
	c.metrics.RecordProcess(time.Since(start), err == nil)

	disposition := c.settle(ctx, delivery, err)
	c.metrics.RecordDisposition(disposition)

	return disposition
}

func (c *AcknowledgeConsumer[T]) invoke(ctx context.Context, delivery amqp.Delivery) (err error) {
	message, err := c.codec.Decode(delivery.Body)
	if err != nil {
		if !contracts.IsInvalidMessage(err) {
			err = contracts.NewInvalidMessageError("cannot decode body", err)
		}
		return err
	}

	if c.processTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.processTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in message processor: %v", r)
		}
	}()

	return c.processor.Process(ctx, message)
}

func (c *AcknowledgeConsumer[T]) settle(ctx context.Context, delivery amqp.Delivery, err error) Disposition {
	if err == nil {
		c.logger.Debug("process message success",
			"messageId", delivery.MessageId,
			"deliveryTag", delivery.DeliveryTag)
		c.ack(delivery)
		return Acked
	}

	if contracts.IsInvalidMessage(err) {
		c.logger.Warn("invalid message rejected",
			"messageId", delivery.MessageId,
			"deliveryTag", delivery.DeliveryTag,
			"error", err)
		c.reject(delivery, false)
		return DeadLettered
	}

	retryCount := RedeliveryCount(delivery.Headers)
	c.logger.Warn("process message failed",
		"messageId", delivery.MessageId,
		"deliveryTag", delivery.DeliveryTag,
		"retryCount", retryCount,
		"maxRetries", c.policy.MaxRetries,
		"error", err)

	if !c.policy.Exhausted(retryCount) {
		c.reject(delivery, true)
		return Requeued
	}

	if c.parkingLot == nil {
		c.reject(delivery, false)
		return DeadLettered
	}

	if parkErr := c.parkingLot.Park(ctx, delivery, err); parkErr != nil {
		c.logger.Error("max retries exceeded and parking lot unavailable, discarding message",
			"messageId", delivery.MessageId,
			"deliveryTag", delivery.DeliveryTag,
			"retryCount", retryCount,
			"error", parkErr,
			"processError", err)
		c.ack(delivery)
		return Discarded
	}

	c.ack(delivery)
	return RoutedToParkingLot
}

// ack settles the single delivery; multiple is never used
func (c *AcknowledgeConsumer[T]) ack(delivery amqp.Delivery) {
	if err := delivery.Ack(false); err != nil {
		c.logger.Error("failed to ack message",
			"messageId", delivery.MessageId,
			"deliveryTag", delivery.DeliveryTag,
			"error", err)
	}
}

func (c *AcknowledgeConsumer[T]) reject(delivery amqp.Delivery, requeue bool) {
	if err := delivery.Reject(requeue); err != nil {
		c.logger.Error("failed to reject message",
			"messageId", delivery.MessageId,
			"deliveryTag", delivery.DeliveryTag,
			"requeue", requeue,
			"error", err)
	}
}

func (c *AcknowledgeConsumer[T]) returnToBroker(delivery amqp.Delivery) {
	c.logger.Warn("consumer closed, returning message to broker",
		"messageId", delivery.MessageId,
		"deliveryTag", delivery.DeliveryTag)
	c.reject(delivery, true)
}

// Wait blocks until every scheduled delivery has been settled
func (c *AcknowledgeConsumer[T]) Wait() {
	c.running.Wait()
}

// Close stops accepting deliveries and waits for in-flight ones, bounded by ctx
func (c *AcknowledgeConsumer[T]) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.stop()

	done := make(chan struct{})
	go func() {
		c.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrConsumerClosed, ctx.Err())
	}
}
