package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler takes ownership of a delivery, including its acknowledgment
type DeliveryHandler func(delivery amqp.Delivery)

// Consumer manages message consumption from RabbitMQ
type Consumer struct {
	channels        ChannelProvider
	prefetchCount   int
	prefetchSize    int
	autoAck         bool
	exclusive       bool
	noLocal         bool
	noWait          bool
	consumerTag     string
	logger          *slog.Logger
	activeConsumers sync.Map
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithAutoAck enables automatic acknowledgment
func WithAutoAck(autoAck bool) ConsumerOption {
	return func(c *Consumer) {
		c.autoAck = autoAck
	}
}

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerTag sets the consumer tag prefix
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(channels ChannelProvider, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		channels:      channels,
		prefetchCount: 10,
		consumerTag:   "rabbitack",
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// ConsumerInfo tracks an active subscription
type ConsumerInfo struct {
	Queue       string
	ConsumerTag string
	Channel     Channel
	Cancel      context.CancelFunc
	Done        chan struct{}
}

// Subscribe starts consuming messages from a queue on a dedicated channel.
// Deliveries are passed to handler in arrival order; handler should return quickly.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler DeliveryHandler) error {
	if _, exists := c.activeConsumers.Load(queue); exists {
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: ErrAlreadySubscribed, Timestamp: time.Now()}
	}

	tag := fmt.Sprintf("%s-%s", c.consumerTag, uuid.NewString())

	ch, err := c.channels.OpenChannel()
	if err != nil {
		return &ConsumerError{
			Queue:       queue,
			ConsumerTag: tag,
			Op:          "subscribe",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	if err := ch.Qos(c.prefetchCount, c.prefetchSize, false); err != nil {
		ch.Close()
		return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "qos", Err: err, Timestamp: time.Now()}
	}

	deliveries, err := ch.Consume(
		queue,
		tag,
		c.autoAck,
		c.exclusive,
		c.noLocal,
		c.noWait,
		nil,
	)
	if err != nil {
		ch.Close()
		return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	consumerCtx, cancel := context.WithCancel(ctx)

	info := &ConsumerInfo{
		Queue:       queue,
		ConsumerTag: tag,
		Channel:     ch,
		Cancel:      cancel,
		Done:        make(chan struct{}),
	}
	c.activeConsumers.Store(queue, info)

	go c.processMessages(consumerCtx, info, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount,
	)

	return nil
}

func (c *Consumer) processMessages(ctx context.Context, info *ConsumerInfo, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	defer func() {
		close(info.Done)
		c.logger.Info("consumer stopped", "queue", info.Queue)
	}()

	for {
		select {
		case <-ctx.Done():
			if err := info.Channel.Cancel(info.ConsumerTag, false); err != nil {
				c.logger.Warn("failed to cancel consumer",
					"queue", info.Queue,
					"consumerTag", info.ConsumerTag,
					"error", err)
			}
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", info.Queue)
				return
			}
			handler(delivery)
		}
	}
}

// Done returns a channel closed when the subscription on queue stops, or nil
// when there is none
func (c *Consumer) Done(queue string) <-chan struct{} {
	value, ok := c.activeConsumers.Load(queue)
	if !ok {
		return nil
	}
	return value.(*ConsumerInfo).Done
}

// Cancel stops deliveries from queue but keeps the channel open so that
// deliveries already handed out can still be acknowledged
func (c *Consumer) Cancel(queue string) error {
	value, ok := c.activeConsumers.Load(queue)
	if !ok {
		return fmt.Errorf("no active consumer for queue: %s", queue)
	}

	info := value.(*ConsumerInfo)
	info.Cancel()
	<-info.Done

	return nil
}

// Unsubscribe stops consuming from a queue and closes its channel
func (c *Consumer) Unsubscribe(queue string) error {
	value, ok := c.activeConsumers.LoadAndDelete(queue)
	if !ok {
		return fmt.Errorf("no active consumer for queue: %s", queue)
	}

	info := value.(*ConsumerInfo)
	info.Cancel()
	<-info.Done

	if err := info.Channel.Close(); err != nil && err != amqp.ErrClosed {
		return &ConsumerError{Queue: queue, ConsumerTag: info.ConsumerTag, Op: "close channel", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// UnsubscribeAll stops all active consumers
func (c *Consumer) UnsubscribeAll() error {
	var wg sync.WaitGroup

	c.activeConsumers.Range(func(key, value interface{}) bool {
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			if err := c.Unsubscribe(queue); err != nil {
				c.logger.Error("failed to unsubscribe", "queue", queue, "error", err)
			}
		}(key.(string))
		return true
	})

	wg.Wait()
	return nil
}

// GetActiveConsumers returns a list of active consumer queues
func (c *Consumer) GetActiveConsumers() []string {
	var queues []string
	c.activeConsumers.Range(func(key, value interface{}) bool {
		queues = append(queues, key.(string))
		return true
	})
	return queues
}
