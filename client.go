// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rabbitack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/rabbitack/config"
	"github.com/glimte/rabbitack/health"
	"github.com/glimte/rabbitack/internal/rabbitmq"
	"github.com/glimte/rabbitack/messaging"
	"github.com/glimte/rabbitack/serialization"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// DeliveryConsumer takes ownership of deliveries from a queue.
// *messaging.AcknowledgeConsumer satisfies it.
type DeliveryConsumer interface {
	Handle(delivery amqp.Delivery)
	Close(ctx context.Context) error
}

// connection is what the client needs from the broker connection
type connection interface {
	rabbitmq.ChannelProvider
	WaitConnected(ctx context.Context) error
	Close() error
}

// Client wires confirm publishers, their broker writers and a consumer to one connection
type Client struct {
	cfg              config.Config
	conn             connection
	consumer         *rabbitmq.Consumer
	publisher        *messaging.ConfirmPublisher
	parkingPublisher *messaging.ConfirmPublisher
	parkingLot       *messaging.ParkingLotSink
	metrics          messaging.MetricsCollector
	logger           *slog.Logger
	health           *health.Registry
	closeOnce        sync.Once
	closeErr         error
}

// clientConfig holds client configuration
type clientConfig struct {
	logger  *slog.Logger
	metrics messaging.MetricsCollector
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithMetrics sets the metrics collector for all components
func WithMetrics(metrics messaging.MetricsCollector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = metrics
	}
}

// NewClient connects to the broker described by cfg
func NewClient(ctx context.Context, cfg config.Config, options ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := applyOptions(options)

	conn := rabbitmq.NewConnectionManager(cfg.URL,
		rabbitmq.WithLogger(opts.logger),
		rabbitmq.WithReconnectDelay(cfg.ReconnectDelay),
	)
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return newClient(cfg, conn, opts), nil
}

func applyOptions(options []ClientOption) *clientConfig {
	opts := &clientConfig{
		logger:  slog.Default(),
		metrics: messaging.NoOpMetricsCollector{},
	}
	for _, opt := range options {
		opt(opts)
	}
	return opts
}

func newClient(cfg config.Config, conn connection, opts *clientConfig) *Client {
	c := &Client{
		cfg:     cfg,
		conn:    conn,
		metrics: opts.metrics,
		logger:  opts.logger,
		health:  health.NewRegistry(),
		consumer: rabbitmq.NewConsumer(conn,
			rabbitmq.WithPrefetchCount(cfg.PrefetchCount),
			rabbitmq.WithConsumerLogger(opts.logger),
		),
		publisher: messaging.NewConfirmPublisher(
			messaging.WithDestination(cfg.Exchange, cfg.RoutingKey),
			messaging.WithConfirmTimeout(cfg.ConfirmTimeout),
			messaging.WithOutboundBuffer(cfg.OutboundBuffer),
			messaging.WithPublisherLogger(opts.logger),
			messaging.WithPublisherMetrics(opts.metrics),
		),
	}

	if cfg.ParkingLotEnabled {
		c.parkingPublisher = messaging.NewConfirmPublisher(
			messaging.WithDestination(cfg.ParkingLotExchange, cfg.ParkingLotRoutingKey),
			messaging.WithConfirmTimeout(cfg.ConfirmTimeout),
			messaging.WithOutboundBuffer(cfg.OutboundBuffer),
			messaging.WithPublisherLogger(opts.logger.With("publisher", "parking-lot")),
			messaging.WithPublisherMetrics(parkingLotMetrics{opts.metrics}),
		)
		c.parkingLot = messaging.NewParkingLotSink(c.parkingPublisher,
			messaging.WithAwaitConfirm(cfg.ParkingLotAwaitConfirm),
			messaging.WithParkingLotRetries(cfg.ParkingLotRetries),
			messaging.WithParkingLotLogger(opts.logger),
		)
	}

	if state, ok := conn.(health.ConnectionState); ok {
		c.health.Register(health.NewConnectionChecker(state))
	}
	c.health.Register(health.NewPublisherChecker("publisher", c.publisher, cfg.OutboundBuffer))
	if c.parkingPublisher != nil {
		c.health.Register(health.NewPublisherChecker("parking_lot", c.parkingPublisher, cfg.OutboundBuffer))
	}

	return c
}

// parkingLotMetrics records parking-lot publishes but leaves the pending gauge
// to the main publisher
type parkingLotMetrics struct {
	messaging.MetricsCollector
}

func (parkingLotMetrics) SetPendingConfirmations(count int) {}

// Publisher returns the confirm publisher bound to the configured exchange and routing key
func (c *Client) Publisher() *messaging.ConfirmPublisher {
	return c.publisher
}

// ParkingLot returns the parking lot sink, or nil when it is disabled
func (c *Client) ParkingLot() *messaging.ParkingLotSink {
	return c.parkingLot
}

// Health returns the registry checking the connection and the publishers
func (c *Client) Health() *health.Registry {
	return c.health
}

// Consume builds an AcknowledgeConsumer using the client's retry policy, parking lot,
// logger and metrics. Extra options are applied last.
func Consume[T any](c *Client, processor messaging.Processor[T], codec serialization.Codec[T], options ...messaging.ConsumerOption) (*messaging.AcknowledgeConsumer[T], error) {
	opts := []messaging.ConsumerOption{
		messaging.WithMaxRetries(c.cfg.MaxRetries),
		messaging.WithWorkers(c.cfg.Workers),
		messaging.WithProcessTimeout(c.cfg.ProcessTimeout),
		messaging.WithConsumerLogger(c.logger),
		messaging.WithConsumerMetrics(c.metrics),
	}
	if c.parkingLot != nil {
		opts = append(opts, messaging.WithParkingLot(c.parkingLot))
	}

	return messaging.NewAcknowledgeConsumer(processor, codec, append(opts, options...)...)
}

// Run drives the broker writers and, when consumer is not nil, feeds it deliveries
// from queue. A broken channel or connection starts a new session once the
// connection is back. Run returns nil when ctx is done; before returning it
// drains the consumer so that in-flight parking-lot hand-offs can still be written.
func (c *Client) Run(ctx context.Context, queue string, consumer DeliveryConsumer) error {
	if consumer != nil {
		if queue == "" {
			queue = c.cfg.Queue
		}
		if queue == "" {
			return fmt.Errorf("%w: no queue to consume from", rabbitmq.ErrInvalidConfiguration)
		}
		defer c.closeConsumer(consumer)
	}

	for {
		err := c.runSession(ctx, queue, consumer)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}
		if !rabbitmq.IsRetryable(err) {
			return err
		}

		c.logger.Warn("session ended, waiting for the connection", "error", err)
		if err := c.conn.WaitConnected(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (c *Client) runSession(ctx context.Context, queue string, consumer DeliveryConsumer) error {
	sessionCtx, cancelSession := context.WithCancel(ctx)
	defer cancelSession()

	// writers outlive the subscription so that a draining consumer can still park
	writerCtx, stopWriters := context.WithCancel(context.Background())
	defer stopWriters()

	var g errgroup.Group
	var channels []rabbitmq.Channel
	defer func() {
		for _, ch := range channels {
			if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
				c.logger.Warn("failed to close writer channel", "error", err)
			}
		}
	}()

	abort := func(err error) error {
		stopWriters()
		_ = g.Wait()
		return err
	}

	for _, publisher := range c.publishers() {
		ch, err := c.conn.OpenChannel()
		if err != nil {
			return abort(err)
		}
		channels = append(channels, ch)

		writer, err := rabbitmq.NewConfirmWriter(ch, publisher.Outbound(), publisher,
			rabbitmq.WithNotifyBuffer(c.cfg.OutboundBuffer),
			rabbitmq.WithWriterLogger(c.logger),
		)
		if err != nil {
			return abort(err)
		}

		g.Go(func() error {
			err := writer.Run(writerCtx)
			if writerCtx.Err() != nil {
				return nil
			}
			cancelSession()
			return err
		})
	}

	if consumer != nil {
		if err := c.consumer.Subscribe(sessionCtx, queue, consumer.Handle); err != nil {
			return abort(err)
		}
		done := c.consumer.Done(queue)

		g.Go(func() error {
			select {
			case <-sessionCtx.Done():
				return nil
			case <-done:
				cancelSession()
				return &rabbitmq.ConsumerError{Queue: queue, Op: "consume", Err: rabbitmq.ErrConsumerCancelled, Timestamp: time.Now()}
			}
		})
	}

	<-sessionCtx.Done()

	if consumer != nil {
		if ctx.Err() != nil {
			c.closeConsumer(consumer)
		}
		if err := c.consumer.Unsubscribe(queue); err != nil {
			c.logger.Warn("failed to unsubscribe", "queue", queue, "error", err)
		}
	}
	stopWriters()

	return g.Wait()
}

func (c *Client) closeConsumer(consumer DeliveryConsumer) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
	defer cancel()

	if err := consumer.Close(shutdownCtx); err != nil {
		c.logger.Error("consumer did not drain in time", "error", err)
	}
}

func (c *Client) publishers() []*messaging.ConfirmPublisher {
	if c.parkingPublisher != nil {
		return []*messaging.ConfirmPublisher{c.publisher, c.parkingPublisher}
	}
	return []*messaging.ConfirmPublisher{c.publisher}
}

// Close closes all resources
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		var err error
		for _, p := range c.publishers() {
			err = multierr.Append(err, p.Close())
		}
		err = multierr.Append(err, c.consumer.UnsubscribeAll())
		err = multierr.Append(err, c.conn.Close())
		c.closeErr = err
	})
	return c.closeErr
}
