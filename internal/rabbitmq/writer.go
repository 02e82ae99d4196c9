package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/rabbitack/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConfirmSink receives the broker's verdict for each tracked envelope
type ConfirmSink interface {
	Resolve(correlationID string, c contracts.Confirmation) bool
}

// ConfirmWriter publishes envelopes from an outbound stream on a channel in
// confirm mode and reports every ack, nack and return to a ConfirmSink.
// A writer owns its channel; it is not safe to share one between writers.
type ConfirmWriter struct {
	channel        Channel
	source         <-chan *contracts.Envelope
	sink           ConfirmSink
	publishTimeout time.Duration
	logger         *slog.Logger

	confirms <-chan amqp.Confirmation
	returns  <-chan amqp.Return
	closed   <-chan *amqp.Error

	inflight map[uint64]*contracts.Envelope
	returned map[string]contracts.ReturnInfo
}

// WriterOption configures the ConfirmWriter
type WriterOption func(*writerConfig)

type writerConfig struct {
	publishTimeout time.Duration
	notifyBuffer   int
	logger         *slog.Logger
}

// WithPublishTimeout bounds a single basic.publish call
func WithPublishTimeout(timeout time.Duration) WriterOption {
	return func(c *writerConfig) {
		c.publishTimeout = timeout
	}
}

// WithNotifyBuffer sets the capacity of the confirm and return notification channels
func WithNotifyBuffer(size int) WriterOption {
	return func(c *writerConfig) {
		if size > 0 {
			c.notifyBuffer = size
		}
	}
}

// WithWriterLogger sets the logger
func WithWriterLogger(logger *slog.Logger) WriterOption {
	return func(c *writerConfig) {
		c.logger = logger
	}
}

// NewConfirmWriter puts channel into confirm mode and registers for confirms,
// returns and channel closure
func NewConfirmWriter(channel Channel, source <-chan *contracts.Envelope, sink ConfirmSink, options ...WriterOption) (*ConfirmWriter, error) {
	if channel == nil || source == nil || sink == nil {
		return nil, fmt.Errorf("%w: writer needs a channel, a source and a sink", ErrInvalidConfiguration)
	}

	cfg := &writerConfig{
		publishTimeout: 5 * time.Second,
		notifyBuffer:   256,
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	if err := channel.Confirm(false); err != nil {
		return nil, &ChannelError{Op: "enable confirms", Err: err, Timestamp: time.Now()}
	}

	return &ConfirmWriter{
		channel:        channel,
		source:         source,
		sink:           sink,
		publishTimeout: cfg.publishTimeout,
		logger:         cfg.logger,
		confirms:       channel.NotifyPublish(make(chan amqp.Confirmation, cfg.notifyBuffer)),
		returns:        channel.NotifyReturn(make(chan amqp.Return, cfg.notifyBuffer)),
		closed:         channel.NotifyClose(make(chan *amqp.Error, 1)),
		inflight:       make(map[uint64]*contracts.Envelope),
		returned:       make(map[string]contracts.ReturnInfo),
	}, nil
}

// Run publishes until ctx is done or the broker closes the channel. When the
// source is closed it keeps running until every in-flight confirm has arrived.
// Envelopes still waiting for a confirm when Run exits are never resolved.
func (w *ConfirmWriter) Run(ctx context.Context) error {
	source := w.source

	for {
		if source == nil && len(w.inflight) == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			w.abandon("context done")
			return ctx.Err()

		case env, ok := <-source:
			if !ok {
				source = nil
				continue
			}
			w.publish(ctx, env)

		case ret, ok := <-w.returns:
			if !ok {
				w.returns = nil
				continue
			}
			w.stash(ret)

		case confirmation, ok := <-w.confirms:
			if !ok {
				w.abandon("confirm stream closed")
				return &ChannelError{Op: "await confirms", Err: ErrChannelClosed, Timestamp: time.Now()}
			}
			w.drainReturns()
			w.confirm(confirmation)

		case amqpErr := <-w.closed:
			w.abandon("channel closed")
			err := error(ErrChannelClosed)
			if amqpErr != nil {
				err = fmt.Errorf("%w: %v", ErrChannelClosed, amqpErr)
			}
			return &ChannelError{Op: "publish", Err: err, Timestamp: time.Now()}
		}
	}
}

// Inflight returns the number of published envelopes waiting for a confirm
func (w *ConfirmWriter) Inflight() int {
	return len(w.inflight)
}

func (w *ConfirmWriter) publish(ctx context.Context, env *contracts.Envelope) {
	tag := w.channel.GetNextPublishSeqNo()

	publishCtx, cancel := context.WithTimeout(ctx, w.publishTimeout)
	defer cancel()

	if err := w.channel.PublishWithContext(publishCtx, env.Exchange, env.RoutingKey, true, false, env.Publishing()); err != nil {
		publishErr := &PublishError{
			Exchange:      env.Exchange,
			RoutingKey:    env.RoutingKey,
			CorrelationID: env.CorrelationID,
			Err:           err,
		}
		w.logger.Error("failed to publish message",
			"correlationId", env.CorrelationID,
			"untracked", env.Untracked,
			"error", publishErr)
		if !env.Untracked {
			w.sink.Resolve(env.CorrelationID, contracts.Confirmation{Accepted: false, FailureReason: err.Error()})
		}
		return
	}

	w.inflight[tag] = env
}

// stash remembers a return until the confirm for the same message arrives
func (w *ConfirmWriter) stash(ret amqp.Return) {
	correlationID := ret.CorrelationId
	if correlationID == "" {
		correlationID, _ = ret.Headers[contracts.HeaderCorrelationID].(string)
	}
	if correlationID == "" {
		w.logger.Warn("returned message without correlation id",
			"replyCode", ret.ReplyCode,
			"replyText", ret.ReplyText,
			"exchange", ret.Exchange,
			"routingKey", ret.RoutingKey)
		return
	}

	w.returned[correlationID] = contracts.ReturnInfo{
		ReplyCode:  ret.ReplyCode,
		ReplyText:  ret.ReplyText,
		Exchange:   ret.Exchange,
		RoutingKey: ret.RoutingKey,
	}
}

// drainReturns stashes returns already delivered; the broker sends basic.return
// before the basic.ack of the same message
func (w *ConfirmWriter) drainReturns() {
	for {
		select {
		case ret, ok := <-w.returns:
			if !ok {
				w.returns = nil
				return
			}
			w.stash(ret)
		default:
			return
		}
	}
}

func (w *ConfirmWriter) confirm(c amqp.Confirmation) {
	env, ok := w.inflight[c.DeliveryTag]
	if !ok {
		w.logger.Warn("confirmation for unknown delivery tag", "deliveryTag", c.DeliveryTag, "ack", c.Ack)
		return
	}
	delete(w.inflight, c.DeliveryTag)

	info, wasReturned := w.returned[env.CorrelationID]
	delete(w.returned, env.CorrelationID)

	if env.Untracked {
		if wasReturned || !c.Ack {
			w.logger.Error("untracked message was not accepted by the broker",
				"correlationId", env.CorrelationID,
				"exchange", env.Exchange,
				"routingKey", env.RoutingKey,
				"ack", c.Ack,
				"returned", wasReturned)
		}
		return
	}

	confirmation := contracts.Confirmation{Accepted: c.Ack}
	if wasReturned {
		confirmation.Accepted = false
		confirmation.Returned = &info
	} else if !c.Ack {
		confirmation.FailureReason = "negatively acknowledged by broker"
	}

	w.sink.Resolve(env.CorrelationID, confirmation)
}

func (w *ConfirmWriter) abandon(reason string) {
	if len(w.inflight) == 0 {
		return
	}
	w.logger.Warn("abandoning unconfirmed messages",
		"count", len(w.inflight),
		"reason", reason)
	w.inflight = make(map[uint64]*contracts.Envelope)
	w.returned = make(map[string]contracts.ReturnInfo)
}
