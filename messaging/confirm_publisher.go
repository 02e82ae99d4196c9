package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/rabbitack/contracts"
	"github.com/glimte/rabbitack/serialization"
	"github.com/google/uuid"
)

// DefaultConfirmTimeout bounds the wait for a publisher confirm
const DefaultConfirmTimeout = 10 * time.Second

// DefaultOutboundBuffer is the capacity of the outbound stream
const DefaultOutboundBuffer = 256

// Outcome is the result of a confirmed send
type Outcome int

const (
	// Accepted means the broker confirmed the message
	Accepted Outcome = iota
	// Rejected means the broker nacked or returned the message
	Rejected
	// TimedOut means no confirmation arrived in time
	TimedOut
	// EmitFailed means the message never left the process
	EmitFailed
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case TimedOut:
		return "timed_out"
	case EmitFailed:
		return "emit_failed"
	}
	return "unknown"
}

// Result describes how a send ended
type Result struct {
	Outcome       Outcome
	CorrelationID string
	Reason        string
	Returned      *contracts.ReturnInfo
}

// OK reports whether the broker accepted the message
func (r Result) OK() bool {
	return r.Outcome == Accepted
}

// Err returns nil for accepted sends and a *PublishError otherwise
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	return &PublishError{Outcome: r.Outcome, CorrelationID: r.CorrelationID, Reason: r.Reason}
}

// ConfirmPublisher correlates outbound envelopes with asynchronous broker confirms.
// Envelopes are handed to whoever reads Outbound; that reader reports the broker's
// verdict back through Resolve.
type ConfirmPublisher struct {
	registry       *CorrelationRegistry
	outbound       chan *contracts.Envelope
	bufferSize     int
	confirmTimeout time.Duration
	exchange       string
	routingKey     string
	contentType    string
	logger         *slog.Logger
	metrics        MetricsCollector
	mu             sync.RWMutex
	closed         bool
}

// PublisherOption configures the ConfirmPublisher
type PublisherOption func(*ConfirmPublisher)

// WithConfirmTimeout sets the default confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *ConfirmPublisher) {
		if timeout > 0 {
			p.confirmTimeout = timeout
		}
	}
}

// WithOutboundBuffer sets the capacity of the outbound stream
func WithOutboundBuffer(size int) PublisherOption {
	return func(p *ConfirmPublisher) {
		if size > 0 {
			p.bufferSize = size
		}
	}
}

// WithDestination sets the default exchange and routing key
func WithDestination(exchange, routingKey string) PublisherOption {
	return func(p *ConfirmPublisher) {
		p.exchange = exchange
		p.routingKey = routingKey
	}
}

// WithContentType sets the default content type
func WithContentType(contentType string) PublisherOption {
	return func(p *ConfirmPublisher) {
		p.contentType = contentType
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *ConfirmPublisher) {
		p.logger = logger
	}
}

// WithPublisherMetrics sets the metrics collector
func WithPublisherMetrics(metrics MetricsCollector) PublisherOption {
	return func(p *ConfirmPublisher) {
		p.metrics = metrics
	}
}

// NewConfirmPublisher creates a new confirm publisher
func NewConfirmPublisher(options ...PublisherOption) *ConfirmPublisher {
	p := &ConfirmPublisher{
		bufferSize:     DefaultOutboundBuffer,
		confirmTimeout: DefaultConfirmTimeout,
		contentType:    "application/octet-stream",
		logger:         slog.Default(),
		metrics:        NoOpMetricsCollector{},
	}

	for _, opt := range options {
		opt(p)
	}

	p.registry = NewCorrelationRegistry(p.logger)
	p.outbound = make(chan *contracts.Envelope, p.bufferSize)

	return p
}

type sendConfig struct {
	timeout     time.Duration
	exchange    string
	routingKey  string
	messageID   string
	contentType string
}

// SendOption configures a single send
type SendOption func(*sendConfig)

// WithTimeout overrides the confirmation timeout for one send
func WithTimeout(timeout time.Duration) SendOption {
	return func(c *sendConfig) {
		c.timeout = timeout
	}
}

// WithExchange overrides the exchange for one send
func WithExchange(exchange string) SendOption {
	return func(c *sendConfig) {
		c.exchange = exchange
	}
}

// WithRoutingKey overrides the routing key for one send
func WithRoutingKey(routingKey string) SendOption {
	return func(c *sendConfig) {
		c.routingKey = routingKey
	}
}

// WithMessageID sets the AMQP message id
func WithMessageID(messageID string) SendOption {
	return func(c *sendConfig) {
		c.messageID = messageID
	}
}

// WithSendContentType overrides the content type for one send
func WithSendContentType(contentType string) SendOption {
	return func(c *sendConfig) {
		if contentType != "" {
			c.contentType = contentType
		}
	}
}

// Send emits payload and waits until the broker confirms, rejects or returns it,
// or until the timeout elapses. It never returns an error; every failure is
// folded into the Result.
func (p *ConfirmPublisher) Send(ctx context.Context, payload []byte, headers map[string]interface{}, options ...SendOption) Result {
	start := time.Now()
	result := p.send(ctx, payload, headers, p.sendConfig(options))

	p.metrics.RecordPublish(result.Outcome, time.Since(start))
	p.metrics.SetPendingConfirmations(p.registry.Len())

	return result
}

// Emit places payload on the outbound stream without tracking its confirmation.
// It returns the correlation id assigned to the envelope.
func (p *ConfirmPublisher) Emit(payload []byte, headers map[string]interface{}, options ...SendOption) (string, error) {
	if payload == nil {
		return "", &PublishError{Outcome: EmitFailed, Reason: "nil payload"}
	}

	env := p.envelope(payload, headers, p.sendConfig(options))
	env.Untracked = true

	if err := p.emit(env); err != nil {
		return env.CorrelationID, &PublishError{Outcome: EmitFailed, CorrelationID: env.CorrelationID, Reason: err.Error()}
	}
	return env.CorrelationID, nil
}

func (p *ConfirmPublisher) sendConfig(options []SendOption) sendConfig {
	cfg := sendConfig{
		timeout:     p.confirmTimeout,
		exchange:    p.exchange,
		routingKey:  p.routingKey,
		contentType: p.contentType,
	}
	for _, opt := range options {
		opt(&cfg)
	}
	if cfg.timeout <= 0 {
		cfg.timeout = p.confirmTimeout
	}
	return cfg
}

func (p *ConfirmPublisher) send(ctx context.Context, payload []byte, headers map[string]interface{}, cfg sendConfig) Result {
	if payload == nil {
		return Result{Outcome: EmitFailed, Reason: "nil payload"}
	}

	env := p.envelope(payload, headers, cfg)

	pending, err := p.registry.Register(env.CorrelationID)
	if err != nil {
		return Result{Outcome: EmitFailed, CorrelationID: env.CorrelationID, Reason: err.Error()}
	}

	if err := p.emit(env); err != nil {
		p.registry.Evict(env.CorrelationID)
		p.logger.Warn("failed to emit message",
			"correlationId", env.CorrelationID,
			"error", err)
		return Result{Outcome: EmitFailed, CorrelationID: env.CorrelationID, Reason: err.Error()}
	}

	timer := time.NewTimer(cfg.timeout)
	defer timer.Stop()

	select {
	case confirmation := <-pending.Done():
		return p.toResult(env.CorrelationID, confirmation)

	case <-timer.C:
		p.registry.Evict(env.CorrelationID)
		p.logger.Warn("timeout waiting for confirmation",
			"correlationId", env.CorrelationID,
			"timeout", cfg.timeout,
			"waited", pending.Age())
		return Result{Outcome: TimedOut, CorrelationID: env.CorrelationID, Reason: ErrConfirmTimeout.Error()}

	case <-ctx.Done():
		p.registry.Evict(env.CorrelationID)
		p.logger.Warn("stopped waiting for confirmation",
			"correlationId", env.CorrelationID,
			"waited", pending.Age(),
			"error", ctx.Err())
		return Result{Outcome: TimedOut, CorrelationID: env.CorrelationID, Reason: ctx.Err().Error()}
	}
}

func (p *ConfirmPublisher) envelope(payload []byte, headers map[string]interface{}, cfg sendConfig) *contracts.Envelope {
	correlationID := uuid.NewString()

	copied := make(map[string]interface{}, len(headers)+1)
	for k, v := range headers {
		copied[k] = v
	}
	copied[contracts.HeaderCorrelationID] = correlationID

	return &contracts.Envelope{
		CorrelationID: correlationID,
		MessageID:     cfg.messageID,
		Exchange:      cfg.exchange,
		RoutingKey:    cfg.routingKey,
		ContentType:   cfg.contentType,
		Headers:       copied,
		Body:          payload,
		CreatedAt:     time.Now(),
	}
}

// emit never blocks: a full buffer is reported immediately
func (p *ConfirmPublisher) emit(env *contracts.Envelope) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPublisherClosed
	}

	select {
	case p.outbound <- env:
		return nil
	default:
		return ErrOutboundFull
	}
}

func (p *ConfirmPublisher) toResult(correlationID string, c contracts.Confirmation) Result {
	if c.Returned != nil {
		p.logger.Warn("message returned by broker",
			"correlationId", correlationID,
			"replyCode", c.Returned.ReplyCode,
			"replyText", c.Returned.ReplyText,
			"exchange", c.Returned.Exchange,
			"routingKey", c.Returned.RoutingKey)
		return Result{Outcome: Rejected, CorrelationID: correlationID, Reason: c.Reason(), Returned: c.Returned}
	}

	if !c.Accepted {
		p.logger.Warn("message not acknowledged by broker",
			"correlationId", correlationID,
			"reason", c.FailureReason)
		return Result{Outcome: Rejected, CorrelationID: correlationID, Reason: c.Reason()}
	}

	return Result{Outcome: Accepted, CorrelationID: correlationID}
}

// Outbound returns the shared stream of emitted envelopes
func (p *ConfirmPublisher) Outbound() <-chan *contracts.Envelope {
	return p.outbound
}

// Resolve reports the broker's verdict for correlationID
func (p *ConfirmPublisher) Resolve(correlationID string, c contracts.Confirmation) bool {
	return p.registry.Resolve(correlationID, c)
}

// Pending returns the number of sends waiting for a confirmation
func (p *ConfirmPublisher) Pending() int {
	return p.registry.Len()
}

// Close stops accepting sends and closes the outbound stream
func (p *ConfirmPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	close(p.outbound)

	return nil
}

// SendMessage encodes value with codec and sends it with confirmation
func SendMessage[T any](ctx context.Context, p *ConfirmPublisher, codec serialization.Codec[T], value T, headers map[string]interface{}, options ...SendOption) Result {
	body, err := codec.Encode(value)
	if err != nil {
		return Result{Outcome: EmitFailed, Reason: err.Error()}
	}

	opts := make([]SendOption, 0, len(options)+1)
	opts = append(opts, WithSendContentType(codec.ContentType()))
	opts = append(opts, options...)

	return p.Send(ctx, body, headers, opts...)
}

// IsEmitFailure reports whether err is a local emit failure rather than a broker verdict
func IsEmitFailure(err error) bool {
	return errors.Is(err, ErrEmitFailed)
}
