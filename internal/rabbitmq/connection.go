package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// Channel is the subset of *amqp.Channel used by writers and consumers
type Channel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	GetNextPublishSeqNo() uint64
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
}

// ChannelProvider opens broker channels
type ChannelProvider interface {
	OpenChannel() (Channel, error)
}

type dialFunc func(url string, timeout time.Duration) (*amqp.Connection, error)

func defaultDial(url string, timeout time.Duration) (*amqp.Connection, error) {
	return amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(timeout),
	})
}

// ConnectionManager manages the RabbitMQ connection with automatic reconnection
type ConnectionManager struct {
	url            string
	conn           *amqp.Connection
	channels       []*amqp.Channel
	mu             sync.RWMutex
	dial           dialFunc
	dialTimeout    time.Duration
	reconnectDelay time.Duration
	maxRetries     int
	logger         *slog.Logger
	isConnected    bool
	failure        error
	done           chan struct{}
	closeOnce      sync.Once
	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the initial reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts; negative means unlimited
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialTimeout bounds each dial attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           defaultDial,
		dialTimeout:    30 * time.Second,
		reconnectDelay: 5 * time.Second,
		maxRetries:     -1,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}

	conn, err := cm.dialContext(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.attach(conn)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))

	return nil
}

func (cm *ConnectionManager) dialContext(ctx context.Context) (*amqp.Connection, error) {
	type dialed struct {
		conn *amqp.Connection
		err  error
	}
	result := make(chan dialed, 1)

	go func() {
		conn, err := cm.dial(cm.url, cm.dialTimeout)
		result <- dialed{conn, err}
	}()

	select {
	case r := <-result:
		return r.conn, r.err
	case <-ctx.Done():
		// close a connection that completes after we gave up
		go func() {
			if r := <-result; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ErrConnectionTimeout
	}
}

// attach must be called with cm.mu held
func (cm *ConnectionManager) attach(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true
	cm.failure = nil

	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go cm.watch(notifyClose)

	cm.notifyConnected()
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// OpenChannel opens a new channel on the current connection
func (cm *ConnectionManager) OpenChannel() (Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, &ChannelError{Op: "open", Err: err, Timestamp: time.Now()}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open", Err: err, Timestamp: time.Now()}
	}

	cm.mu.Lock()
	cm.channels = append(cm.channels, ch)
	cm.mu.Unlock()

	return ch, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Failure returns the error that made the manager give up reconnecting, if any
func (cm *ConnectionManager) Failure() error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.failure
}

// WaitConnected blocks until the connection is up, the manager gave up, or ctx is done
func (cm *ConnectionManager) WaitConnected(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		if err := cm.Failure(); err != nil {
			return backoff.Permanent(err)
		}
		if !cm.IsConnected() {
			return ErrConnectionNotReady
		}
		return nil
	}, backoff.WithContext(policy, ctx))
}

// Close closes every channel handed out and the connection
func (cm *ConnectionManager) Close() error {
	cm.closeOnce.Do(func() { close(cm.done) })

	cm.mu.Lock()
	defer cm.mu.Unlock()

	var err error
	for _, ch := range cm.channels {
		if !ch.IsClosed() {
			err = multierr.Append(err, ch.Close())
		}
	}
	cm.channels = nil

	if cm.conn != nil && !cm.conn.IsClosed() {
		err = multierr.Append(err, cm.conn.Close())
	}
	cm.conn = nil
	cm.isConnected = false

	return err
}

// watch waits for the connection to drop and then reconnects
func (cm *ConnectionManager) watch(notifyClose <-chan *amqp.Error) {
	select {
	case amqpErr, ok := <-notifyClose:
		var err error
		if ok && amqpErr != nil {
			err = amqpErr
			cm.logger.Error("connection closed", "error", amqpErr)
		}

		select {
		case <-cm.done:
			return
		default:
		}

		cm.mu.Lock()
		cm.isConnected = false
		cm.conn = nil
		cm.channels = nil
		cm.mu.Unlock()

		cm.notifyDisconnected(err)
		cm.reconnect()

	case <-cm.done:
		cm.logger.Info("connection manager shutting down")
	}
}

func (cm *ConnectionManager) reconnectPolicy(ctx context.Context) backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cm.reconnectDelay
	policy.MaxInterval = 5 * time.Minute
	policy.MaxElapsedTime = 0

	var b backoff.BackOff = policy
	if cm.maxRetries >= 0 {
		b = backoff.WithMaxRetries(b, uint64(cm.maxRetries))
	}
	return backoff.WithContext(b, ctx)
}

// reconnect dials until it succeeds, the retry budget is spent or the manager is closed
func (cm *ConnectionManager) reconnect() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-cm.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	startTime := time.Now()
	attempt := 0

	err := backoff.RetryNotify(func() error {
		attempt++
		cm.logger.Info("attempting to reconnect",
			"attempt", attempt,
			"maxRetries", cm.maxRetries)
		cm.notifyReconnecting(attempt)

		conn, err := cm.dialContext(ctx)
		if err != nil {
			return err
		}

		cm.mu.Lock()
		defer cm.mu.Unlock()
		select {
		case <-cm.done:
			conn.Close()
			return backoff.Permanent(ErrConnectionClosed)
		default:
		}
		cm.attach(conn)
		return nil
	}, cm.reconnectPolicy(ctx), func(err error, next time.Duration) {
		cm.logger.Error("reconnection failed",
			"error", err,
			"attempt", attempt,
			"nextRetryIn", next)
	})

	if err == nil {
		cm.logger.Info("successfully reconnected to RabbitMQ",
			"attempts", attempt,
			"duration", time.Since(startTime))
		return
	}

	select {
	case <-cm.done:
		return
	default:
	}

	cm.logger.Error("max reconnection attempts reached",
		"attempts", attempt,
		"duration", time.Since(startTime))

	failure := &ConnectionError{
		Op:        "reconnect",
		URL:       SanitizeURL(cm.url),
		Err:       multierr.Append(ErrMaxRetriesExceeded, err),
		Timestamp: time.Now(),
		Attempts:  attempt,
	}
	cm.mu.Lock()
	cm.failure = failure
	cm.mu.Unlock()

	cm.notifyDisconnected(failure)
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}
