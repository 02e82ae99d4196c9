package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glimte/rabbitack/contracts"
	"github.com/glimte/rabbitack/serialization"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeBroker drains the outbound stream and answers every envelope with verdict
func fakeBroker(t *testing.T, p *ConfirmPublisher, verdict func(*contracts.Envelope) contracts.Confirmation) <-chan *contracts.Envelope {
	t.Helper()
	seen := make(chan *contracts.Envelope, 64)
	go func() {
		for env := range p.Outbound() {
			select {
			case seen <- env:
			default:
			}
			if env.Untracked {
				continue
			}
			p.Resolve(env.CorrelationID, verdict(env))
		}
	}()
	return seen
}

type mockMetricsCollector struct {
	mock.Mock
}

func (m *mockMetricsCollector) RecordPublish(outcome Outcome, duration time.Duration) {
	m.Called(outcome, duration)
}

func (m *mockMetricsCollector) RecordProcess(duration time.Duration, success bool) {
	m.Called(duration, success)
}

func (m *mockMetricsCollector) RecordDisposition(disposition Disposition) {
	m.Called(disposition)
}

func (m *mockMetricsCollector) SetPendingConfirmations(count int) {
	m.Called(count)
}

func TestNewConfirmPublisher(t *testing.T) {
	t.Run("creates publisher with defaults", func(t *testing.T) {
		p := NewConfirmPublisher()
		defer p.Close()

		assert.Equal(t, DefaultConfirmTimeout, p.confirmTimeout)
		assert.Equal(t, DefaultOutboundBuffer, cap(p.outbound))
		assert.Equal(t, "application/octet-stream", p.contentType)
		assert.NotNil(t, p.logger)
		assert.NotNil(t, p.registry)
	})

	t.Run("applies options", func(t *testing.T) {
		p := NewConfirmPublisher(
			WithConfirmTimeout(time.Second),
			WithOutboundBuffer(4),
			WithDestination("orders", "orders.created"),
			WithContentType("application/json"),
		)
		defer p.Close()

		assert.Equal(t, time.Second, p.confirmTimeout)
		assert.Equal(t, 4, cap(p.outbound))
		assert.Equal(t, "orders", p.exchange)
		assert.Equal(t, "orders.created", p.routingKey)
		assert.Equal(t, "application/json", p.contentType)
	})

	t.Run("ignores non-positive sizes", func(t *testing.T) {
		p := NewConfirmPublisher(WithConfirmTimeout(0), WithOutboundBuffer(-1))
		defer p.Close()

		assert.Equal(t, DefaultConfirmTimeout, p.confirmTimeout)
		assert.Equal(t, DefaultOutboundBuffer, cap(p.outbound))
	})
}

func TestConfirmPublisherSend(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		p := NewConfirmPublisher(WithDestination("ex", "rk"))
		defer p.Close()
		seen := fakeBroker(t, p, func(*contracts.Envelope) contracts.Confirmation {
			return contracts.Confirmation{Accepted: true}
		})

		result := p.Send(context.Background(), []byte("hello"), map[string]interface{}{"tenant": "a"})

		assert.Equal(t, Accepted, result.Outcome)
		assert.True(t, result.OK())
		assert.NoError(t, result.Err())
		assert.NotEmpty(t, result.CorrelationID)
		assert.Equal(t, 0, p.Pending())

		env := <-seen
		assert.Equal(t, result.CorrelationID, env.CorrelationID)
		assert.Equal(t, result.CorrelationID, env.Headers[contracts.HeaderCorrelationID])
		assert.Equal(t, "a", env.Headers["tenant"])
		assert.Equal(t, "ex", env.Exchange)
		assert.Equal(t, "rk", env.RoutingKey)
		assert.Equal(t, []byte("hello"), env.Body)
	})

	t.Run("caller headers are not mutated", func(t *testing.T) {
		p := NewConfirmPublisher()
		defer p.Close()
		fakeBroker(t, p, func(*contracts.Envelope) contracts.Confirmation {
			return contracts.Confirmation{Accepted: true}
		})

		headers := map[string]interface{}{"k": "v"}
		p.Send(context.Background(), []byte("x"), headers)

		assert.Len(t, headers, 1)
		assert.NotContains(t, headers, contracts.HeaderCorrelationID)
	})

	t.Run("nack is rejected with reason", func(t *testing.T) {
		p := NewConfirmPublisher()
		defer p.Close()
		fakeBroker(t, p, func(*contracts.Envelope) contracts.Confirmation {
			return contracts.Confirmation{Accepted: false, FailureReason: "queue full"}
		})

		result := p.Send(context.Background(), []byte("x"), nil)

		assert.Equal(t, Rejected, result.Outcome)
		assert.Equal(t, "queue full", result.Reason)
		assert.Nil(t, result.Returned)
		assert.ErrorIs(t, result.Err(), ErrConfirmRejected)
	})

	t.Run("returned message is rejected even though acked", func(t *testing.T) {
		p := NewConfirmPublisher(WithDestination("", "nowhere"))
		defer p.Close()
		fakeBroker(t, p, func(env *contracts.Envelope) contracts.Confirmation {
			return contracts.Confirmation{
				Accepted: true,
				Returned: &contracts.ReturnInfo{
					ReplyCode:  312,
					ReplyText:  "NO_ROUTE",
					Exchange:   env.Exchange,
					RoutingKey: env.RoutingKey,
				},
			}
		})

		result := p.Send(context.Background(), []byte("x"), nil)

		assert.Equal(t, Rejected, result.Outcome)
		require.NotNil(t, result.Returned)
		assert.Equal(t, uint16(312), result.Returned.ReplyCode)
		assert.Equal(t, "nowhere", result.Returned.RoutingKey)
		assert.Contains(t, result.Reason, "NO_ROUTE")
	})

	t.Run("times out when no confirmation arrives", func(t *testing.T) {
		p := NewConfirmPublisher()
		defer p.Close()
		// nobody reads the outbound stream

		start := time.Now()
		result := p.Send(context.Background(), []byte("x"), nil, WithTimeout(50*time.Millisecond))

		assert.Equal(t, TimedOut, result.Outcome)
		assert.ErrorIs(t, result.Err(), ErrConfirmTimeout)
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
		assert.Equal(t, 0, p.Pending())

		// a late confirmation is ignored
		assert.False(t, p.Resolve(result.CorrelationID, contracts.Confirmation{Accepted: true}))
	})

	t.Run("context cancellation ends the wait", func(t *testing.T) {
		p := NewConfirmPublisher()
		defer p.Close()

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		result := p.Send(ctx, []byte("x"), nil, WithTimeout(time.Minute))

		assert.Equal(t, TimedOut, result.Outcome)
		assert.Equal(t, context.Canceled.Error(), result.Reason)
		assert.Equal(t, 0, p.Pending())
	})

	t.Run("full buffer fails the emit", func(t *testing.T) {
		p := NewConfirmPublisher(WithOutboundBuffer(1))
		defer p.Close()

		_, err := p.Emit([]byte("fill"), nil)
		require.NoError(t, err)

		result := p.Send(context.Background(), []byte("x"), nil)

		assert.Equal(t, EmitFailed, result.Outcome)
		assert.Equal(t, ErrOutboundFull.Error(), result.Reason)
		assert.True(t, IsEmitFailure(result.Err()))
		assert.Equal(t, 0, p.Pending())
	})

	t.Run("closed publisher fails the emit", func(t *testing.T) {
		p := NewConfirmPublisher()
		require.NoError(t, p.Close())
		require.NoError(t, p.Close())

		result := p.Send(context.Background(), []byte("x"), nil)

		assert.Equal(t, EmitFailed, result.Outcome)
		assert.Equal(t, ErrPublisherClosed.Error(), result.Reason)

		_, err := p.Emit([]byte("x"), nil)
		assert.True(t, IsEmitFailure(err))
	})

	t.Run("nil payload fails the emit", func(t *testing.T) {
		p := NewConfirmPublisher()
		defer p.Close()

		result := p.Send(context.Background(), nil, nil)
		assert.Equal(t, EmitFailed, result.Outcome)
		assert.Equal(t, "nil payload", result.Reason)
	})

	t.Run("send options override defaults", func(t *testing.T) {
		p := NewConfirmPublisher(WithDestination("ex", "rk"))
		defer p.Close()
		seen := fakeBroker(t, p, func(*contracts.Envelope) contracts.Confirmation {
			return contracts.Confirmation{Accepted: true}
		})

		p.Send(context.Background(), []byte("x"), nil,
			WithExchange("other"),
			WithRoutingKey("other.rk"),
			WithMessageID("m-1"),
			WithSendContentType("text/plain"))

		env := <-seen
		assert.Equal(t, "other", env.Exchange)
		assert.Equal(t, "other.rk", env.RoutingKey)
		assert.Equal(t, "m-1", env.MessageID)
		assert.Equal(t, "text/plain", env.ContentType)
	})

	t.Run("records metrics", func(t *testing.T) {
		metrics := &mockMetricsCollector{}
		metrics.On("RecordPublish", Accepted, mock.AnythingOfType("time.Duration")).Return()
		metrics.On("SetPendingConfirmations", 0).Return()

		p := NewConfirmPublisher(WithPublisherMetrics(metrics))
		defer p.Close()
		fakeBroker(t, p, func(*contracts.Envelope) contracts.Confirmation {
			return contracts.Confirmation{Accepted: true}
		})

		p.Send(context.Background(), []byte("x"), nil)

		metrics.AssertExpectations(t)
	})
}

func TestConfirmPublisherConcurrentSends(t *testing.T) {
	p := NewConfirmPublisher(WithOutboundBuffer(512))
	defer p.Close()
	fakeBroker(t, p, func(env *contracts.Envelope) contracts.Confirmation {
		// reject every message whose body is odd
		return contracts.Confirmation{Accepted: env.Body[0]%2 == 0, FailureReason: "odd"}
	})

	const senders = 100
	results := make([]Result, senders)
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = p.Send(context.Background(), []byte{byte(i)}, nil)
		}(i)
	}
	wg.Wait()

	ids := make(map[string]struct{}, senders)
	for i, r := range results {
		ids[r.CorrelationID] = struct{}{}
		if i%2 == 0 {
			assert.Equal(t, Accepted, r.Outcome, "sender %d", i)
		} else {
			assert.Equal(t, Rejected, r.Outcome, "sender %d", i)
		}
	}
	assert.Len(t, ids, senders)
	assert.Equal(t, 0, p.Pending())
}

func TestEmit(t *testing.T) {
	p := NewConfirmPublisher()
	defer p.Close()

	id, err := p.Emit([]byte("x"), map[string]interface{}{"a": 1})
	require.NoError(t, err)

	env := <-p.Outbound()
	assert.Equal(t, id, env.CorrelationID)
	assert.True(t, env.Untracked)
	assert.Equal(t, 0, p.Pending())
}

type order struct {
	ID string `json:"id"`
}

func TestSendMessage(t *testing.T) {
	t.Run("encodes and sets content type", func(t *testing.T) {
		p := NewConfirmPublisher()
		defer p.Close()
		seen := fakeBroker(t, p, func(*contracts.Envelope) contracts.Confirmation {
			return contracts.Confirmation{Accepted: true}
		})

		result := SendMessage(context.Background(), p, serialization.NewJSONCodec[order](), order{ID: "o-1"}, nil)
		assert.True(t, result.OK())

		env := <-seen
		assert.JSONEq(t, `{"id":"o-1"}`, string(env.Body))
		assert.Equal(t, "application/json", env.ContentType)
	})

	t.Run("encode failure is an emit failure", func(t *testing.T) {
		p := NewConfirmPublisher()
		defer p.Close()

		result := SendMessage[order](context.Background(), p, failingCodec[order]{}, order{}, nil)
		assert.Equal(t, EmitFailed, result.Outcome)
		assert.Equal(t, 0, p.Pending())
	})
}

type failingCodec[T any] struct{}

func (failingCodec[T]) Encode(T) ([]byte, error) { return nil, errors.New("boom") }

func (failingCodec[T]) Decode([]byte) (T, error) {
	var zero T
	return zero, errors.New("boom")
}

func (failingCodec[T]) ContentType() string { return "application/x-broken" }
