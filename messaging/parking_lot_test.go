package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/rabbitack/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParkingLotSinkPark(t *testing.T) {
	t.Run("copies the message and annotates it", func(t *testing.T) {
		publisher, sink := newParkingLot(t)

		delivery := newDelivery(nil, 1, "payload", 4)
		delivery.ContentType = "application/json"
		delivery.Headers[contracts.HeaderCorrelationID] = "original-correlation"

		before := time.Now().Unix()
		require.NoError(t, sink.Park(context.Background(), delivery, errors.New("handler gave up")))

		parked := <-publisher.Outbound()
		assert.True(t, parked.Untracked)
		assert.Equal(t, []byte("payload"), parked.Body)
		assert.Equal(t, "msg-payload", parked.MessageID)
		assert.Equal(t, "application/json", parked.ContentType)
		assert.Equal(t, "parking-lot", parked.RoutingKey)

		headers := parked.Headers
		assert.Equal(t, "acme", headers["tenant"])
		assert.NotNil(t, headers[contracts.HeaderDeath])
		assert.NotEqual(t, "original-correlation", headers[contracts.HeaderCorrelationID])
		assert.Equal(t, parked.CorrelationID, headers[contracts.HeaderCorrelationID])
		assert.Equal(t, "handler gave up", headers[contracts.HeaderParkedReason])
		assert.GreaterOrEqual(t, headers[contracts.HeaderParkedAt], before)
		assert.Equal(t, "orders-ex", headers[contracts.HeaderOriginalExchange])
		assert.Equal(t, "orders.created", headers[contracts.HeaderOriginalRoutingKey])
		assert.Equal(t, int64(4), headers[contracts.HeaderRedeliveryCount])

		// the source delivery is untouched
		assert.Equal(t, "original-correlation", delivery.Headers[contracts.HeaderCorrelationID])
		assert.NotContains(t, delivery.Headers, contracts.HeaderParkedReason)
	})

	t.Run("nil body is parked as empty", func(t *testing.T) {
		publisher, sink := newParkingLot(t)

		delivery := amqp.Delivery{MessageId: "empty"}
		require.NoError(t, sink.Park(context.Background(), delivery, nil))

		parked := <-publisher.Outbound()
		assert.Equal(t, []byte{}, parked.Body)
		assert.Equal(t, "max retries exceeded", parked.Headers[contracts.HeaderParkedReason])
	})

	t.Run("emit failure makes the parking lot unavailable", func(t *testing.T) {
		publisher, sink := newParkingLot(t)
		require.NoError(t, publisher.Close())

		err := sink.Park(context.Background(), newDelivery(nil, 1, "x", 0), errTransient)

		assert.ErrorIs(t, err, ErrParkingLotUnavailable)
		assert.ErrorIs(t, err, ErrEmitFailed)
	})

	t.Run("retries a full buffer", func(t *testing.T) {
		publisher := NewConfirmPublisher(WithOutboundBuffer(1))
		defer publisher.Close()
		sink := NewParkingLotSink(publisher,
			WithParkingLotRetries(5),
			WithParkingLotRetryDelay(10*time.Millisecond))

		_, err := publisher.Emit([]byte("fill"), nil)
		require.NoError(t, err)

		go func() {
			time.Sleep(15 * time.Millisecond)
			<-publisher.Outbound()
		}()

		require.NoError(t, sink.Park(context.Background(), newDelivery(nil, 1, "x", 0), errTransient))

		parked := <-publisher.Outbound()
		assert.Equal(t, []byte("x"), parked.Body)
	})

	t.Run("gives up after the configured retries", func(t *testing.T) {
		publisher := NewConfirmPublisher(WithOutboundBuffer(1))
		defer publisher.Close()
		sink := NewParkingLotSink(publisher,
			WithParkingLotRetries(2),
			WithParkingLotRetryDelay(time.Millisecond))

		_, err := publisher.Emit([]byte("fill"), nil)
		require.NoError(t, err)

		err = sink.Park(context.Background(), newDelivery(nil, 1, "x", 0), errTransient)
		assert.ErrorIs(t, err, ErrParkingLotUnavailable)
		assert.Len(t, publisher.Outbound(), 1)
	})

	t.Run("await confirm waits for the broker", func(t *testing.T) {
		publisher := NewConfirmPublisher(WithConfirmTimeout(time.Second))
		defer publisher.Close()
		sink := NewParkingLotSink(publisher, WithAwaitConfirm(true))

		fakeBroker(t, publisher, func(env *contracts.Envelope) contracts.Confirmation {
			return contracts.Confirmation{Accepted: false, FailureReason: "parking lot queue full"}
		})

		err := sink.Park(context.Background(), newDelivery(nil, 1, "x", 0), errTransient)
		assert.ErrorIs(t, err, ErrParkingLotUnavailable)
		assert.ErrorIs(t, err, ErrConfirmRejected)
		assert.Contains(t, err.Error(), "parking lot queue full")
	})

	t.Run("await confirm succeeds on ack", func(t *testing.T) {
		publisher := NewConfirmPublisher()
		defer publisher.Close()
		sink := NewParkingLotSink(publisher, WithAwaitConfirm(true))

		seen := fakeBroker(t, publisher, func(env *contracts.Envelope) contracts.Confirmation {
			return contracts.Confirmation{Accepted: true}
		})

		require.NoError(t, sink.Park(context.Background(), newDelivery(nil, 1, "x", 0), errTransient))
		parked := <-seen
		assert.False(t, parked.Untracked)
	})
}
