package messaging

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/rabbitack/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelationRegistry(t *testing.T) {
	t.Run("register and resolve", func(t *testing.T) {
		registry := NewCorrelationRegistry(nil)

		pending, err := registry.Register("c-1")
		require.NoError(t, err)
		assert.Equal(t, "c-1", pending.CorrelationID)
		assert.True(t, registry.Contains("c-1"))
		assert.Equal(t, 1, registry.Len())

		ok := registry.Resolve("c-1", contracts.Confirmation{Accepted: true})
		assert.True(t, ok)

		confirmation := <-pending.Done()
		assert.True(t, confirmation.Accepted)
		assert.False(t, registry.Contains("c-1"))
		assert.Equal(t, 0, registry.Len())
	})

	t.Run("age grows while pending", func(t *testing.T) {
		registry := NewCorrelationRegistry(nil)

		pending, err := registry.Register("c-age")
		require.NoError(t, err)

		time.Sleep(5 * time.Millisecond)
		assert.GreaterOrEqual(t, pending.Age(), 5*time.Millisecond)
	})

	t.Run("rejects empty and duplicate ids", func(t *testing.T) {
		registry := NewCorrelationRegistry(nil)

		_, err := registry.Register("")
		assert.ErrorIs(t, err, ErrEmptyCorrelation)

		_, err = registry.Register("dup")
		require.NoError(t, err)
		_, err = registry.Register("dup")
		assert.ErrorIs(t, err, ErrDuplicateCorrelation)
		assert.Equal(t, 1, registry.Len())
	})

	t.Run("second resolution is ignored", func(t *testing.T) {
		registry := NewCorrelationRegistry(nil)
		pending, err := registry.Register("c-2")
		require.NoError(t, err)

		assert.True(t, registry.Resolve("c-2", contracts.Confirmation{Accepted: false, FailureReason: "nack"}))
		assert.False(t, registry.Resolve("c-2", contracts.Confirmation{Accepted: true}))

		confirmation := <-pending.Done()
		assert.False(t, confirmation.Accepted)
		assert.Equal(t, "nack", confirmation.FailureReason)

		select {
		case <-pending.Done():
			t.Fatal("confirmation delivered twice")
		default:
		}
	})

	t.Run("unknown id is ignored", func(t *testing.T) {
		registry := NewCorrelationRegistry(nil)
		assert.False(t, registry.Resolve("nobody", contracts.Confirmation{Accepted: true}))
		assert.Equal(t, 0, registry.Len())
	})

	t.Run("evicted entry cannot be resolved", func(t *testing.T) {
		registry := NewCorrelationRegistry(nil)
		pending, err := registry.Register("c-3")
		require.NoError(t, err)

		assert.True(t, registry.Evict("c-3"))
		assert.False(t, registry.Evict("c-3"))
		assert.False(t, registry.Resolve("c-3", contracts.Confirmation{Accepted: true}))
		assert.Equal(t, 0, registry.Len())

		select {
		case <-pending.Done():
			t.Fatal("evicted confirmation must not be delivered")
		default:
		}
	})

	t.Run("concurrent resolvers complete each entry exactly once", func(t *testing.T) {
		registry := NewCorrelationRegistry(nil)
		const entries = 200

		pendings := make([]*PendingConfirmation, entries)
		for i := range pendings {
			p, err := registry.Register(fmt.Sprintf("id-%d", i))
			require.NoError(t, err)
			pendings[i] = p
		}

		var wins atomic.Int64
		var wg sync.WaitGroup
		for r := 0; r < 4; r++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < entries; i++ {
					if registry.Resolve(fmt.Sprintf("id-%d", i), contracts.Confirmation{Accepted: true}) {
						wins.Add(1)
					}
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(entries), wins.Load())
		assert.Equal(t, 0, registry.Len())
		for _, p := range pendings {
			assert.Len(t, p.Done(), 1)
		}
	})
}
