package messaging

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/rabbitack/contracts"
)

// PendingConfirmation is a one-shot future for the broker's verdict on a single envelope
type PendingConfirmation struct {
	CorrelationID string
	createdAt     time.Time
	ch            chan contracts.Confirmation
	once          sync.Once
}

func newPendingConfirmation(correlationID string) *PendingConfirmation {
	return &PendingConfirmation{
		CorrelationID: correlationID,
		createdAt:     time.Now(),
		ch:            make(chan contracts.Confirmation, 1),
	}
}

// Done delivers the confirmation once it has been resolved
func (p *PendingConfirmation) Done() <-chan contracts.Confirmation {
	return p.ch
}

// Age returns how long the confirmation has been pending
func (p *PendingConfirmation) Age() time.Duration {
	return time.Since(p.createdAt)
}

// resolve delivers c unless the confirmation was already resolved
func (p *PendingConfirmation) resolve(c contracts.Confirmation) bool {
	resolved := false
	p.once.Do(func() {
		p.ch <- c
		resolved = true
	})
	return resolved
}

// CorrelationRegistry tracks in-flight confirmations by correlation id.
// Entries are removed on resolution or eviction, whichever happens first.
type CorrelationRegistry struct {
	entries sync.Map
	size    atomic.Int64
	logger  *slog.Logger
}

// NewCorrelationRegistry creates an empty registry
func NewCorrelationRegistry(logger *slog.Logger) *CorrelationRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &CorrelationRegistry{logger: logger}
}

// Register creates the pending confirmation for a correlation id
func (r *CorrelationRegistry) Register(correlationID string) (*PendingConfirmation, error) {
	if correlationID == "" {
		return nil, ErrEmptyCorrelation
	}

	pending := newPendingConfirmation(correlationID)
	if _, loaded := r.entries.LoadOrStore(correlationID, pending); loaded {
		return nil, ErrDuplicateCorrelation
	}
	r.size.Add(1)

	return pending, nil
}

// Resolve completes the pending confirmation for correlationID. It returns false
// when the id is unknown, already resolved or evicted; such calls are logged and
// otherwise ignored.
func (r *CorrelationRegistry) Resolve(correlationID string, c contracts.Confirmation) bool {
	value, ok := r.entries.LoadAndDelete(correlationID)
	if !ok {
		r.logger.Warn("confirmation for unknown or already resolved correlation id",
			"correlationId", correlationID,
			"accepted", c.Accepted)
		return false
	}
	r.size.Add(-1)

	pending := value.(*PendingConfirmation)
	if !pending.resolve(c) {
		r.logger.Warn("duplicate confirmation ignored",
			"correlationId", correlationID)
		return false
	}

	return true
}

// Evict drops a pending confirmation without resolving it. A confirmation
// arriving afterwards is discarded by Resolve.
func (r *CorrelationRegistry) Evict(correlationID string) bool {
	if _, ok := r.entries.LoadAndDelete(correlationID); ok {
		r.size.Add(-1)
		return true
	}
	return false
}

// Contains reports whether correlationID is still pending
func (r *CorrelationRegistry) Contains(correlationID string) bool {
	_, ok := r.entries.Load(correlationID)
	return ok
}

// Len returns the number of pending confirmations
func (r *CorrelationRegistry) Len() int {
	return int(r.size.Load())
}
