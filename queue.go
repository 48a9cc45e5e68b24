package fieldsync

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// QueueConfig configures the durable mutation queue.
type QueueConfig struct {
	// MaxPending caps the number of queued mutations. Zero means unlimited.
	MaxPending int `yaml:"max_pending"`
}

// DefaultQueueConfig returns sensible defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxPending: 1000,
	}
}

// QueueStats contains mutation queue statistics.
type QueueStats struct {
	Pending       int   `json:"pending"`
	TotalEnqueued int64 `json:"total_enqueued"`
	TotalRemoved  int64 `json:"total_removed"`
	Rejected      int64 `json:"rejected"`
}

// MutationQueue persists pending write operations across process restarts.
// Mutations are replayed in enqueue (FIFO) order; a mutation is removed only
// after a replay attempt returns a definitive outcome.
type MutationQueue struct {
	store  LocalStore
	config QueueConfig

	totalEnqueued atomic.Int64
	totalRemoved  atomic.Int64
	rejected      atomic.Int64

	// onCountChange, when set, is invoked with the pending count after every
	// enqueue or removal so the UI badge stays current.
	onCountChange func(count int)
}

// NewMutationQueue creates a mutation queue over the given persistent store.
func NewMutationQueue(store LocalStore, cfg QueueConfig) *MutationQueue {
	return &MutationQueue{store: store, config: cfg}
}

// OnCountChange registers a callback invoked with the pending count whenever
// it changes. Must be set before the queue is shared across goroutines.
func (q *MutationQueue) OnCountChange(fn func(count int)) {
	q.onCountChange = fn
}

// Enqueue persists a mutation for later replay. ID and EnqueuedAt are filled
// if unset; the assigned FIFO sequence is returned on the stored copy.
func (q *MutationQueue) Enqueue(ctx context.Context, m PendingMutation) (PendingMutation, error) {
	if q.config.MaxPending > 0 {
		count, err := q.store.MutationCount(ctx)
		if err != nil {
			return PendingMutation{}, err
		}
		if count >= q.config.MaxPending {
			q.rejected.Add(1)
			return PendingMutation{}, ErrQueueFull
		}
	}

	if m.Format == "" {
		m.Format = FormatStructured
	}
	if err := validateMutation(m); err != nil {
		q.rejected.Add(1)
		return PendingMutation{}, err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = time.Now()
	}

	seq, err := q.store.AppendMutation(ctx, m)
	if err != nil {
		return PendingMutation{}, err
	}
	m.Seq = seq
	q.totalEnqueued.Add(1)
	q.notifyCount(ctx)
	return m, nil
}

func validateMutation(m PendingMutation) error {
	switch m.Format {
	case FormatStructured:
		if m.URL == "" || m.Method == "" {
			return fmt.Errorf("queue: structured mutation requires url and method")
		}
	case FormatLegacy:
		if m.Action == "" {
			return fmt.Errorf("queue: legacy mutation requires an action")
		}
	default:
		return fmt.Errorf("queue: unknown mutation format %q", m.Format)
	}
	return nil
}

// List returns all pending mutations in enqueue order.
func (q *MutationQueue) List(ctx context.Context) ([]PendingMutation, error) {
	return q.store.ListMutations(ctx)
}

// Remove deletes a mutation by ID after a definitive replay outcome.
func (q *MutationQueue) Remove(ctx context.Context, id string) error {
	if err := q.store.DeleteMutation(ctx, id); err != nil {
		return err
	}
	q.totalRemoved.Add(1)
	q.notifyCount(ctx)
	return nil
}

// Count returns the number of pending mutations.
func (q *MutationQueue) Count(ctx context.Context) (int, error) {
	return q.store.MutationCount(ctx)
}

func (q *MutationQueue) notifyCount(ctx context.Context) {
	if q.onCountChange == nil {
		return
	}
	if count, err := q.store.MutationCount(ctx); err == nil {
		q.onCountChange(count)
	}
}

// Stats returns queue statistics.
func (q *MutationQueue) Stats(ctx context.Context) QueueStats {
	pending, _ := q.store.MutationCount(ctx)
	return QueueStats{
		Pending:       pending,
		TotalEnqueued: q.totalEnqueued.Load(),
		TotalRemoved:  q.totalRemoved.Load(),
		Rejected:      q.rejected.Load(),
	}
}
