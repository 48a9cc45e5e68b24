package fieldsync

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// StatusEventType identifies an engine status notification.
type StatusEventType string

const (
	// StatusConnectivity reports an online/offline transition.
	StatusConnectivity StatusEventType = "connectivity"
	// StatusPendingCount reports the pending-mutation count after it changes.
	StatusPendingCount StatusEventType = "pending_count"
	// StatusSyncStarted reports the start of a sync cycle.
	StatusSyncStarted StatusEventType = "sync_started"
	// StatusSyncCompleted reports a finished sync cycle with its summary.
	StatusSyncCompleted StatusEventType = "sync_completed"
	// StatusSyncFailed reports a sync cycle that errored out.
	StatusSyncFailed StatusEventType = "sync_failed"
	// StatusMutationRejected reports a queued change the server permanently
	// refused, so the UI can inform the user it was not applied.
	StatusMutationRejected StatusEventType = "mutation_rejected"
	// StatusPrepareProgress reports bulk-prepare progress updates.
	StatusPrepareProgress StatusEventType = "prepare_progress"
)

// StatusEvent is a typed engine status notification.
type StatusEvent struct {
	Type         StatusEventType   `json:"type"`
	At           time.Time         `json:"at"`
	State        ConnState         `json:"state,omitempty"`
	PendingCount int               `json:"pending_count,omitempty"`
	Summary      *SyncSummary      `json:"summary,omitempty"`
	Rejected     *RejectedMutation `json:"rejected,omitempty"`
	Progress     *PrepareProgress  `json:"progress,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// StatusSubscription delivers status events to one subscriber.
type StatusSubscription struct {
	ID     string
	Events chan StatusEvent
	cancel func()
	closed int32
}

// Close terminates the subscription.
func (s *StatusSubscription) Close() {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		s.cancel()
		close(s.Events)
	}
}

// StatusBroadcaster fans status events out to subscribers. Slow subscribers
// drop events rather than block the engine.
type StatusBroadcaster struct {
	bufferSize int

	mu          sync.RWMutex
	subscribers map[string]*StatusSubscription
	nextID      int64
	closed      bool

	published atomic.Int64
	dropped   atomic.Int64
}

// NewStatusBroadcaster creates a broadcaster with the given per-subscriber
// channel buffer.
func NewStatusBroadcaster(bufferSize int) *StatusBroadcaster {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &StatusBroadcaster{
		bufferSize:  bufferSize,
		subscribers: make(map[string]*StatusSubscription),
	}
}

// Subscribe registers a new subscriber.
func (b *StatusBroadcaster) Subscribe() *StatusSubscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := fmt.Sprintf("status-%d", b.nextID)
	sub := &StatusSubscription{
		ID:     id,
		Events: make(chan StatusEvent, b.bufferSize),
	}
	sub.cancel = func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
	b.subscribers[id] = sub
	return sub
}

// Emit publishes an event to all subscribers. At is stamped if unset.
func (b *StatusBroadcaster) Emit(event StatusEvent) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]*StatusSubscription, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if atomic.LoadInt32(&sub.closed) == 1 {
			continue
		}
		select {
		case sub.Events <- event:
			b.published.Add(1)
		default:
			b.dropped.Add(1)
		}
	}
}

// Close terminates all subscriptions.
func (b *StatusBroadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*StatusSubscription, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.subscribers = make(map[string]*StatusSubscription)
	b.mu.Unlock()

	for _, sub := range subs {
		if atomic.CompareAndSwapInt32(&sub.closed, 0, 1) {
			close(sub.Events)
		}
	}
}

// Published returns the number of delivered events.
func (b *StatusBroadcaster) Published() int64 { return b.published.Load() }

// Dropped returns the number of events dropped on slow subscribers.
func (b *StatusBroadcaster) Dropped() int64 { return b.dropped.Load() }
