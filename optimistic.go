package fieldsync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// CallResult is the outcome of the network call behind an optimistic
// operation. Queued means the API layer deferred the write to the mutation
// queue because the client is offline.
type CallResult struct {
	Status int    `json:"status"`
	Body   []byte `json:"body,omitempty"`
	Queued bool   `json:"queued"`
}

// OptimisticHandlers holds the per-operation callbacks.
//
// Optimistic runs synchronously before the network call begins: it applies
// the in-memory state change and returns a rollback snapshot. On success,
// OnSuccess runs with the call result; on failure, OnRollback runs with the
// snapshot and the error is returned to the caller after rollback. Exactly
// one of OnSuccess/OnRollback runs per Execute call. A queued-offline write
// counts as a deferred success: OnSuccess runs with Queued set, optimistic
// state is retained, and a pending-sync marker is attached to the key.
type OptimisticHandlers struct {
	Optimistic func() (snapshot any, err error)
	Call       func(ctx context.Context) (*CallResult, error)
	OnSuccess  func(result *CallResult)
	OnRollback func(snapshot any)
}

// OptimisticStats contains optimistic coordinator statistics.
type OptimisticStats struct {
	Executed     int64 `json:"executed"`
	Succeeded    int64 `json:"succeeded"`
	RolledBack   int64 `json:"rolled_back"`
	Deferred     int64 `json:"deferred"`
	RejectedBusy int64 `json:"rejected_busy"`
	PendingMarks int   `json:"pending_marks"`
}

// OptimisticCoordinator gives feature modules instant UI feedback while a
// network call is in flight. Operations are serialized per key: at most one
// in-flight operation per key, and a second Execute with the same key is
// rejected with ErrOperationInFlight while the first is pending.
type OptimisticCoordinator struct {
	mu       sync.Mutex
	inflight map[string]struct{}
	pending  map[string]struct{}

	executed     atomic.Int64
	succeeded    atomic.Int64
	rolledBack   atomic.Int64
	deferred     atomic.Int64
	rejectedBusy atomic.Int64
}

// NewOptimisticCoordinator creates an optimistic update coordinator.
func NewOptimisticCoordinator() *OptimisticCoordinator {
	return &OptimisticCoordinator{
		inflight: make(map[string]struct{}),
		pending:  make(map[string]struct{}),
	}
}

// Execute runs the apply/rollback protocol for the given operation key,
// unique to the logical action (e.g. "assign-{participant}-{offer}").
func (oc *OptimisticCoordinator) Execute(ctx context.Context, key string, h OptimisticHandlers) error {
	if h.Optimistic == nil || h.Call == nil {
		return fmt.Errorf("optimistic: Optimistic and Call handlers are required")
	}

	oc.mu.Lock()
	if _, busy := oc.inflight[key]; busy {
		oc.mu.Unlock()
		oc.rejectedBusy.Add(1)
		return fmt.Errorf("optimistic: key %q: %w", key, ErrOperationInFlight)
	}
	oc.inflight[key] = struct{}{}
	oc.mu.Unlock()

	defer func() {
		oc.mu.Lock()
		delete(oc.inflight, key)
		oc.mu.Unlock()
	}()

	oc.executed.Add(1)

	// The optimistic apply is synchronous: by the time Execute reaches the
	// network call, the caller's in-memory state already reflects the change
	// and the UI has repainted.
	snapshot, err := h.Optimistic()
	if err != nil {
		return fmt.Errorf("optimistic: apply: %w", err)
	}

	result, err := h.Call(ctx)
	if err != nil {
		oc.rolledBack.Add(1)
		if h.OnRollback != nil {
			h.OnRollback(snapshot)
		}
		// Surface the underlying error after rollback so the feature module
		// can show a user-facing message.
		return fmt.Errorf("optimistic: key %q: %w", key, err)
	}

	if result != nil && result.Queued {
		// Deferred success: keep the optimistic state and mark the entity
		// provisional until the queue drains.
		oc.deferred.Add(1)
		oc.mu.Lock()
		oc.pending[key] = struct{}{}
		oc.mu.Unlock()
	}

	oc.succeeded.Add(1)
	if h.OnSuccess != nil {
		h.OnSuccess(result)
	}
	return nil
}

// IsPending reports whether the key carries a pending-sync marker, letting
// the UI distinguish confirmed from provisional state.
func (oc *OptimisticCoordinator) IsPending(key string) bool {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	_, ok := oc.pending[key]
	return ok
}

// PendingKeys returns all keys with pending-sync markers.
func (oc *OptimisticCoordinator) PendingKeys() []string {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	keys := make([]string, 0, len(oc.pending))
	for key := range oc.pending {
		keys = append(keys, key)
	}
	return keys
}

// ClearPending removes the marker for one key, or every marker when key is
// empty. The engine clears all markers after a completed sync cycle.
func (oc *OptimisticCoordinator) ClearPending(key string) {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	if key == "" {
		oc.pending = make(map[string]struct{})
		return
	}
	delete(oc.pending, key)
}

// Stats returns optimistic coordinator statistics.
func (oc *OptimisticCoordinator) Stats() OptimisticStats {
	oc.mu.Lock()
	marks := len(oc.pending)
	oc.mu.Unlock()

	return OptimisticStats{
		Executed:     oc.executed.Load(),
		Succeeded:    oc.succeeded.Load(),
		RolledBack:   oc.rolledBack.Load(),
		Deferred:     oc.deferred.Load(),
		RejectedBusy: oc.rejectedBusy.Load(),
		PendingMarks: marks,
	}
}
