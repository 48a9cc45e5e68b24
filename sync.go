package fieldsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// SyncConfig configures the sync coordinator.
type SyncConfig struct {
	// DelegationGrace bounds how long a handoff to the background sync
	// facility may go unconfirmed before falling back to direct replay.
	DelegationGrace time.Duration `yaml:"delegation_grace"`

	// DelegationFailureLimit is the number of consecutive failed handoffs
	// before delegation is short-circuited for DelegationCooldown.
	DelegationFailureLimit int `yaml:"delegation_failure_limit"`

	// DelegationCooldown is how long delegation stays short-circuited.
	DelegationCooldown time.Duration `yaml:"delegation_cooldown"`

	// Direct configures the direct replay fallback.
	Direct DirectReplayConfig `yaml:"direct"`
}

// DefaultSyncConfig returns sensible defaults.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		DelegationGrace:        5 * time.Second,
		DelegationFailureLimit: 3,
		DelegationCooldown:     time.Minute,
	}
}

// SyncSummary is the outcome of one sync cycle.
type SyncSummary struct {
	Strategy      string        `json:"strategy"`
	Replayed      int           `json:"replayed"`
	Discarded     int           `json:"discarded"`
	Retained      int           `json:"retained"`
	BatchReplayed int           `json:"batch_replayed"`
	Pending       int           `json:"pending"`
	Duration      time.Duration `json:"duration"`
}

// SyncStats contains sync coordinator statistics.
type SyncStats struct {
	Cycles             int64     `json:"cycles"`
	SkippedBusy        int64     `json:"skipped_busy"`
	Replayed           int64     `json:"replayed"`
	Discarded          int64     `json:"discarded"`
	Retained           int64     `json:"retained"`
	DelegatedCycles    int64     `json:"delegated_cycles"`
	DelegationFailures int64     `json:"delegation_failures"`
	LastSyncAt         time.Time `json:"last_sync_at"`
}

// SyncCoordinator drains the mutation queue once connectivity returns. It
// prefers delegating to a privileged background facility and falls back to
// direct replay when the facility is absent or the grace period elapses
// without confirmation.
type SyncCoordinator struct {
	queue     *MutationQueue
	direct    *DirectReplaySync
	delegated *DelegatedSync
	breaker   *CircuitBreaker
	emit      func(StatusEvent)

	// busy guards against concurrent replay passes. A second
	// SyncPendingData while one is running is a no-op.
	busy atomic.Bool

	cycles             atomic.Int64
	skippedBusy        atomic.Int64
	replayed           atomic.Int64
	discarded          atomic.Int64
	retained           atomic.Int64
	delegatedCycles    atomic.Int64
	delegationFailures atomic.Int64

	lastSyncMu sync.Mutex
	lastSyncAt time.Time
}

// NewSyncCoordinator creates a sync coordinator. The delegated strategy is
// optional; pass nil when no background facility exists.
func NewSyncCoordinator(queue *MutationQueue, direct *DirectReplaySync, delegated *DelegatedSync, cfg SyncConfig) *SyncCoordinator {
	if cfg.DelegationFailureLimit <= 0 {
		cfg.DelegationFailureLimit = 3
	}
	if cfg.DelegationCooldown <= 0 {
		cfg.DelegationCooldown = time.Minute
	}
	return &SyncCoordinator{
		queue:     queue,
		direct:    direct,
		delegated: delegated,
		breaker:   NewCircuitBreaker(cfg.DelegationFailureLimit, cfg.DelegationCooldown),
	}
}

// OnEvent registers the status event sink. Must be set before the
// coordinator is shared across goroutines.
func (sc *SyncCoordinator) OnEvent(fn func(StatusEvent)) {
	sc.emit = fn
}

func (sc *SyncCoordinator) publish(event StatusEvent) {
	if sc.emit != nil {
		sc.emit(event)
	}
}

// SyncPendingData replays the queue. Idempotent and safe to call
// concurrently: a second call while one is running returns
// ErrSyncInProgress without doing any work.
func (sc *SyncCoordinator) SyncPendingData(ctx context.Context) (*SyncSummary, error) {
	if !sc.busy.CompareAndSwap(false, true) {
		sc.skippedBusy.Add(1)
		return nil, ErrSyncInProgress
	}
	defer sc.busy.Store(false)

	start := time.Now()
	sc.cycles.Add(1)
	sc.publish(StatusEvent{Type: StatusSyncStarted})

	pending, err := sc.queue.List(ctx)
	if err != nil {
		sc.publish(StatusEvent{Type: StatusSyncFailed, Error: err.Error()})
		return nil, err
	}

	summary := &SyncSummary{Strategy: "direct"}
	if len(pending) > 0 {
		report, strategy, err := sc.replay(ctx, pending)
		if err != nil {
			sc.publish(StatusEvent{Type: StatusSyncFailed, Error: err.Error()})
			return nil, err
		}
		summary.Strategy = strategy

		for _, id := range report.Completed {
			if err := sc.queue.Remove(ctx, id); err != nil && !errors.Is(err, ErrMutationNotFound) {
				sc.publish(StatusEvent{Type: StatusSyncFailed, Error: err.Error()})
				return nil, err
			}
		}
		for i := range report.Rejected {
			rejected := report.Rejected[i]
			sc.publish(StatusEvent{Type: StatusMutationRejected, Rejected: &rejected})
		}

		summary.Discarded = len(report.Rejected)
		summary.Replayed = len(report.Completed) - len(report.Rejected)
		summary.Retained = len(report.Retained)
		summary.BatchReplayed = report.BatchSize

		sc.replayed.Add(int64(summary.Replayed))
		sc.discarded.Add(int64(summary.Discarded))
		sc.retained.Add(int64(summary.Retained))
	}

	// Recompute and publish the pending-mutation count.
	count, err := sc.queue.Count(ctx)
	if err != nil {
		return nil, err
	}
	summary.Pending = count
	summary.Duration = time.Since(start)

	sc.lastSyncMu.Lock()
	sc.lastSyncAt = time.Now()
	sc.lastSyncMu.Unlock()

	sc.publish(StatusEvent{Type: StatusPendingCount, PendingCount: count})
	sc.publish(StatusEvent{Type: StatusSyncCompleted, Summary: summary, PendingCount: count})
	return summary, nil
}

// replay picks a strategy: delegated when available and its breaker allows,
// otherwise direct. A delegated failure within one cycle falls back to
// direct rather than losing the cycle.
func (sc *SyncCoordinator) replay(ctx context.Context, pending []PendingMutation) (*ReplayReport, string, error) {
	if sc.delegated != nil && sc.delegated.Available(ctx) {
		var report *ReplayReport
		err := sc.breaker.Execute(func() error {
			var replayErr error
			report, replayErr = sc.delegated.Replay(ctx, pending)
			return replayErr
		})
		if err == nil {
			sc.delegatedCycles.Add(1)
			return report, sc.delegated.Name(), nil
		}
		sc.delegationFailures.Add(1)
	}

	report, err := sc.direct.Replay(ctx, pending)
	if err != nil {
		return nil, sc.direct.Name(), err
	}
	return report, sc.direct.Name(), nil
}

// Busy reports whether a sync cycle is currently running.
func (sc *SyncCoordinator) Busy() bool {
	return sc.busy.Load()
}

// Stats returns sync coordinator statistics.
func (sc *SyncCoordinator) Stats() SyncStats {
	sc.lastSyncMu.Lock()
	lastSync := sc.lastSyncAt
	sc.lastSyncMu.Unlock()

	return SyncStats{
		Cycles:             sc.cycles.Load(),
		SkippedBusy:        sc.skippedBusy.Load(),
		Replayed:           sc.replayed.Load(),
		Discarded:          sc.discarded.Load(),
		Retained:           sc.retained.Load(),
		DelegatedCycles:    sc.delegatedCycles.Load(),
		DelegationFailures: sc.delegationFailures.Load(),
		LastSyncAt:         lastSync,
	}
}
