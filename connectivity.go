package fieldsync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ConnState is the connectivity state.
type ConnState string

const (
	// StateOnline means the platform reports network reachability.
	StateOnline ConnState = "online"
	// StateOffline means the client has no usable network path.
	StateOffline ConnState = "offline"
)

// ConnEventType identifies a connectivity transition.
type ConnEventType string

const (
	// EventReconnected is emitted exactly once per offline-to-online
	// transition, not per underlying network blip.
	EventReconnected ConnEventType = "reconnected"
	// EventDisconnected is emitted on online-to-offline transitions. No
	// queue action is taken: writes already in flight are not cancelled.
	EventDisconnected ConnEventType = "disconnected"
)

// ConnEvent is a typed connectivity notification.
type ConnEvent struct {
	Type ConnEventType `json:"type"`
	At   time.Time     `json:"at"`
}

// ConnSubscription delivers connectivity events to one subscriber.
type ConnSubscription struct {
	ID     string
	Events chan ConnEvent
	cancel func()
	closed int32
}

// Close terminates the subscription.
func (s *ConnSubscription) Close() {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		s.cancel()
		close(s.Events)
	}
}

// ConnectivityConfig configures the connectivity monitor.
type ConnectivityConfig struct {
	// DebounceWindow coalesces reconnected emissions that follow a previous
	// one within the window, so flapping links do not trigger repeated full
	// syncs. A coalesced transition is not lost: a single trailing event
	// fires once the window elapses, provided the client is still online.
	DebounceWindow time.Duration `yaml:"debounce_window"`

	// BufferSize is the per-subscription channel buffer.
	BufferSize int `yaml:"buffer_size"`

	// ProbeURL, when set, is fetched by Probe to confirm reachability before
	// flipping to online.
	ProbeURL string `yaml:"probe_url,omitempty"`

	// ProbeAttempts bounds the probe retry loop.
	ProbeAttempts int `yaml:"probe_attempts"`
}

// DefaultConnectivityConfig returns sensible defaults.
func DefaultConnectivityConfig() ConnectivityConfig {
	return ConnectivityConfig{
		DebounceWindow: 2 * time.Second,
		BufferSize:     16,
		ProbeAttempts:  3,
	}
}

// ConnectivityStats contains monitor statistics.
type ConnectivityStats struct {
	State             ConnState `json:"state"`
	Reconnects        int64     `json:"reconnects"`
	Disconnects       int64     `json:"disconnects"`
	SuppressedEvents  int64     `json:"suppressed_events"`
	ActiveSubscribers int       `json:"active_subscribers"`
}

// ConnectivityMonitor tracks online/offline transitions driven by the
// platform connectivity signal plus explicit transition requests, and fans
// typed events out to subscribers.
type ConnectivityMonitor struct {
	config ConnectivityConfig

	mu          sync.Mutex
	state       ConnState
	lastEmit    time.Time
	subscribers map[string]*ConnSubscription
	nextID      int64

	trailing *time.Timer

	reconnects  atomic.Int64
	disconnects atomic.Int64
	suppressed  atomic.Int64

	fetcher Fetcher
	now     func() time.Time
}

// NewConnectivityMonitor creates a monitor starting in the online state.
func NewConnectivityMonitor(cfg ConnectivityConfig) *ConnectivityMonitor {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 16
	}
	if cfg.ProbeAttempts <= 0 {
		cfg.ProbeAttempts = 3
	}
	return &ConnectivityMonitor{
		config:      cfg,
		state:       StateOnline,
		subscribers: make(map[string]*ConnSubscription),
		now:         time.Now,
	}
}

// State returns the current connectivity state.
func (m *ConnectivityMonitor) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsOffline reports whether the client is offline.
func (m *ConnectivityMonitor) IsOffline() bool {
	return m.State() == StateOffline
}

// SetOnline records an online signal. An offline-to-online transition emits
// EventReconnected exactly once; repeated online signals are no-ops. A
// transition landing inside the debounce window is coalesced into one
// trailing emission rather than dropped, so the reconnect is never lost.
func (m *ConnectivityMonitor) SetOnline() {
	m.mu.Lock()
	if m.state == StateOnline {
		m.mu.Unlock()
		return
	}
	m.state = StateOnline
	m.reconnects.Add(1)

	now := m.now()
	if m.config.DebounceWindow > 0 && !m.lastEmit.IsZero() && now.Sub(m.lastEmit) < m.config.DebounceWindow {
		m.suppressed.Add(1)
		if m.trailing == nil {
			delay := m.config.DebounceWindow - now.Sub(m.lastEmit)
			m.trailing = time.AfterFunc(delay, m.emitTrailing)
		}
		m.mu.Unlock()
		return
	}
	if m.trailing != nil {
		m.trailing.Stop()
		m.trailing = nil
	}
	m.lastEmit = now
	subs := m.snapshotSubscribersLocked()
	m.mu.Unlock()

	m.broadcast(subs, ConnEvent{Type: EventReconnected, At: now})
}

// emitTrailing fires the coalesced reconnected event once the debounce
// window has elapsed. Nothing is emitted if the client went offline again.
func (m *ConnectivityMonitor) emitTrailing() {
	m.mu.Lock()
	m.trailing = nil
	if m.state != StateOnline {
		m.mu.Unlock()
		return
	}
	now := m.now()
	m.lastEmit = now
	subs := m.snapshotSubscribersLocked()
	m.mu.Unlock()

	m.broadcast(subs, ConnEvent{Type: EventReconnected, At: now})
}

// SetOffline records an offline signal. An online-to-offline transition
// emits EventDisconnected; repeated offline signals are no-ops.
func (m *ConnectivityMonitor) SetOffline() {
	m.mu.Lock()
	if m.state == StateOffline {
		m.mu.Unlock()
		return
	}
	m.state = StateOffline
	m.disconnects.Add(1)
	subs := m.snapshotSubscribersLocked()
	m.mu.Unlock()

	m.broadcast(subs, ConnEvent{Type: EventDisconnected, At: m.now()})
}

// Probe checks reachability of the configured probe URL with bounded retries
// and feeds the outcome into the state machine. Without a probe URL it is a
// no-op returning the current state.
func (m *ConnectivityMonitor) Probe(ctx context.Context) ConnState {
	if m.config.ProbeURL == "" || m.fetcher == nil {
		return m.State()
	}

	retryer := NewRetryer(RetryConfig{
		MaxAttempts:    m.config.ProbeAttempts,
		InitialBackoff: 200 * time.Millisecond,
	})
	result := retryer.Do(ctx, func() error {
		resp, err := m.fetcher.Fetch(ctx, Request{URL: m.config.ProbeURL, Method: "GET"})
		if err != nil {
			return err
		}
		if resp.Status >= 500 {
			return fmt.Errorf("probe: status %d", resp.Status)
		}
		return nil
	})

	if result.LastErr == nil {
		m.SetOnline()
	} else {
		m.SetOffline()
	}
	return m.State()
}

// Subscribe registers a subscriber for connectivity events.
func (m *ConnectivityMonitor) Subscribe() *ConnSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := fmt.Sprintf("conn-%d", m.nextID)
	sub := &ConnSubscription{
		ID:     id,
		Events: make(chan ConnEvent, m.config.BufferSize),
	}
	sub.cancel = func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
	m.subscribers[id] = sub
	return sub
}

func (m *ConnectivityMonitor) snapshotSubscribersLocked() []*ConnSubscription {
	subs := make([]*ConnSubscription, 0, len(m.subscribers))
	for _, sub := range m.subscribers {
		subs = append(subs, sub)
	}
	return subs
}

func (m *ConnectivityMonitor) broadcast(subs []*ConnSubscription, event ConnEvent) {
	for _, sub := range subs {
		if atomic.LoadInt32(&sub.closed) == 1 {
			continue
		}
		select {
		case sub.Events <- event:
		default:
			// Slow subscriber; drop rather than block the transition.
		}
	}
}

// Stats returns monitor statistics.
func (m *ConnectivityMonitor) Stats() ConnectivityStats {
	m.mu.Lock()
	state := m.state
	active := len(m.subscribers)
	m.mu.Unlock()

	return ConnectivityStats{
		State:             state,
		Reconnects:        m.reconnects.Load(),
		Disconnects:       m.disconnects.Load(),
		SuppressedEvents:  m.suppressed.Load(),
		ActiveSubscribers: active,
	}
}
