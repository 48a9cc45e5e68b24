package fieldsync

import (
	"context"
	"sort"
	"sync"
	"time"
)

// CacheEntry is a single cached resource payload. Entries are written
// atomically: a Set replaces the previous payload for the key in full,
// never partially.
type CacheEntry struct {
	Key       string    `json:"key"`
	Payload   []byte    `json:"payload"`
	StoredAt  time.Time `json:"stored_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the entry is past its expiry at the given instant.
func (e *CacheEntry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// MutationFormat discriminates queued write shapes. The format is resolved
// once at dequeue time; call sites never probe fields ad hoc.
type MutationFormat string

const (
	// FormatStructured is the current shape: full request fields.
	FormatStructured MutationFormat = "structured"
	// FormatLegacy is the old shape: an action name plus opaque data.
	// Legacy entries are drained as a single aggregate call on replay.
	FormatLegacy MutationFormat = "legacy"
)

// PendingMutation is a write operation queued while offline, replayed once
// connectivity returns. Structured mutations carry the full request;
// legacy mutations carry an action name and opaque data.
type PendingMutation struct {
	ID         string            `json:"id"`
	Seq        int64             `json:"seq"`
	Format     MutationFormat    `json:"format"`
	Key        string            `json:"key"`
	URL        string            `json:"url,omitempty"`
	Method     string            `json:"method,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
	Action     string            `json:"action,omitempty"`
	Data       []byte            `json:"data,omitempty"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

// PreparedWindow is a deliberately pre-cached multi-day period intended for
// sustained offline operation ("camp mode").
type PreparedWindow struct {
	ID         string    `json:"id"`
	ScopeID    string    `json:"scope_id"`
	StartDate  string    `json:"start_date"`
	EndDate    string    `json:"end_date"`
	Dates      []string  `json:"dates"`
	PreparedAt time.Time `json:"prepared_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Contains reports whether the given ISO date falls inside the window.
func (w *PreparedWindow) Contains(date string) bool {
	for _, d := range w.Dates {
		if d == date {
			return true
		}
	}
	return false
}

// Active reports whether the window still covers today and has not aged out.
func (w *PreparedWindow) Active(now time.Time) bool {
	if now.After(w.ExpiresAt) {
		return false
	}
	today := now.Format(dateLayout)
	return today >= w.StartDate && today <= w.EndDate
}

// LocalStore is the persistent storage contract the engine requires from the
// surrounding application: cache entries, pending mutations, and prepared
// windows, all surviving process restart.
type LocalStore interface {
	GetEntry(ctx context.Context, key string) (*CacheEntry, error)
	PutEntry(ctx context.Context, entry CacheEntry) error
	DeleteEntry(ctx context.Context, key string) error

	AppendMutation(ctx context.Context, m PendingMutation) (int64, error)
	ListMutations(ctx context.Context) ([]PendingMutation, error)
	DeleteMutation(ctx context.Context, id string) error
	MutationCount(ctx context.Context) (int, error)

	PutWindow(ctx context.Context, w PreparedWindow) error
	ListWindows(ctx context.Context) ([]PreparedWindow, error)
	DeleteWindow(ctx context.Context, id string) error

	Close() error
}

// MemoryStore is an in-memory LocalStore. It does not survive restarts and
// exists for tests and ephemeral clients; production clients use SQLiteStore.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   map[string]CacheEntry
	mutations map[string]PendingMutation
	windows   map[string]PreparedWindow
	nextSeq   int64
	closed    bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:   make(map[string]CacheEntry),
		mutations: make(map[string]PendingMutation),
		windows:   make(map[string]PreparedWindow),
	}
}

// GetEntry returns the entry for key, or ErrCacheMiss.
func (s *MemoryStore) GetEntry(_ context.Context, key string) (*CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrEngineClosed
	}
	entry, ok := s.entries[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	cp := entry
	cp.Payload = append([]byte(nil), entry.Payload...)
	return &cp, nil
}

// PutEntry stores an entry, replacing any previous payload for the key.
func (s *MemoryStore) PutEntry(_ context.Context, entry CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrEngineClosed
	}
	entry.Payload = append([]byte(nil), entry.Payload...)
	s.entries[entry.Key] = entry
	return nil
}

// DeleteEntry removes an entry. Deleting a missing key is not an error.
func (s *MemoryStore) DeleteEntry(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrEngineClosed
	}
	delete(s.entries, key)
	return nil
}

// AppendMutation appends a mutation and returns its sequence number.
func (s *MemoryStore) AppendMutation(_ context.Context, m PendingMutation) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrEngineClosed
	}
	s.nextSeq++
	m.Seq = s.nextSeq
	s.mutations[m.ID] = m
	return m.Seq, nil
}

// ListMutations returns all pending mutations in enqueue (FIFO) order.
func (s *MemoryStore) ListMutations(_ context.Context) ([]PendingMutation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrEngineClosed
	}
	result := make([]PendingMutation, 0, len(s.mutations))
	for _, m := range s.mutations {
		result = append(result, m)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	return result, nil
}

// DeleteMutation removes a mutation by ID.
func (s *MemoryStore) DeleteMutation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrEngineClosed
	}
	if _, ok := s.mutations[id]; !ok {
		return ErrMutationNotFound
	}
	delete(s.mutations, id)
	return nil
}

// MutationCount returns the number of pending mutations.
func (s *MemoryStore) MutationCount(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrEngineClosed
	}
	return len(s.mutations), nil
}

// PutWindow stores a prepared window.
func (s *MemoryStore) PutWindow(_ context.Context, w PreparedWindow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrEngineClosed
	}
	s.windows[w.ID] = w
	return nil
}

// ListWindows returns all persisted prepared windows.
func (s *MemoryStore) ListWindows(_ context.Context) ([]PreparedWindow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrEngineClosed
	}
	result := make([]PreparedWindow, 0, len(s.windows))
	for _, w := range s.windows {
		result = append(result, w)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PreparedAt.Before(result[j].PreparedAt) })
	return result, nil
}

// DeleteWindow removes a prepared window.
func (s *MemoryStore) DeleteWindow(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrEngineClosed
	}
	delete(s.windows, id)
	return nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
