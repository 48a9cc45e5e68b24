package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// EngineDeps carries the injectable collaborators. Zero-value fields fall
// back to defaults built from the configuration: a SQLite store and a plain
// HTTP fetcher.
type EngineDeps struct {
	Store      LocalStore
	Fetcher    Fetcher
	Tokens     TokenSource
	Background BackgroundSyncFacility
}

// EngineStats aggregates statistics from every component.
type EngineStats struct {
	Cache        CacheStats        `json:"cache"`
	Queue        QueueStats        `json:"queue"`
	Connectivity ConnectivityStats `json:"connectivity"`
	Sync         SyncStats         `json:"sync"`
	Optimistic   OptimisticStats   `json:"optimistic"`
	Prepare      PrepareStats      `json:"prepare"`
}

// Engine ties the offline-first components together: cache reads with
// network-first fallback, durable mutation queueing, connectivity-driven
// replay, optimistic updates, and bulk window preparation.
type Engine struct {
	config     EngineConfig
	store      LocalStore
	ownsStore  bool
	fetcher    Fetcher
	tokens     TokenSource
	cache      *CacheStore
	queue      *MutationQueue
	monitor    *ConnectivityMonitor
	syncer     *SyncCoordinator
	optimistic *OptimisticCoordinator
	preparer   *BulkPreparer
	events     *StatusBroadcaster

	connSub *ConnSubscription
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
}

// NewEngine creates an engine. Call Init to restore persisted state and
// start the connectivity loop, and Close when done.
func NewEngine(cfg EngineConfig, deps EngineDeps) (*Engine, error) {
	store := deps.Store
	ownsStore := false
	if store == nil {
		s, err := NewSQLiteStore(cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("engine: open store: %w", err)
		}
		store = s
		ownsStore = true
	}

	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	fetcher := deps.Fetcher
	if fetcher == nil {
		fetcher = NewHTTPFetcher(cfg.FetchTimeout)
	}

	cache := NewCacheStore(store, cfg.Cache)
	queue := NewMutationQueue(store, cfg.Queue)
	monitor := NewConnectivityMonitor(cfg.Connectivity)
	monitor.fetcher = fetcher

	direct := NewDirectReplaySync(fetcher, deps.Tokens, cfg.Sync.Direct)
	var delegated *DelegatedSync
	if deps.Background != nil {
		delegated = NewDelegatedSync(deps.Background, cfg.Sync.DelegationGrace)
	}
	syncer := NewSyncCoordinator(queue, direct, delegated, cfg.Sync)

	preparer := NewBulkPreparer(cache, store, fetcher, deps.Tokens, cfg.Prepare)

	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 32
	}
	events := NewStatusBroadcaster(cfg.EventBuffer)

	e := &Engine{
		config:     cfg,
		store:      store,
		ownsStore:  ownsStore,
		fetcher:    fetcher,
		tokens:     deps.Tokens,
		cache:      cache,
		queue:      queue,
		monitor:    monitor,
		syncer:     syncer,
		optimistic: NewOptimisticCoordinator(),
		preparer:   preparer,
		events:     events,
	}

	queue.OnCountChange(func(count int) {
		events.Emit(StatusEvent{Type: StatusPendingCount, PendingCount: count})
	})
	syncer.OnEvent(func(event StatusEvent) {
		if event.Type == StatusSyncCompleted {
			// Queued optimistic operations have now been replayed (or
			// rejected); their pending markers no longer apply.
			e.optimistic.ClearPending("")
		}
		events.Emit(event)
	})
	preparer.OnEvent(events.Emit)

	return e, nil
}

// Init restores persisted prepared windows and starts reacting to
// connectivity transitions. A reconnect triggers a background replay.
func (e *Engine) Init(ctx context.Context) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}

	if err := e.preparer.LoadWindows(ctx); err != nil {
		return fmt.Errorf("engine: load prepared windows: %w", err)
	}

	e.connSub = e.monitor.Subscribe()
	e.wg.Add(1)
	go e.connectivityLoop()
	return nil
}

func (e *Engine) connectivityLoop() {
	defer e.wg.Done()
	for event := range e.connSub.Events {
		switch event.Type {
		case EventReconnected:
			e.events.Emit(StatusEvent{Type: StatusConnectivity, At: event.At, State: StateOnline})
			ctx, cancel := context.WithTimeout(context.Background(), e.config.FetchTimeout*4)
			_, _ = e.syncer.SyncPendingData(ctx)
			cancel()
		case EventDisconnected:
			e.events.Emit(StatusEvent{Type: StatusConnectivity, At: event.At, State: StateOffline})
		}
	}
}

// Close stops the connectivity loop and releases the store if the engine
// opened it.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if e.connSub != nil {
		e.connSub.Close()
	}
	e.wg.Wait()
	e.events.Close()
	if e.ownsStore {
		return e.store.Close()
	}
	return nil
}

// --- Reads ---

// ReadRequest identifies a cacheable GET resource.
type ReadRequest struct {
	Endpoint string
	Params   map[string]string

	// AllowStale permits serving an expired entry even outside a prepared
	// window, an explicit caller opt-in.
	AllowStale bool
}

// Read fetches a resource network-first, caching fresh JSON responses and
// falling back to the cache when the network is unavailable. Inside a
// prepared window expired entries are still served, so a device that has
// been offline for days keeps working. Returns ErrUnavailableOffline when
// neither network nor cache can satisfy the request.
func (e *Engine) Read(ctx context.Context, req ReadRequest) ([]byte, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	key := ResourceKey(req.Endpoint, req.Params)
	prepared := e.preparer.IsDatePrepared(req.Params["date"])

	if !e.monitor.IsOffline() {
		body, done, err := e.readNetwork(ctx, req, key, prepared)
		if done {
			return body, err
		}
	}

	body, err := e.cache.Get(ctx, key)
	if err == nil {
		return body, nil
	}
	if errors.Is(err, ErrCacheMiss) && (prepared || req.AllowStale || e.monitor.IsOffline()) {
		if body, err = e.cache.GetIgnoringExpiration(ctx, key); err == nil {
			return body, nil
		}
	}
	if errors.Is(err, ErrCacheMiss) {
		return nil, fmt.Errorf("engine: read %s: %w", req.Endpoint, ErrUnavailableOffline)
	}
	return nil, err
}

// readNetwork attempts the network path. done reports whether the read is
// settled; false means fall back to the cache.
func (e *Engine) readNetwork(ctx context.Context, req ReadRequest, key string, prepared bool) ([]byte, bool, error) {
	headers, err := e.authHeaders(ctx)
	if err != nil {
		return nil, true, err
	}
	resp, err := e.fetcher.Fetch(ctx, Request{
		URL:     resourceURL(req.Endpoint, req.Params),
		Method:  http.MethodGet,
		Headers: headers,
	})
	if err != nil {
		// Transport failure: flip offline so subsequent calls skip the
		// network until connectivity is restored.
		e.monitor.SetOffline()
		return nil, false, nil
	}

	switch ClassifyStatus(resp.Status) {
	case ClassOK:
		if !resp.IsJSON() {
			return resp.Body, true, nil
		}
		ttl := time.Duration(0)
		if prepared {
			ttl = e.config.Prepare.WindowTTL
		}
		if err := e.cache.Set(ctx, key, resp.Body, ttl); err != nil {
			return nil, true, err
		}
		return resp.Body, true, nil
	case ClassPermanent:
		return nil, true, newReplayError(resp.Status, http.MethodGet, req.Endpoint, nil)
	default:
		return nil, false, nil
	}
}

// --- Writes ---

// Submit performs a mutation network-first. Offline or on transient failure
// the mutation is queued for later replay and the returned result carries
// Queued set. A 4xx response is returned as a ReplayError and never queued.
func (e *Engine) Submit(ctx context.Context, m PendingMutation) (*CallResult, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	// Legacy operations are only ever replayed as an aggregated batch, so
	// they always take the queue path.
	if m.Format == FormatLegacy || e.monitor.IsOffline() {
		return e.deferSubmit(ctx, m)
	}

	headers, err := e.authHeaders(ctx)
	if err != nil {
		return nil, err
	}
	for k, v := range m.Headers {
		if k != "Authorization" {
			headers[k] = v
		}
	}
	resp, err := e.fetcher.Fetch(ctx, Request{
		URL:     m.URL,
		Method:  m.Method,
		Headers: headers,
		Body:    m.Body,
	})
	if err != nil {
		e.monitor.SetOffline()
		return e.deferSubmit(ctx, m)
	}

	switch ClassifyStatus(resp.Status) {
	case ClassOK:
		return &CallResult{Status: resp.Status, Body: resp.Body}, nil
	case ClassPermanent:
		return nil, newReplayError(resp.Status, m.Method, m.URL, nil)
	default:
		return e.deferSubmit(ctx, m)
	}
}

func (e *Engine) deferSubmit(ctx context.Context, m PendingMutation) (*CallResult, error) {
	if _, err := e.queue.Enqueue(ctx, m); err != nil {
		return nil, err
	}
	return &CallResult{Status: http.StatusAccepted, Queued: true}, nil
}

// Execute runs an optimistic operation keyed by resource. When no Call
// handler is supplied the mutation goes through the engine's
// network-or-queue path.
func (e *Engine) Execute(ctx context.Context, key string, m PendingMutation, h OptimisticHandlers) error {
	if h.Call == nil {
		h.Call = func(ctx context.Context) (*CallResult, error) {
			return e.Submit(ctx, m)
		}
	}
	return e.optimistic.Execute(ctx, key, h)
}

// Sync replays all pending mutations now.
func (e *Engine) Sync(ctx context.Context) (*SyncSummary, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	return e.syncer.SyncPendingData(ctx)
}

// PrepareWindow pre-caches everything needed for the given date range.
func (e *Engine) PrepareWindow(ctx context.Context, scopeID, startDate, endDate string) (*PreparedWindow, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	return e.preparer.PrepareWindow(ctx, scopeID, startDate, endDate)
}

// SubscribeStatus returns a subscription to engine status events.
func (e *Engine) SubscribeStatus() *StatusSubscription {
	return e.events.Subscribe()
}

func (e *Engine) authHeaders(ctx context.Context) (map[string]string, error) {
	headers := map[string]string{}
	if e.tokens == nil {
		return headers, nil
	}
	token, err := e.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: auth token: %w", err)
	}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	return headers, nil
}

// --- Accessors ---

func (e *Engine) Cache() *CacheStore                 { return e.cache }
func (e *Engine) Queue() *MutationQueue              { return e.queue }
func (e *Engine) Monitor() *ConnectivityMonitor      { return e.monitor }
func (e *Engine) Preparer() *BulkPreparer            { return e.preparer }
func (e *Engine) Optimistic() *OptimisticCoordinator { return e.optimistic }

// Stats aggregates statistics across all components.
func (e *Engine) Stats(ctx context.Context) EngineStats {
	return EngineStats{
		Cache:        e.cache.Stats(),
		Queue:        e.queue.Stats(ctx),
		Connectivity: e.monitor.Stats(),
		Sync:         e.syncer.Stats(),
		Optimistic:   e.optimistic.Stats(),
		Prepare:      e.preparer.Stats(),
	}
}
