package fieldsync

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

func testEngine(t *testing.T, fetcher Fetcher) *Engine {
	t.Helper()
	cfg := DefaultEngineConfig()
	cfg.Connectivity.DebounceWindow = 0
	engine, err := NewEngine(cfg, EngineDeps{
		Store:   NewMemoryStore(),
		Fetcher: fetcher,
		Tokens:  StaticTokenSource("tok"),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func jsonFetcher(body string, calls *atomic.Int64) FetcherFunc {
	return func(ctx context.Context, req Request) (*Response, error) {
		calls.Add(1)
		return &Response{
			Status: http.StatusOK,
			Header: http.Header{"Content-Type": []string{"application/json"}},
			Body:   []byte(body),
		}, nil
	}
}

func TestEngineReadNetworkFirstWithCacheFallback(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	engine := testEngine(t, jsonFetcher(`{"v":1}`, &calls))

	req := ReadRequest{Endpoint: "/api/v1/roster", Params: map[string]string{"scope": "t1"}}

	body, err := engine.Read(ctx, req)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(body) != `{"v":1}` || calls.Load() != 1 {
		t.Fatalf("unexpected first read: %q, %d calls", body, calls.Load())
	}

	// Offline: the cached copy serves without touching the network.
	engine.Monitor().SetOffline()
	body, err = engine.Read(ctx, req)
	if err != nil {
		t.Fatalf("offline read: %v", err)
	}
	if string(body) != `{"v":1}` || calls.Load() != 1 {
		t.Fatalf("offline read hit the network: %d calls", calls.Load())
	}
}

func TestEngineReadOfflineMiss(t *testing.T) {
	ctx := context.Background()
	engine := testEngine(t, FetcherFunc(func(ctx context.Context, req Request) (*Response, error) {
		t.Fatal("offline read must not fetch")
		return nil, nil
	}))
	engine.Monitor().SetOffline()

	_, err := engine.Read(ctx, ReadRequest{Endpoint: "/api/v1/roster"})
	if !errors.Is(err, ErrUnavailableOffline) {
		t.Fatalf("expected ErrUnavailableOffline, got %v", err)
	}
}

func TestEngineReadDoesNotCacheNonJSON(t *testing.T) {
	ctx := context.Background()
	engine := testEngine(t, FetcherFunc(func(ctx context.Context, req Request) (*Response, error) {
		return &Response{
			Status: http.StatusOK,
			Header: http.Header{"Content-Type": []string{"text/html"}},
			Body:   []byte("<html>captive portal</html>"),
		}, nil
	}))

	req := ReadRequest{Endpoint: "/api/v1/roster"}
	body, err := engine.Read(ctx, req)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(body) != "<html>captive portal</html>" {
		t.Fatalf("unexpected body: %q", body)
	}

	engine.Monitor().SetOffline()
	if _, err := engine.Read(ctx, req); !errors.Is(err, ErrUnavailableOffline) {
		t.Fatalf("html response must not be cached, got %v", err)
	}
}

func TestEngineReadPermanentError(t *testing.T) {
	ctx := context.Background()
	engine := testEngine(t, FetcherFunc(func(ctx context.Context, req Request) (*Response, error) {
		return &Response{Status: http.StatusForbidden, Header: http.Header{}}, nil
	}))

	_, err := engine.Read(ctx, ReadRequest{Endpoint: "/api/v1/roster"})
	var replayErr *ReplayError
	if !errors.As(err, &replayErr) || replayErr.Status != http.StatusForbidden {
		t.Fatalf("expected 403 ReplayError, got %v", err)
	}
}

func TestEngineReadTransientFallsBackToCache(t *testing.T) {
	ctx := context.Background()
	var fail atomic.Bool
	engine := testEngine(t, FetcherFunc(func(ctx context.Context, req Request) (*Response, error) {
		if fail.Load() {
			return &Response{Status: http.StatusBadGateway, Header: http.Header{}}, nil
		}
		return &Response{
			Status: http.StatusOK,
			Header: http.Header{"Content-Type": []string{"application/json"}},
			Body:   []byte(`{"v":1}`),
		}, nil
	}))

	req := ReadRequest{Endpoint: "/api/v1/roster"}
	if _, err := engine.Read(ctx, req); err != nil {
		t.Fatalf("seed read: %v", err)
	}

	fail.Store(true)
	body, err := engine.Read(ctx, req)
	if err != nil {
		t.Fatalf("read during outage: %v", err)
	}
	if string(body) != `{"v":1}` {
		t.Fatalf("expected cached copy, got %q", body)
	}
}

func TestEngineSubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("offline queues", func(t *testing.T) {
		engine := testEngine(t, FetcherFunc(func(ctx context.Context, req Request) (*Response, error) {
			t.Fatal("offline submit must not fetch")
			return nil, nil
		}))
		engine.Monitor().SetOffline()

		result, err := engine.Submit(ctx, PendingMutation{URL: "/api/v1/attendance", Method: "POST"})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if !result.Queued {
			t.Fatalf("expected queued result, got %+v", result)
		}
		if count, _ := engine.Queue().Count(ctx); count != 1 {
			t.Fatalf("expected 1 queued, got %d", count)
		}
	})

	t.Run("online success passes through", func(t *testing.T) {
		engine := testEngine(t, jsonFetcher(`{"id":7}`, new(atomic.Int64)))
		result, err := engine.Submit(ctx, PendingMutation{URL: "/api/v1/attendance", Method: "POST"})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if result.Queued || string(result.Body) != `{"id":7}` {
			t.Fatalf("unexpected result: %+v", result)
		}
		if count, _ := engine.Queue().Count(ctx); count != 0 {
			t.Fatalf("success must not queue, got %d", count)
		}
	})

	t.Run("rejection is not queued", func(t *testing.T) {
		engine := testEngine(t, FetcherFunc(func(ctx context.Context, req Request) (*Response, error) {
			return &Response{Status: http.StatusBadRequest, Header: http.Header{}}, nil
		}))
		_, err := engine.Submit(ctx, PendingMutation{URL: "/api/v1/attendance", Method: "POST"})
		if !errors.Is(err, ErrMutationRejected) {
			t.Fatalf("expected rejection, got %v", err)
		}
		if count, _ := engine.Queue().Count(ctx); count != 0 {
			t.Fatalf("rejected mutation must not queue, got %d", count)
		}
	})

	t.Run("transport failure queues and flips offline", func(t *testing.T) {
		engine := testEngine(t, FetcherFunc(func(ctx context.Context, req Request) (*Response, error) {
			return nil, errors.New("connection reset")
		}))
		result, err := engine.Submit(ctx, PendingMutation{URL: "/api/v1/attendance", Method: "POST"})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if !result.Queued {
			t.Fatalf("expected queued result, got %+v", result)
		}
		if !engine.Monitor().IsOffline() {
			t.Fatal("transport failure should flip the monitor offline")
		}
	})

	t.Run("legacy always queues", func(t *testing.T) {
		engine := testEngine(t, FetcherFunc(func(ctx context.Context, req Request) (*Response, error) {
			t.Fatal("legacy submit must not fetch directly")
			return nil, nil
		}))
		result, err := engine.Submit(ctx, PendingMutation{Format: FormatLegacy, Action: "note"})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if !result.Queued {
			t.Fatalf("expected queued result, got %+v", result)
		}
	})
}

func TestEngineReconnectTriggersReplay(t *testing.T) {
	ctx := context.Background()
	rs := newRecordingServer(t)

	cfg := DefaultEngineConfig()
	cfg.Connectivity.DebounceWindow = 0
	engine, err := NewEngine(cfg, EngineDeps{
		Store:  NewMemoryStore(),
		Tokens: StaticTokenSource("tok"),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer engine.Close()
	if err := engine.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	engine.Monitor().SetOffline()
	for _, path := range []string{"/first", "/second"} {
		result, err := engine.Submit(ctx, PendingMutation{URL: rs.url(path), Method: "POST"})
		if err != nil || !result.Queued {
			t.Fatalf("submit %s: %v %+v", path, err, result)
		}
	}

	engine.Monitor().SetOnline()

	deadline := time.After(3 * time.Second)
	for {
		if count, _ := engine.Queue().Count(ctx); count == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("queue never drained after reconnect")
		case <-time.After(10 * time.Millisecond):
		}
	}

	calls := rs.recorded()
	if len(calls) != 2 || calls[0].Path != "/first" || calls[1].Path != "/second" {
		t.Fatalf("unexpected replay calls: %+v", calls)
	}
	if calls[0].Auth != "Bearer tok" {
		t.Fatalf("replay missing fresh auth: %+v", calls[0])
	}
}

func TestEngineFlappingReconnectDrainsQueue(t *testing.T) {
	ctx := context.Background()
	rs := newRecordingServer(t)

	cfg := DefaultEngineConfig()
	cfg.Connectivity.DebounceWindow = 40 * time.Millisecond
	engine, err := NewEngine(cfg, EngineDeps{
		Store:  NewMemoryStore(),
		Tokens: StaticTokenSource("tok"),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer engine.Close()
	if err := engine.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	// First flap: nothing queued yet, the reconnect sync is a no-op.
	engine.Monitor().SetOffline()
	engine.Monitor().SetOnline()

	// Second flap inside the debounce window with a mutation queued while
	// offline. The coalesced reconnect must still trigger a replay, or the
	// mutation stays stranded with the client online.
	engine.Monitor().SetOffline()
	result, err := engine.Submit(ctx, PendingMutation{URL: rs.url("/stranded"), Method: "POST"})
	if err != nil || !result.Queued {
		t.Fatalf("submit: %v %+v", err, result)
	}
	engine.Monitor().SetOnline()

	deadline := time.After(3 * time.Second)
	for {
		if count, _ := engine.Queue().Count(ctx); count == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("queue never drained after a debounced reconnect")
		case <-time.After(10 * time.Millisecond):
		}
	}

	calls := rs.recorded()
	if len(calls) != 1 || calls[0].Path != "/stranded" {
		t.Fatalf("unexpected replay calls: %+v", calls)
	}
}

func TestEngineZeroConfigReconnectReplay(t *testing.T) {
	ctx := context.Background()
	rs := newRecordingServer(t)

	// A zero-value config must get working defaults; in particular the
	// reconnect replay context must not be built from a zero timeout.
	engine, err := NewEngine(EngineConfig{}, EngineDeps{
		Store:  NewMemoryStore(),
		Tokens: StaticTokenSource("tok"),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer engine.Close()
	if err := engine.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	engine.Monitor().SetOffline()
	result, err := engine.Submit(ctx, PendingMutation{URL: rs.url("/zero"), Method: "POST"})
	if err != nil || !result.Queued {
		t.Fatalf("submit: %v %+v", err, result)
	}
	engine.Monitor().SetOnline()

	deadline := time.After(3 * time.Second)
	for {
		if count, _ := engine.Queue().Count(ctx); count == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("queue never drained with a zero-value config")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if calls := rs.recorded(); len(calls) != 1 || calls[0].Path != "/zero" {
		t.Fatalf("unexpected replay calls: %+v", calls)
	}
}

func TestEngineDeferredOptimisticClearsAfterSync(t *testing.T) {
	ctx := context.Background()
	rs := newRecordingServer(t)

	cfg := DefaultEngineConfig()
	cfg.Connectivity.DebounceWindow = 0
	engine, err := NewEngine(cfg, EngineDeps{
		Store:  NewMemoryStore(),
		Tokens: StaticTokenSource("tok"),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer engine.Close()
	if err := engine.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	engine.Monitor().SetOffline()
	mutation := PendingMutation{URL: rs.url("/assign"), Method: "POST"}
	if err := engine.Execute(ctx, "assign-p1", mutation, OptimisticHandlers{
		Optimistic: func() (any, error) { return nil, nil },
	}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !engine.Optimistic().IsPending("assign-p1") {
		t.Fatal("offline execute should mark the key pending")
	}

	engine.Monitor().SetOnline()

	deadline := time.After(3 * time.Second)
	for engine.Optimistic().IsPending("assign-p1") {
		select {
		case <-deadline:
			t.Fatal("pending marker never cleared after sync")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEngineClosed(t *testing.T) {
	ctx := context.Background()
	engine := testEngine(t, jsonFetcher(`{}`, new(atomic.Int64)))
	if err := engine.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := engine.Read(ctx, ReadRequest{Endpoint: "/x"}); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("expected ErrEngineClosed, got %v", err)
	}
	if _, err := engine.Submit(ctx, PendingMutation{URL: "/x", Method: "POST"}); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("expected ErrEngineClosed, got %v", err)
	}
}
