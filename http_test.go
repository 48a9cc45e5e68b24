package fieldsync

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestHTTPHandlers(t *testing.T) {
	ctx := context.Background()
	engine := testEngine(t, jsonFetcher(`{}`, new(atomic.Int64)))

	mux := http.NewServeMux()
	engine.RegisterHTTPHandlers(mux)
	server := httptest.NewServer(mux)
	defer server.Close()

	t.Run("status", func(t *testing.T) {
		engine.Monitor().SetOffline()
		if _, err := engine.Submit(ctx, PendingMutation{URL: "/x", Method: "POST"}); err != nil {
			t.Fatalf("submit: %v", err)
		}

		resp, err := http.Get(server.URL + "/api/v1/sync/status")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status %d", resp.StatusCode)
		}
		var status statusResponse
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if status.State != StateOffline || status.PendingCount != 1 {
			t.Fatalf("unexpected status: %+v", status)
		}
	})

	t.Run("queue listing", func(t *testing.T) {
		resp, err := http.Get(server.URL + "/api/v1/queue")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		var pending []PendingMutation
		if err := json.NewDecoder(resp.Body).Decode(&pending); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(pending) != 1 || pending[0].URL != "/x" {
			t.Fatalf("unexpected queue: %+v", pending)
		}
	})

	t.Run("stats", func(t *testing.T) {
		resp, err := http.Get(server.URL + "/api/v1/stats")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		var stats EngineStats
		if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if stats.Queue.Pending != 1 {
			t.Fatalf("unexpected stats: %+v", stats)
		}
	})

	t.Run("sync run requires POST", func(t *testing.T) {
		resp, err := http.Get(server.URL + "/api/v1/sync/run")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Fatalf("expected 405, got %d", resp.StatusCode)
		}
	})

	t.Run("prepare rejects malformed body", func(t *testing.T) {
		resp, err := http.Post(server.URL+"/api/v1/prepare", "application/json", bytes.NewBufferString("{"))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
	})

	t.Run("prepare progress", func(t *testing.T) {
		resp, err := http.Get(server.URL + "/api/v1/prepare/progress")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		var progress PrepareProgress
		if err := json.NewDecoder(resp.Body).Decode(&progress); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if progress.Status != PrepareIdle {
			t.Fatalf("expected idle, got %+v", progress)
		}
	})

	t.Run("health", func(t *testing.T) {
		resp, err := http.Get(server.URL + "/health")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
	})
}
