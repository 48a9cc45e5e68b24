// Package fieldsync provides an offline-first synchronization engine for
// field applications that must keep working without connectivity.
//
// Fieldsync layers a TTL cache, a durable mutation queue, and a
// connectivity-aware replay coordinator over a single SQLite file, so reads
// fall back to cached data when the network is gone and writes queue up for
// replay when it returns.
//
// # Basic Usage
//
// Create and initialize an engine:
//
//	engine, err := fieldsync.NewEngine(fieldsync.DefaultEngineConfig(), fieldsync.EngineDeps{
//	    Tokens: tokenSource,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//	if err := engine.Init(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Read resources network-first with cache fallback:
//
//	body, err := engine.Read(ctx, fieldsync.ReadRequest{
//	    Endpoint: "/api/v1/attendance",
//	    Params:   map[string]string{"scope": "troop-42", "date": "2026-07-14"},
//	})
//
// Submit mutations; offline they queue and replay on reconnect:
//
//	result, err := engine.Submit(ctx, fieldsync.PendingMutation{
//	    URL:    "/api/v1/attendance",
//	    Method: "POST",
//	    Body:   payload,
//	})
//	if result != nil && result.Queued {
//	    // applied locally, will sync later
//	}
//
// Pre-cache a multi-day window before heading somewhere without coverage:
//
//	window, err := engine.PrepareWindow(ctx, "troop-42", "2026-07-14", "2026-07-18")
//
// # Features
//
// Offline operation:
//   - TTL cache over SQLite with ignore-expiration reads for prepared windows
//   - Durable FIFO mutation queue that survives restarts
//   - Optional snappy compression and AES-256-GCM encryption at rest
//
// Synchronization:
//   - Debounced reconnect detection triggering automatic replay
//   - Idempotent sync with 4xx discard and transient-failure retention
//   - Legacy operations aggregated into a single batch call
//   - Delegation to a platform background-sync facility with grace fallback
//
// Application support:
//   - Optimistic apply/rollback per resource key with deferred offline success
//   - Bulk window preparation fanning one consolidated fetch into per-day entries
//   - Status event stream over WebSocket and an HTTP control surface
package fieldsync
