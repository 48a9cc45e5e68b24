package fieldsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// dateLayout is the ISO day format used for window addressing.
const dateLayout = "2006-01-02"

// PrepareStatus is the bulk-prepare state enum.
type PrepareStatus string

const (
	PrepareIdle      PrepareStatus = "idle"
	PreparePreparing PrepareStatus = "preparing"
	PrepareComplete  PrepareStatus = "complete"
	PrepareError     PrepareStatus = "error"
)

// PrepareProgress reports bulk-prepare progress. Step increases
// monotonically within a run so a caller can render a progress indicator.
type PrepareProgress struct {
	Status     PrepareStatus `json:"status"`
	Step       int           `json:"step"`
	TotalSteps int           `json:"total_steps"`
	WindowID   string        `json:"window_id,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// PrepareConfig configures the bulk preparer.
type PrepareConfig struct {
	// BundleURL is the consolidated endpoint that returns all data needed
	// across a window in a single response.
	BundleURL string `yaml:"bundle_url"`

	// Resources are the per-day resource endpoints whose cache entries the
	// fan-out populates (what feature modules read when offline).
	Resources []string `yaml:"resources"`

	// WindowTTL is the extended TTL applied to fanned-out entries.
	WindowTTL time.Duration `yaml:"window_ttl"`

	// MaxWindowAge caps how long a prepared window stays active regardless
	// of its date range.
	MaxWindowAge time.Duration `yaml:"max_window_age"`

	// MaxDays bounds the size of a single window.
	MaxDays int `yaml:"max_days"`
}

// DefaultPrepareConfig returns sensible defaults.
func DefaultPrepareConfig() PrepareConfig {
	return PrepareConfig{
		WindowTTL:    14 * 24 * time.Hour,
		MaxWindowAge: 30 * 24 * time.Hour,
		MaxDays:      21,
	}
}

// PrepareStats contains bulk preparer statistics.
type PrepareStats struct {
	WindowsPrepared int64 `json:"windows_prepared"`
	WindowsExpired  int64 `json:"windows_expired"`
	EntriesFanned   int64 `json:"entries_fanned"`
	Failures        int64 `json:"failures"`
	ActiveWindows   int   `json:"active_windows"`
}

// BulkPreparer pre-caches a multi-day period ahead of a known offline window
// ("camp mode"). It expands the date range into daily keys, fetches one
// consolidated payload, and fans it out into the per-resource per-day cache
// entries feature modules expect, so feature code never knows a bulk prepare
// happened.
type BulkPreparer struct {
	cache   *CacheStore
	store   LocalStore
	fetcher Fetcher
	tokens  TokenSource
	config  PrepareConfig
	emit    func(StatusEvent)

	mu       sync.Mutex
	progress PrepareProgress
	windows  []PreparedWindow
	running  bool

	prepared atomic.Int64
	expired  atomic.Int64
	fanned   atomic.Int64
	failures atomic.Int64

	now func() time.Time
}

// NewBulkPreparer creates a bulk preparer.
func NewBulkPreparer(cache *CacheStore, store LocalStore, fetcher Fetcher, tokens TokenSource, cfg PrepareConfig) *BulkPreparer {
	if cfg.WindowTTL <= 0 {
		cfg.WindowTTL = 14 * 24 * time.Hour
	}
	if cfg.MaxWindowAge <= 0 {
		cfg.MaxWindowAge = 30 * 24 * time.Hour
	}
	if cfg.MaxDays <= 0 {
		cfg.MaxDays = 21
	}
	return &BulkPreparer{
		cache:    cache,
		store:    store,
		fetcher:  fetcher,
		tokens:   tokens,
		config:   cfg,
		progress: PrepareProgress{Status: PrepareIdle},
		now:      time.Now,
	}
}

// OnEvent registers the status event sink. Must be set before the preparer
// is shared across goroutines.
func (bp *BulkPreparer) OnEvent(fn func(StatusEvent)) {
	bp.emit = fn
}

// LoadWindows restores persisted windows, dropping any that are no longer
// active. Called once at engine init.
func (bp *BulkPreparer) LoadWindows(ctx context.Context) error {
	stored, err := bp.store.ListWindows(ctx)
	if err != nil {
		return err
	}
	now := bp.now()

	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.windows = bp.windows[:0]
	for _, w := range stored {
		if w.Active(now) {
			bp.windows = append(bp.windows, w)
			continue
		}
		bp.expired.Add(1)
		_ = bp.store.DeleteWindow(ctx, w.ID)
	}
	return nil
}

// expandDates lists the ISO days from start through end inclusive.
func expandDates(start, end time.Time) []string {
	var dates []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format(dateLayout))
	}
	return dates
}

// bundlePayload is the shape of the consolidated response: per-day,
// per-resource raw JSON payloads.
type bundlePayload struct {
	Days map[string]map[string]json.RawMessage `json:"days"`
}

// PrepareWindow fetches and fans out everything needed to operate offline
// for the given date range. Only one prepare runs at a time.
func (bp *BulkPreparer) PrepareWindow(ctx context.Context, scopeID, startDate, endDate string) (*PreparedWindow, error) {
	start, err := time.Parse(dateLayout, startDate)
	if err != nil {
		return nil, fmt.Errorf("prepare: invalid start date %q: %w", startDate, err)
	}
	end, err := time.Parse(dateLayout, endDate)
	if err != nil {
		return nil, fmt.Errorf("prepare: invalid end date %q: %w", endDate, err)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("prepare: end date %s before start date %s", endDate, startDate)
	}
	dates := expandDates(start, end)
	if len(dates) > bp.config.MaxDays {
		return nil, fmt.Errorf("prepare: window of %d days exceeds limit of %d", len(dates), bp.config.MaxDays)
	}

	bp.mu.Lock()
	if bp.running {
		bp.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	bp.running = true
	totalSteps := len(dates)*len(bp.config.Resources) + 1
	bp.progress = PrepareProgress{Status: PreparePreparing, TotalSteps: totalSteps}
	bp.mu.Unlock()

	defer func() {
		bp.mu.Lock()
		bp.running = false
		bp.mu.Unlock()
	}()

	window, err := bp.prepare(ctx, scopeID, dates, startDate, endDate, totalSteps)
	if err != nil {
		bp.failures.Add(1)
		bp.setProgress(func(p *PrepareProgress) {
			p.Status = PrepareError
			p.Error = err.Error()
		})
		return nil, err
	}

	bp.prepared.Add(1)
	bp.setProgress(func(p *PrepareProgress) {
		p.Status = PrepareComplete
		p.WindowID = window.ID
		p.Error = ""
	})
	return window, nil
}

func (bp *BulkPreparer) prepare(ctx context.Context, scopeID string, dates []string, startDate, endDate string, totalSteps int) (*PreparedWindow, error) {
	bundle, err := bp.fetchBundle(ctx, scopeID, startDate, endDate)
	if err != nil {
		return nil, err
	}
	bp.setProgress(func(p *PrepareProgress) { p.Step++ })

	for _, date := range dates {
		dayPayloads := bundle.Days[date]
		for _, resource := range bp.config.Resources {
			payload, ok := dayPayloads[resource]
			if !ok {
				// The server had nothing for this resource on this day; an
				// explicit empty entry still beats an offline miss.
				payload = json.RawMessage("null")
			}
			key := ResourceKey(resource, map[string]string{"scope": scopeID, "date": date})
			if err := bp.cache.Set(ctx, key, payload, bp.config.WindowTTL); err != nil {
				return nil, fmt.Errorf("prepare: cache %s for %s: %w", resource, date, err)
			}
			bp.fanned.Add(1)
			bp.setProgress(func(p *PrepareProgress) { p.Step++ })
		}
	}

	now := bp.now()
	window := PreparedWindow{
		ID:         uuid.NewString(),
		ScopeID:    scopeID,
		StartDate:  startDate,
		EndDate:    endDate,
		Dates:      dates,
		PreparedAt: now,
		ExpiresAt:  now.Add(bp.config.MaxWindowAge),
	}
	if err := bp.store.PutWindow(ctx, window); err != nil {
		return nil, fmt.Errorf("prepare: persist window: %w", err)
	}

	bp.mu.Lock()
	bp.windows = append(bp.windows, window)
	bp.mu.Unlock()
	return &window, nil
}

func (bp *BulkPreparer) fetchBundle(ctx context.Context, scopeID, startDate, endDate string) (*bundlePayload, error) {
	query := url.Values{}
	query.Set("scope", scopeID)
	query.Set("start", startDate)
	query.Set("end", endDate)

	headers := map[string]string{}
	if bp.tokens != nil {
		token, err := bp.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("prepare: fetch auth token: %w", err)
		}
		if token != "" {
			headers["Authorization"] = "Bearer " + token
		}
	}

	resp, err := bp.fetcher.Fetch(ctx, Request{
		URL:     bp.config.BundleURL + "?" + query.Encode(),
		Method:  "GET",
		Headers: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("prepare: bundle fetch: %w", err)
	}
	if !resp.OK() {
		return nil, newReplayError(resp.Status, "GET", bp.config.BundleURL, nil)
	}
	if !resp.IsJSON() {
		return nil, fmt.Errorf("prepare: bundle response is not JSON (content type %q)", resp.Header.Get("Content-Type"))
	}

	var bundle bundlePayload
	if err := json.Unmarshal(resp.Body, &bundle); err != nil {
		return nil, fmt.Errorf("prepare: decode bundle: %w", err)
	}
	return &bundle, nil
}

func (bp *BulkPreparer) setProgress(update func(*PrepareProgress)) {
	bp.mu.Lock()
	update(&bp.progress)
	progress := bp.progress
	bp.mu.Unlock()

	if bp.emit != nil {
		bp.emit(StatusEvent{Type: StatusPrepareProgress, Progress: &progress})
	}
}

// Progress returns the current prepare progress.
func (bp *BulkPreparer) Progress() PrepareProgress {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.progress
}

// IsDatePrepared reports whether the given ISO date falls inside an active
// prepared window. Read policy consults this to decide when extended-TTL and
// ignore-expiration reads are appropriate.
func (bp *BulkPreparer) IsDatePrepared(date string) bool {
	now := bp.now()
	bp.mu.Lock()
	defer bp.mu.Unlock()

	for i := range bp.windows {
		if bp.windows[i].Active(now) && bp.windows[i].Contains(date) {
			return true
		}
	}
	return false
}

// ActiveWindows returns the currently active prepared windows.
func (bp *BulkPreparer) ActiveWindows() []PreparedWindow {
	now := bp.now()
	bp.mu.Lock()
	defer bp.mu.Unlock()

	var active []PreparedWindow
	for _, w := range bp.windows {
		if w.Active(now) {
			active = append(active, w)
		}
	}
	return active
}

// SweepExpired removes windows that have aged out or whose end date has
// passed, reverting their cached entries to ordinary TTL policy.
func (bp *BulkPreparer) SweepExpired(ctx context.Context) int {
	now := bp.now()
	bp.mu.Lock()
	var kept []PreparedWindow
	var dropped []PreparedWindow
	for _, w := range bp.windows {
		if w.Active(now) {
			kept = append(kept, w)
		} else {
			dropped = append(dropped, w)
		}
	}
	bp.windows = kept
	bp.mu.Unlock()

	for _, w := range dropped {
		bp.expired.Add(1)
		_ = bp.store.DeleteWindow(ctx, w.ID)
	}
	return len(dropped)
}

// Stats returns bulk preparer statistics.
func (bp *BulkPreparer) Stats() PrepareStats {
	bp.mu.Lock()
	active := 0
	now := bp.now()
	for _, w := range bp.windows {
		if w.Active(now) {
			active++
		}
	}
	bp.mu.Unlock()

	return PrepareStats{
		WindowsPrepared: bp.prepared.Load(),
		WindowsExpired:  bp.expired.Load(),
		EntriesFanned:   bp.fanned.Load(),
		Failures:        bp.failures.Load(),
		ActiveWindows:   active,
	}
}
