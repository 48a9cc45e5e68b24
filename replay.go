package fieldsync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// RejectedMutation reports a queued change the server permanently refused.
// It is surfaced upward so the UI can tell the user the change was not
// applied; it is never retried.
type RejectedMutation struct {
	Mutation PendingMutation `json:"mutation"`
	Status   int             `json:"status"`
}

// ReplayReport is the outcome of one replay pass over the queue.
type ReplayReport struct {
	// Completed holds IDs with a definitive outcome (success or permanent
	// rejection); the coordinator dequeues them.
	Completed []string
	// Rejected is the subset of Completed that ended in a 4xx.
	Rejected []RejectedMutation
	// Retained holds IDs that failed transiently and stay queued for the
	// next sync cycle.
	Retained []string
	// BatchSize is the number of legacy entries drained via the single
	// aggregate call.
	BatchSize int
}

// ReplayStrategy replays pending mutations against the server. Two
// implementations exist: DelegatedSync hands the queue to a privileged
// background facility, DirectReplaySync performs the HTTP calls itself.
type ReplayStrategy interface {
	Name() string
	Replay(ctx context.Context, pending []PendingMutation) (*ReplayReport, error)
}

// DirectReplayConfig configures the direct replay fallback.
type DirectReplayConfig struct {
	// BatchURL is the aggregate endpoint that drains legacy-format entries
	// in one request instead of N.
	BatchURL string `yaml:"batch_url"`
}

// DirectReplaySync replays queued mutations one by one, in enqueue order,
// with a fresh Authorization header per request. No two replays run
// concurrently, avoiding duplicate-submission races against the same
// resource. Legacy-format entries are accumulated and drained with a single
// aggregate call sequenced after the individual replays.
type DirectReplaySync struct {
	fetcher Fetcher
	tokens  TokenSource
	config  DirectReplayConfig
}

// NewDirectReplaySync creates the direct replay strategy.
func NewDirectReplaySync(fetcher Fetcher, tokens TokenSource, cfg DirectReplayConfig) *DirectReplaySync {
	return &DirectReplaySync{fetcher: fetcher, tokens: tokens, config: cfg}
}

// Name returns the strategy name.
func (d *DirectReplaySync) Name() string { return "direct" }

// legacyOperation is one entry in the aggregate batch request body.
type legacyOperation struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Replay replays pending mutations sequentially. Definitive outcomes
// (2xx success, 4xx permanent rejection) complete the mutation; anything
// else retains it for the next cycle.
func (d *DirectReplaySync) Replay(ctx context.Context, pending []PendingMutation) (*ReplayReport, error) {
	report := &ReplayReport{}
	var batch []PendingMutation

	for _, m := range pending {
		if m.Format == FormatLegacy {
			batch = append(batch, m)
			continue
		}
		d.replayOne(ctx, m, report)
	}

	if len(batch) > 0 {
		d.replayBatch(ctx, batch, report)
	}
	return report, nil
}

func (d *DirectReplaySync) replayOne(ctx context.Context, m PendingMutation, report *ReplayReport) {
	headers := make(map[string]string, len(m.Headers)+1)
	for name, value := range m.Headers {
		headers[name] = value
	}
	if err := d.stampAuth(ctx, headers); err != nil {
		report.Retained = append(report.Retained, m.ID)
		return
	}

	resp, err := d.fetcher.Fetch(ctx, Request{
		URL:     m.URL,
		Method:  m.Method,
		Headers: headers,
		Body:    m.Body,
	})
	if err != nil {
		// Never produced a response: transient by definition.
		report.Retained = append(report.Retained, m.ID)
		return
	}

	switch ClassifyStatus(resp.Status) {
	case ClassOK:
		report.Completed = append(report.Completed, m.ID)
	case ClassPermanent:
		report.Completed = append(report.Completed, m.ID)
		report.Rejected = append(report.Rejected, RejectedMutation{Mutation: m, Status: resp.Status})
	default:
		report.Retained = append(report.Retained, m.ID)
	}
}

// replayBatch issues one aggregate request for all accumulated legacy
// entries, reducing a reconnect write storm of N requests to 1.
func (d *DirectReplaySync) replayBatch(ctx context.Context, batch []PendingMutation, report *ReplayReport) {
	ops := make([]legacyOperation, 0, len(batch))
	for _, m := range batch {
		ops = append(ops, legacyOperation{Action: m.Action, Data: json.RawMessage(m.Data)})
	}
	body, err := json.Marshal(map[string]any{"operations": ops})
	if err != nil {
		for _, m := range batch {
			report.Retained = append(report.Retained, m.ID)
		}
		return
	}

	headers := map[string]string{"Content-Type": "application/json"}
	if err := d.stampAuth(ctx, headers); err != nil {
		for _, m := range batch {
			report.Retained = append(report.Retained, m.ID)
		}
		return
	}

	resp, err := d.fetcher.Fetch(ctx, Request{
		URL:     d.config.BatchURL,
		Method:  "POST",
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		for _, m := range batch {
			report.Retained = append(report.Retained, m.ID)
		}
		return
	}

	switch ClassifyStatus(resp.Status) {
	case ClassOK:
		for _, m := range batch {
			report.Completed = append(report.Completed, m.ID)
		}
		report.BatchSize = len(batch)
	case ClassPermanent:
		for _, m := range batch {
			report.Completed = append(report.Completed, m.ID)
			report.Rejected = append(report.Rejected, RejectedMutation{Mutation: m, Status: resp.Status})
		}
		report.BatchSize = len(batch)
	default:
		for _, m := range batch {
			report.Retained = append(report.Retained, m.ID)
		}
	}
}

// stampAuth attaches a fresh Authorization header. Tokens may have rotated
// since the mutation was queued, so the queued header is never reused.
func (d *DirectReplaySync) stampAuth(ctx context.Context, headers map[string]string) error {
	if d.tokens == nil {
		return nil
	}
	token, err := d.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("replay: fetch auth token: %w", err)
	}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	return nil
}

// BackgroundSyncReport is the facility's account of a delegated replay pass.
type BackgroundSyncReport struct {
	Report *ReplayReport
	Err    error
}

// BackgroundSyncFacility is an optional privileged facility that can
// independently wake and replay the queue (the platform's background sync
// registration). Selected at runtime by capability detection.
type BackgroundSyncFacility interface {
	// Available reports whether the facility is present and reachable.
	Available(ctx context.Context) bool
	// Trigger requests a replay pass and returns a channel that delivers the
	// facility's report when it finishes.
	Trigger(ctx context.Context) (<-chan BackgroundSyncReport, error)
}

// DelegatedSync hands replay to the background facility and waits a bounded
// grace period for it to report progress. If the grace period elapses the
// coordinator falls back to direct replay.
type DelegatedSync struct {
	facility BackgroundSyncFacility
	grace    time.Duration
}

// NewDelegatedSync creates the delegated strategy.
func NewDelegatedSync(facility BackgroundSyncFacility, grace time.Duration) *DelegatedSync {
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &DelegatedSync{facility: facility, grace: grace}
}

// Name returns the strategy name.
func (d *DelegatedSync) Name() string { return "delegated" }

// Available reports whether the underlying facility can take a handoff.
func (d *DelegatedSync) Available(ctx context.Context) bool {
	return d.facility != nil && d.facility.Available(ctx)
}

// Replay triggers the facility and waits for its report within the grace
// period. The pending slice is unused: the facility reads the queue itself.
func (d *DelegatedSync) Replay(ctx context.Context, _ []PendingMutation) (*ReplayReport, error) {
	ch, err := d.facility.Trigger(ctx)
	if err != nil {
		return nil, fmt.Errorf("delegated sync: trigger: %w", err)
	}

	timer := time.NewTimer(d.grace)
	defer timer.Stop()

	select {
	case result, ok := <-ch:
		if !ok {
			return nil, ErrDelegationUnconfirmed
		}
		if result.Err != nil {
			return nil, fmt.Errorf("delegated sync: %w", result.Err)
		}
		if result.Report == nil {
			return &ReplayReport{}, nil
		}
		return result.Report, nil
	case <-timer.C:
		return nil, ErrDelegationUnconfirmed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
