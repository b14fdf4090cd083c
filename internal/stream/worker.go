// Package stream implements the stream worker: one per enabled stream,
// polling its provider plug-in on a fixed cadence, applying callsign
// mapping, building CoT events, and handing them to each destination's
// queue manager.
package stream

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trakbridge/trakbridge/internal/callsign"
	"github.com/trakbridge/trakbridge/internal/cot"
	"github.com/trakbridge/trakbridge/internal/model"
	"github.com/trakbridge/trakbridge/internal/plugin"
	"github.com/trakbridge/trakbridge/internal/queue"
)

// Options tunes CoT event construction for large batches.
type Options struct {
	// ParallelThreshold is the minimum batch size before events are built
	// concurrently instead of serially.
	ParallelThreshold int
	// MaxConcurrent bounds the number of in-flight build goroutines.
	MaxConcurrent int
	// FallbackOnError retries failed builds serially after a concurrent
	// pass instead of dropping them outright.
	FallbackOnError bool
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{ParallelThreshold: 10, MaxConcurrent: 50, FallbackOnError: true}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.ParallelThreshold <= 0 {
		o.ParallelThreshold = def.ParallelThreshold
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = def.MaxConcurrent
	}
	return o
}

// Worker polls one stream's provider plug-in and republishes positions as
// CoT events into the queue manager for each of the stream's destinations.
type Worker struct {
	p       plugin.Plugin
	session *http.Client
	queues  *queue.Manager
	logger  *zap.Logger
	opts    Options

	mu        sync.Mutex
	liveCfg   model.StreamConfig // swappable via UpdateConfig
	skipUntil time.Time          // backoff after a rate-limit/timeout fetch error
}

// New constructs a Worker with default Options.
func New(cfg model.StreamConfig, p plugin.Plugin, queues *queue.Manager, logger *zap.Logger) *Worker {
	return NewWithOptions(cfg, p, queues, logger, DefaultOptions())
}

// NewWithOptions constructs a Worker with explicit build tuning.
func NewWithOptions(cfg model.StreamConfig, p plugin.Plugin, queues *queue.Manager, logger *zap.Logger, opts Options) *Worker {
	return &Worker{
		liveCfg: cfg,
		p:       p,
		session: &http.Client{Timeout: 30 * time.Second},
		queues:  queues,
		logger:  logger,
		opts:    opts.withDefaults(),
	}
}

// UpdateConfig swaps the stream's live configuration while the worker
// goroutine keeps running; the next poll uses the new values (the poll
// interval stays the one read at Run start). Reconciliation does not call
// it: a changed stream is stopped and restarted, and the config hot-reload
// path only triggers a reconcile.
func (w *Worker) UpdateConfig(cfg model.StreamConfig) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.liveCfg = cfg
}

func (w *Worker) config() model.StreamConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.liveCfg
}

// Run blocks until ctx is cancelled, polling every PollIntervalSeconds.
// Cadence is monotonic from start, not wall-clock aligned.
func (w *Worker) Run(ctx context.Context) {
	cfg := w.config()
	interval := time.Duration(cfg.PollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info("stream worker started",
		zap.String("stream_id", cfg.ID),
		zap.String("plugin_type", cfg.PluginType),
		zap.Duration("poll_interval", interval))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("stream worker stopping", zap.String("stream_id", cfg.ID))
			return
		case <-ticker.C:
			w.mu.Lock()
			backingOff := time.Now().Before(w.skipUntil)
			w.mu.Unlock()
			if backingOff {
				continue
			}
			w.poll(ctx)
		}
	}
}

// poll runs one full cycle: fetch, map callsigns, build events, enqueue to
// every destination. A fetch error is logged and the worker waits for the
// next tick.
func (w *Worker) poll(ctx context.Context) {
	cfg := w.config()

	// The fetch deadline never exceeds the poll interval, so one slow
	// provider call cannot back up subsequent ticks.
	deadline := time.Duration(cfg.PollIntervalSeconds) * time.Second
	if deadline <= 0 {
		deadline = 60 * time.Second
	}
	fetchCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	positions, err := w.p.Fetch(fetchCtx, w.session, cfg.PluginConfig)
	if err != nil {
		w.logger.Error("stream fetch failed",
			zap.String("stream_id", cfg.ID), zap.Error(err))
		// A rate-limited or timed-out provider gets one extra interval of
		// quiet before the next attempt.
		var fe *plugin.FetchError
		if errors.As(err, &fe) && (fe.Kind == plugin.KindRateLimited || fe.Kind == plugin.KindTimeout) {
			w.mu.Lock()
			w.skipUntil = time.Now().Add(deadline)
			w.mu.Unlock()
		}
		return
	}
	if len(positions) == 0 {
		return
	}

	positions = dedupeLastWins(positions)

	positions = callsign.Apply(w.p, positions, cfg)
	if len(positions) == 0 {
		return
	}

	events := w.buildEvents(positions, cfg)
	if len(events) == 0 {
		return
	}

	// Destinations are independent: a failed or cancelled enqueue on one
	// never skips the others.
	for _, serverID := range cfg.Destinations {
		if ctx.Err() != nil {
			return
		}
		if ok := w.queues.EnqueueWithReplacement(ctx, events, serverID); !ok {
			w.logger.Warn("enqueue to destination failed or was cancelled",
				zap.String("stream_id", cfg.ID), zap.String("server_id", serverID))
		}
	}
}

// dedupeLastWins keeps only the last occurrence of each uid, each at the
// index of its last occurrence in provider order.
func dedupeLastWins(positions []model.Position) []model.Position {
	lastIdx := make(map[string]int, len(positions))
	for i, p := range positions {
		lastIdx[p.UID] = i
	}
	out := make([]model.Position, 0, len(lastIdx))
	for i, p := range positions {
		if lastIdx[p.UID] == i {
			out = append(out, p)
		}
	}
	return out
}

// buildEvents converts the surviving batch to CoT events: serially below
// Options.ParallelThreshold, concurrently at or above it. A single
// position's build failure is logged and skipped, never failing the batch.
func (w *Worker) buildEvents(positions []model.Position, cfg model.StreamConfig) []queue.Event {
	if len(positions) < w.opts.ParallelThreshold {
		return w.buildSerial(positions, cfg)
	}

	results := make([]*queue.Event, len(positions))
	failed := make([]bool, len(positions))
	sem := make(chan struct{}, w.opts.MaxConcurrent)
	var wg sync.WaitGroup
	for i, p := range positions {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, p model.Position) {
			defer wg.Done()
			defer func() { <-sem }()
			if e, ok := w.buildOne(p, cfg); ok {
				results[i] = &e
			} else {
				failed[i] = true
			}
		}(i, p)
	}
	wg.Wait()

	out := make([]queue.Event, 0, len(positions))
	for i, r := range results {
		if r != nil {
			out = append(out, *r)
			continue
		}
		if failed[i] && w.opts.FallbackOnError {
			if e, ok := w.buildOne(positions[i], cfg); ok {
				out = append(out, e)
			}
		}
	}
	return out
}

func (w *Worker) buildSerial(positions []model.Position, cfg model.StreamConfig) []queue.Event {
	out := make([]queue.Event, 0, len(positions))
	for _, p := range positions {
		if e, ok := w.buildOne(p, cfg); ok {
			out = append(out, e)
		}
	}
	return out
}

// buildOne resolves the event type and builds one CoT event. Ordering does
// not matter across the batch — the queue deduplicates by uid — so
// concurrent construction needs no synchronization beyond the per-index
// results slice.
func (w *Worker) buildOne(p model.Position, cfg model.StreamConfig) (queue.Event, bool) {
	// Type precedence: per-mapping override, then the provider's per-point
	// hint (only in per_point mode), then the stream default.
	cotType := cfg.CotTypeDefault
	if cfg.CotTypeMode == model.CotTypeModePerPoint && p.CotTypeHint != "" {
		cotType = p.CotTypeHint
	}
	if ov, ok := p.Extra[model.ExtraCotTypeOverrideKey].(string); ok && ov != "" {
		cotType = ov
	}

	var team *cot.TeamMember
	teamColor, _ := p.Extra[model.ExtraTeamColorKey].(string)
	teamRole, _ := p.Extra[model.ExtraTeamRoleKey].(string)
	if teamColor != "" || teamRole != "" {
		team = &cot.TeamMember{Color: teamColor, Role: teamRole}
	}

	event, err := cot.Build(p, cot.BuildOptions{
		Type:         cotType,
		StaleSeconds: cfg.CotStaleSeconds,
		TeamMember:   team,
	})
	if err != nil {
		w.logger.Warn("skipping position: failed to build CoT event",
			zap.String("uid", p.UID), zap.Error(err))
		return queue.Event{}, false
	}

	return queue.Event{
		Entry: model.FromCotEvent(event),
		Lat:   p.Lat,
		Lon:   p.Lon,
	}, true
}
