// Package orchestrator implements reconciliation and lifecycle management:
// diffing desired stream/server configuration against the set of running
// workers, starting and stopping stream and transmission workers, flushing
// queues on configuration changes, and sweeping stale device state on a
// schedule.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/trakbridge/trakbridge/internal/eventbus"
	"github.com/trakbridge/trakbridge/internal/model"
	"github.com/trakbridge/trakbridge/internal/plugin"
	"github.com/trakbridge/trakbridge/internal/queue"
	"github.com/trakbridge/trakbridge/internal/stream"
	"github.com/trakbridge/trakbridge/internal/transmit"
)

// workerJoinDeadline bounds how long a stop waits for a worker goroutine
// to exit. The transmission drain deadline is enforced inside
// internal/transmit and is shorter.
const workerJoinDeadline = 10 * time.Second

// debounceWindow coalesces rapid reconciliation requests into one
// trailing-edge run.
const debounceWindow = 2 * time.Second

// defaultEvictionHorizon is the default device-state staleness horizon for
// the periodic eviction sweep.
const defaultEvictionHorizon = 24 * time.Hour

// DesiredState is the reconciliation input: the current set of enabled
// streams and configured servers, as read from the repository.
type DesiredState struct {
	Streams []model.StreamConfig
	Servers []model.ServerConfig
}

// SecretResolver dereferences stored secret references (sensitive plug-in
// config fields, TLS client material) into plaintext at worker-start time.
// The repository itself only ever holds ciphertext or a reference.
type SecretResolver interface {
	ResolvePluginConfig(cfg map[string]any, sensitiveFields []string) (map[string]any, error)
	ResolveTLSMaterial(path string) (certPEM, keyPEM, caPEM []byte, err error)
}

type streamHandle struct {
	cfg    model.StreamConfig
	worker *stream.Worker
	cancel context.CancelFunc
	done   chan struct{}
}

type serverHandle struct {
	cfg    model.ServerConfig
	worker *transmit.Worker
	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator owns every running stream and transmission worker and is
// the sole component that starts or stops one.
type Orchestrator struct {
	baseCtx  context.Context
	registry *plugin.Registry
	queues   *queue.Manager
	queueCfg queue.Config
	events   *eventbus.Publisher
	logger   *zap.Logger

	secrets            SecretResolver
	streamOpts         stream.Options
	queueCheckInterval time.Duration

	mu      sync.Mutex
	streams map[string]*streamHandle
	servers map[string]*serverHandle

	debounceMu     sync.Mutex
	debounceTimer  *time.Timer
	pendingDesired *DesiredState

	evictionCron    *cron.Cron
	evictionHorizon time.Duration
}

// New constructs an Orchestrator. baseCtx is the parent context for every
// worker goroutine it starts (typically the process's signal context); it
// is NOT the context of any single Reconcile call, since workers outlive
// that call.
func New(baseCtx context.Context, registry *plugin.Registry, queues *queue.Manager, queueCfg queue.Config, events *eventbus.Publisher, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		baseCtx:         baseCtx,
		registry:        registry,
		queues:          queues,
		queueCfg:        queueCfg,
		events:          events,
		logger:          logger,
		streamOpts:      stream.DefaultOptions(),
		streams:         make(map[string]*streamHandle),
		servers:         make(map[string]*serverHandle),
		evictionHorizon: defaultEvictionHorizon,
	}
}

// SetSecretResolver wires a resolver for stored secret references. With no
// resolver, configurations are used as stored. Call before the first
// Reconcile.
func (o *Orchestrator) SetSecretResolver(r SecretResolver) {
	o.secrets = r
}

// SetWorkerTuning overrides the CoT build options handed to new stream
// workers and the idle queue-check interval handed to new transmission
// workers. Call before the first Reconcile; running workers keep the
// tuning they started with.
func (o *Orchestrator) SetWorkerTuning(opts stream.Options, queueCheckInterval time.Duration) {
	o.streamOpts = opts
	o.queueCheckInterval = queueCheckInterval
}

// RequestReconcile debounces reconciliation: calls arriving within
// debounceWindow of each other coalesce into a single trailing-edge
// Reconcile of the most recently supplied desired state.
func (o *Orchestrator) RequestReconcile(desired DesiredState) {
	o.debounceMu.Lock()
	defer o.debounceMu.Unlock()

	o.pendingDesired = &desired
	if o.debounceTimer != nil {
		o.debounceTimer.Stop()
	}
	o.debounceTimer = time.AfterFunc(debounceWindow, func() {
		o.debounceMu.Lock()
		d := o.pendingDesired
		o.pendingDesired = nil
		o.debounceMu.Unlock()
		if d != nil {
			o.Reconcile(*d)
		}
	})
}

// Reconcile runs the full diff synchronously. It is itself serialized: a
// Reconcile call blocks until any in-progress call completes, rather than
// running concurrently against the same worker maps.
func (o *Orchestrator) Reconcile(desired DesiredState) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.stopRemovedOrModifiedStreams(desired.Streams)
	o.stopRemovedOrModifiedServers(desired.Servers)
	o.startOrRestartServers(desired.Servers)
	o.startOrRestartStreams(desired.Streams)
}

// Shutdown stops every running worker and the eviction sweep. Intended for
// process shutdown, after the top-level context has already been cancelled
// (worker goroutines will be exiting on their own; Shutdown waits for and
// accounts for that).
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, h := range o.streams {
		o.stopStream(id, h)
	}
	for id := range o.streams {
		delete(o.streams, id)
	}
	for id, h := range o.servers {
		o.stopServer(id, h)
	}
	for id := range o.servers {
		delete(o.servers, id)
	}
	o.StopEvictionSweep()
}

// --- streams ---

func (o *Orchestrator) stopRemovedOrModifiedStreams(desired []model.StreamConfig) {
	desiredByID := enabledStreamsByID(desired)
	for id, h := range o.streams {
		d, wantExists := desiredByID[id]
		if !wantExists {
			o.stopStream(id, h)
			delete(o.streams, id)
			o.flushDestinationsIfConfigured(h.cfg.Destinations, false)
			continue
		}
		if d.RowVersion != h.cfg.RowVersion {
			o.stopStream(id, h)
			delete(o.streams, id)
			o.flushDestinationsIfConfigured(d.Destinations, false)
		}
	}
}

func (o *Orchestrator) startOrRestartStreams(desired []model.StreamConfig) {
	for id, d := range enabledStreamsByID(desired) {
		if _, exists := o.streams[id]; exists {
			continue
		}
		o.startStream(d)
	}
}

func enabledStreamsByID(desired []model.StreamConfig) map[string]model.StreamConfig {
	out := make(map[string]model.StreamConfig, len(desired))
	for _, s := range desired {
		if s.Enabled {
			out[s.ID] = s
		}
	}
	return out
}

func (o *Orchestrator) startStream(d model.StreamConfig) {
	p, err := o.registry.Get(d.PluginType)
	if err != nil {
		o.logger.Error("cannot start stream worker: unknown plugin type",
			zap.String("stream_id", d.ID), zap.String("plugin_type", d.PluginType), zap.Error(err))
		o.events.StreamFailed(d.ID, err.Error())
		return
	}

	if o.secrets != nil {
		resolved, err := o.secrets.ResolvePluginConfig(d.PluginConfig, sensitiveFields(p))
		if err != nil {
			o.logger.Error("cannot start stream worker: secret resolution failed",
				zap.String("stream_id", d.ID), zap.Error(err))
			o.events.StreamFailed(d.ID, err.Error())
			return
		}
		d.PluginConfig = resolved
	}

	ctx, cancel := context.WithCancel(o.baseCtx)
	w := stream.NewWithOptions(d, p, o.queues, o.logger.With(zap.String("stream_id", d.ID)), o.streamOpts)
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	o.streams[d.ID] = &streamHandle{cfg: d, worker: w, cancel: cancel, done: done}
	o.events.StreamStarted(d.ID)
	o.logger.Info("stream worker started", zap.String("stream_id", d.ID), zap.String("plugin_type", d.PluginType))
}

// sensitiveFields lists the plug-in config fields declared Sensitive, the
// only ones a stored secret reference is ever dereferenced for.
func sensitiveFields(p plugin.Plugin) []string {
	var out []string
	for _, f := range p.Metadata().ConfigFields {
		if f.Sensitive {
			out = append(out, f.Name)
		}
	}
	return out
}

func (o *Orchestrator) stopStream(id string, h *streamHandle) {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(workerJoinDeadline):
		o.logger.Warn("stream worker did not stop within join deadline", zap.String("stream_id", id))
	}
	o.events.StreamStopped(id)
}

// --- servers ---

func (o *Orchestrator) stopRemovedOrModifiedServers(desired []model.ServerConfig) {
	desiredByID := make(map[string]model.ServerConfig, len(desired))
	for _, s := range desired {
		desiredByID[s.ID] = s
	}

	for id, h := range o.servers {
		d, wantExists := desiredByID[id]
		if !wantExists {
			o.stopServer(id, h)
			delete(o.servers, id)
			o.queues.DeleteQueue(id)
			continue
		}
		if d.RowVersion != h.cfg.RowVersion {
			o.stopServer(id, h)
			delete(o.servers, id)
			// The server's own identity changed (host/port/TLS material):
			// buffered XML may target the wrong endpoint, and the
			// device-state history is reset with it, unlike a stream-level
			// change which only invalidates queued entries.
			o.flushDestinationsIfConfigured([]string{id}, true)
		}
	}
}

func (o *Orchestrator) startOrRestartServers(desired []model.ServerConfig) {
	for _, d := range desired {
		if _, exists := o.servers[d.ID]; exists {
			continue
		}
		o.startServer(d)
	}
}

func (o *Orchestrator) startServer(d model.ServerConfig) {
	if o.secrets != nil && d.TLSMaterial != nil && d.TLSMaterial.VaultPath != "" {
		cert, key, ca, err := o.secrets.ResolveTLSMaterial(d.TLSMaterial.VaultPath)
		if err != nil {
			o.logger.Error("cannot start transmission worker: TLS material resolution failed",
				zap.String("server_id", d.ID), zap.Error(err))
			return
		}
		mat := *d.TLSMaterial
		mat.ClientCertPEM = cert
		mat.ClientKeyPEM = key
		mat.CACertPEM = ca
		d.TLSMaterial = &mat
	}

	o.queues.CreateQueueWithConfig(d.ID, o.queueCfg)

	ctx, cancel := context.WithCancel(o.baseCtx)
	w := transmit.New(d, o.queues, o.logger.With(zap.String("server_id", d.ID)))
	if o.queueCheckInterval > 0 {
		w.SetQueueCheckInterval(o.queueCheckInterval)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	go o.watchServerState(ctx, d.ID, w, done)

	o.servers[d.ID] = &serverHandle{cfg: d, worker: w, cancel: cancel, done: done}
	o.logger.Info("transmission worker started", zap.String("server_id", d.ID))
}

func (o *Orchestrator) stopServer(id string, h *serverHandle) {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(workerJoinDeadline):
		o.logger.Warn("transmission worker did not stop within join deadline", zap.String("server_id", id))
	}
}

// watchServerState polls a transmission worker's state machine and
// publishes connect/disconnect lifecycle events on transition.
func (o *Orchestrator) watchServerState(ctx context.Context, id string, w *transmit.Worker, done <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	last := transmit.Disconnected
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := w.State()
			if cur == last {
				continue
			}
			if cur == transmit.Connected {
				o.events.ServerConnected(id)
			} else if last == transmit.Connected {
				o.events.ServerDisconnected(id, "state: "+cur.String())
			}
			last = cur
		}
	}
}

func (o *Orchestrator) flushDestinationsIfConfigured(destinations []string, hardReset bool) {
	if !o.queueCfg.FlushOnConfigChange {
		return
	}
	for _, serverID := range destinations {
		o.queues.Flush(serverID, hardReset)
	}
}

// --- eviction sweep ---

// StartEvictionSweep starts the hourly device-state eviction sweep,
// evicting tracker entries older than horizon (0 uses
// defaultEvictionHorizon) from every active destination queue.
func (o *Orchestrator) StartEvictionSweep(horizon time.Duration) error {
	if horizon <= 0 {
		horizon = defaultEvictionHorizon
	}
	o.evictionHorizon = horizon
	o.evictionCron = cron.New()
	if _, err := o.evictionCron.AddFunc("@hourly", o.runEvictionSweep); err != nil {
		return err
	}
	o.evictionCron.Start()
	return nil
}

// StopEvictionSweep stops the eviction sweep, if running, waiting for any
// in-flight run to finish.
func (o *Orchestrator) StopEvictionSweep() {
	if o.evictionCron == nil {
		return
	}
	<-o.evictionCron.Stop().Done()
	o.evictionCron = nil
}

func (o *Orchestrator) runEvictionSweep() {
	cutoff := time.Now().UTC().Add(-o.evictionHorizon)
	for _, id := range o.queues.ServerIDs() {
		evicted := o.queues.EvictStaleDevices(id, cutoff)
		if len(evicted) > 0 {
			o.logger.Info("evicted stale device state",
				zap.String("server_id", id), zap.Int("count", len(evicted)))
		}
	}
}

// --- stats logging ---

// StartStatsLogger logs every destination queue's statistics on interval,
// at WARN once a queue's size reaches warnThreshold and at DEBUG below it.
// It runs until the orchestrator's base context is cancelled.
func (o *Orchestrator) StartStatsLogger(interval time.Duration, warnThreshold int) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-o.baseCtx.Done():
				return
			case <-ticker.C:
				o.logQueueStats(warnThreshold)
			}
		}
	}()
}

func (o *Orchestrator) logQueueStats(warnThreshold int) {
	for _, id := range o.queues.ServerIDs() {
		st := o.queues.Stats(id)
		fields := []zap.Field{
			zap.String("server_id", id),
			zap.Int("size", st.Size),
			zap.Uint64("queued_total", st.EventsQueuedTotal),
			zap.Uint64("dropped_total", st.EventsDroppedTotal),
			zap.Uint64("replaced_total", st.EventsReplacedTotal),
		}
		if warnThreshold > 0 && st.Size >= warnThreshold {
			o.logger.Warn("destination queue near capacity", fields...)
			continue
		}
		o.logger.Debug("destination queue stats", fields...)
	}
}

// ServerState reports the current transmission worker state for a running
// destination server. ok is false if no transmission worker is currently
// running for serverID.
func (o *Orchestrator) ServerState(serverID string) (transmit.State, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.servers[serverID]
	if !ok {
		return 0, false
	}
	return h.worker.State(), true
}
