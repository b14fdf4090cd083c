// Package queue implements the per-destination event queues and their
// device-state trackers: one bounded FIFO plus companion tracker per TAK
// server, enforcing overflow policy and per-device replacement.
//
// All mutation of a queue and its tracker is serialized behind one
// per-destination mutex. Blocking dequeue uses a sync.Cond rather than a
// busy-wait loop, with a watcher goroutine that wakes waiters on context
// cancellation since sync.Cond has no native context support.
package queue

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/trakbridge/trakbridge/internal/model"
)

// OverflowStrategy selects the behavior when a queue exceeds max_size.
type OverflowStrategy string

const (
	DropOldest OverflowStrategy = "drop_oldest"
	DropNewest OverflowStrategy = "drop_newest"
	Block      OverflowStrategy = "block"
)

// Config holds per-queue tunables.
type Config struct {
	MaxSize             int
	BatchSize           int
	OverflowStrategy    OverflowStrategy
	FlushOnConfigChange bool
	BatchTimeout        time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:             500,
		BatchSize:           8,
		OverflowStrategy:    DropOldest,
		FlushOnConfigChange: true,
		BatchTimeout:        100 * time.Millisecond,
	}
}

// Stats is the snapshot returned by Manager.Stats.
type Stats struct {
	Size                int
	EventsQueuedTotal   uint64
	EventsDroppedTotal  uint64
	EventsReplacedTotal uint64
	LastEnqueueTime     time.Time
}

// queueState is the per-destination mutable state guarded by mu.
type queueState struct {
	mu      sync.Mutex
	notEmpty *sync.Cond
	entries *list.List // of model.QueueEntry
	index   map[string]*list.Element
	tracker *Tracker
	cfg     Config
	closed  bool

	eventsQueuedTotal   uint64
	eventsDroppedTotal  uint64
	eventsReplacedTotal uint64
	lastEnqueueTime     time.Time
}

func newQueueState(cfg Config) *queueState {
	qs := &queueState{
		entries: list.New(),
		index:   make(map[string]*list.Element),
		tracker: NewTracker(),
		cfg:     cfg,
	}
	qs.notEmpty = sync.NewCond(&qs.mu)
	return qs
}

// Manager owns one bounded FIFO queue and one device-state tracker per
// destination server. The zero value is not usable; use NewManager.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*queueState
	cfg    Config
}

// NewManager returns a Manager whose queues all use cfg unless overridden
// per-destination via CreateQueueWithConfig.
func NewManager(cfg Config) *Manager {
	return &Manager{queues: make(map[string]*queueState), cfg: cfg}
}

// CreateQueue is idempotent: calling it for an already-created server_id
// is a no-op.
func (m *Manager) CreateQueue(serverID string) {
	m.CreateQueueWithConfig(serverID, m.cfg)
}

// CreateQueueWithConfig is CreateQueue with a per-destination config
// override.
func (m *Manager) CreateQueueWithConfig(serverID string, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues[serverID]; ok {
		return
	}
	m.queues[serverID] = newQueueState(cfg)
}

// DeleteQueue is idempotent; it drains waiting producers/consumers with a
// cancellation signal.
func (m *Manager) DeleteQueue(serverID string) {
	m.mu.Lock()
	qs, ok := m.queues[serverID]
	if ok {
		delete(m.queues, serverID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	qs.mu.Lock()
	qs.closed = true
	qs.notEmpty.Broadcast()
	qs.mu.Unlock()
}

func (m *Manager) get(serverID string) (*queueState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	qs, ok := m.queues[serverID]
	return qs, ok
}

// Event is what EnqueueWithReplacement accepts: the wire-ready QueueEntry
// plus the lat/lon the device-state tracker records, which the stored
// QueueEntry itself does not carry.
type Event struct {
	Entry model.QueueEntry
	Lat   float64
	Lon   float64
}

// EnqueueWithReplacement runs the admission pipeline for each event
// against the named destination's tracker and queue: stale events are
// dropped, an accepted event replaces any queued entry for the same uid,
// and the tracker is updated. It returns false if the destination has no
// queue (caller error), the context was cancelled while blocked on a full
// queue, or the queue was deleted (DeleteQueue) during the call.
func (m *Manager) EnqueueWithReplacement(ctx context.Context, events []Event, serverID string) bool {
	qs, ok := m.get(serverID)
	if !ok {
		return false
	}
	for _, e := range events {
		if !qs.enqueueOne(ctx, e) {
			if ctx.Err() != nil {
				return false
			}
			qs.mu.Lock()
			closed := qs.closed
			qs.mu.Unlock()
			if closed {
				return false
			}
			// event dropped (stale or drop_newest refusal); continue with the rest.
			continue
		}
	}
	return true
}

// enqueueOne admits, replaces, records, and applies overflow policy for a
// single entry.
func (qs *queueState) enqueueOne(ctx context.Context, e Event) bool {
	qs.mu.Lock()
	defer qs.mu.Unlock()

	uid, t := e.Entry.UID, e.Entry.EventTime

	if qs.closed {
		return false
	}
	// Stale: not strictly newer than the last accepted event for this uid.
	if !qs.tracker.ShouldAccept(uid, t) {
		qs.eventsDroppedTotal++
		return false
	}

	// Replacing an existing uid frees its own slot, so it never counts
	// against max_size; only a genuinely new uid can trigger overflow.
	_, isReplacement := qs.index[uid]
	if !isReplacement {
		if ok := qs.makeRoomFor(ctx, uid, t); !ok {
			return false
		}
	}

	// A device never has more than one entry waiting: any existing entry
	// for this uid is removed before the newer one is appended.
	if el, exists := qs.index[uid]; exists {
		qs.entries.Remove(el)
		delete(qs.index, uid)
		qs.eventsReplacedTotal++
	}
	el := qs.entries.PushBack(e.Entry)
	qs.index[uid] = el

	qs.tracker.Record(uid, t, e.Lat, e.Lon)

	qs.eventsQueuedTotal++
	qs.lastEnqueueTime = t
	qs.notEmpty.Broadcast()
	return true
}

// makeRoomFor applies the overflow strategy when admitting a
// genuinely new uid would push the queue past MaxSize. qs.mu must be held
// by the caller. It returns false if the event must be dropped (drop_newest
// refusal, or the wait was cancelled) and true once room exists (or the uid
// became a replacement candidate while waiting on Block).
func (qs *queueState) makeRoomFor(ctx context.Context, uid string, t time.Time) bool {
	for qs.entries.Len() >= qs.cfg.MaxSize {
		switch qs.cfg.OverflowStrategy {
		case DropNewest:
			qs.eventsDroppedTotal++
			return false
		case DropOldest:
			front := qs.entries.Front()
			if front != nil {
				entry := front.Value.(model.QueueEntry)
				delete(qs.index, entry.UID)
				qs.entries.Remove(front)
				qs.eventsDroppedTotal++
			}
		case Block:
			if ctx.Err() != nil {
				return false
			}
			waitCancelable(ctx, qs.notEmpty)
			if qs.closed {
				return false
			}
			// Re-check admission: state may have changed for this uid
			// while waiting.
			if !qs.tracker.ShouldAccept(uid, t) {
				qs.eventsDroppedTotal++
				return false
			}
			if _, isReplacement := qs.index[uid]; isReplacement {
				return true
			}
		}
	}
	return true
}

// waitCancelable blocks on cond.Wait, woken early if ctx is cancelled. cond's
// lock must be held by the caller, matching sync.Cond.Wait's contract.
// sync.Cond has no context support, so a one-shot watcher goroutine observes
// ctx.Done() and broadcasts to unblock every waiter.
func waitCancelable(ctx context.Context, cond *sync.Cond) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cond.L.Lock()
			cond.Broadcast()
			cond.L.Unlock()
		case <-done:
		}
	}()
	cond.Wait()
	close(done)
}

// DequeueBatch pops up to maxN entries in FIFO order, blocking (with
// cancellation) up to the queue's BatchTimeout for the first entry, then
// returning immediately with whatever else is available.
func (m *Manager) DequeueBatch(ctx context.Context, serverID string, maxN int) []model.QueueEntry {
	qs, ok := m.get(serverID)
	if !ok {
		return nil
	}

	qs.mu.Lock()
	defer qs.mu.Unlock()

	if qs.entries.Len() == 0 && !qs.closed {
		waitCtx, cancel := context.WithTimeout(ctx, qs.cfg.BatchTimeout)
		defer cancel()
		waitCancelable(waitCtx, qs.notEmpty)
	}

	out := make([]model.QueueEntry, 0, maxN)
	for len(out) < maxN {
		front := qs.entries.Front()
		if front == nil {
			break
		}
		entry := front.Value.(model.QueueEntry)
		qs.entries.Remove(front)
		delete(qs.index, entry.UID)
		out = append(out, entry)
	}
	// Wake both kinds of waiter on this single condition variable: consumers
	// wanting more entries, and Block producers wanting the room this
	// dequeue just freed.
	if len(out) > 0 {
		qs.notEmpty.Broadcast()
	}
	return out
}

// Flush drops all queued entries. If hardReset is true (a configuration
// change) the device-state tracker is reset too, so previously seen
// timestamps are accepted again.
func (m *Manager) Flush(serverID string, hardReset bool) {
	qs, ok := m.get(serverID)
	if !ok {
		return
	}
	qs.mu.Lock()
	defer qs.mu.Unlock()
	qs.entries.Init()
	qs.index = make(map[string]*list.Element)
	if hardReset {
		qs.tracker = NewTracker()
	}
}

// Stats returns a snapshot of the named destination's counters.
func (m *Manager) Stats(serverID string) Stats {
	qs, ok := m.get(serverID)
	if !ok {
		return Stats{}
	}
	qs.mu.Lock()
	defer qs.mu.Unlock()
	return Stats{
		Size:                qs.entries.Len(),
		EventsQueuedTotal:   qs.eventsQueuedTotal,
		EventsDroppedTotal:  qs.eventsDroppedTotal,
		EventsReplacedTotal: qs.eventsReplacedTotal,
		LastEnqueueTime:     qs.lastEnqueueTime,
	}
}

// Snapshot returns the UIDs currently queued for serverID, in FIFO
// order. Test/inspection helper.
func (m *Manager) Snapshot(serverID string) []string {
	qs, ok := m.get(serverID)
	if !ok {
		return nil
	}
	qs.mu.Lock()
	defer qs.mu.Unlock()
	out := make([]string, 0, qs.entries.Len())
	for el := qs.entries.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(model.QueueEntry).UID)
	}
	return out
}

// Config returns the effective Config for a destination, so callers like
// internal/transmit can size batches and write deadlines without the queue
// package needing to know about transport.
func (m *Manager) Config(serverID string) (Config, bool) {
	qs, ok := m.get(serverID)
	if !ok {
		return Config{}, false
	}
	qs.mu.Lock()
	defer qs.mu.Unlock()
	return qs.cfg, true
}

// RequeueFront re-inserts entries at the head of the destination's queue,
// preserving their relative order, for the transmission worker's
// write-failure recovery path under the block overflow strategy. An entry
// whose uid has already been superseded by a newer enqueue while the batch
// was in flight is dropped rather than clobbering the newer data.
func (m *Manager) RequeueFront(serverID string, entries []model.QueueEntry) {
	qs, ok := m.get(serverID)
	if !ok {
		return
	}
	qs.mu.Lock()
	defer qs.mu.Unlock()
	if qs.closed {
		return
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if _, exists := qs.index[e.UID]; exists {
			continue
		}
		el := qs.entries.PushFront(e)
		qs.index[e.UID] = el
	}
	qs.notEmpty.Broadcast()
}

// EvictStaleDevices runs Tracker.EvictOlderThan for the named
// destination, for the periodic eviction sweep.
func (m *Manager) EvictStaleDevices(serverID string, cutoff time.Time) []string {
	qs, ok := m.get(serverID)
	if !ok {
		return nil
	}
	qs.mu.Lock()
	defer qs.mu.Unlock()
	return qs.tracker.EvictOlderThan(cutoff)
}

// ServerIDs returns every destination with an active queue, for the
// orchestrator's eviction sweep and stats logger and the telemetry
// queue metrics.
func (m *Manager) ServerIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.queues))
	for id := range m.queues {
		out = append(out, id)
	}
	return out
}
