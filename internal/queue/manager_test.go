package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trakbridge/trakbridge/internal/model"
)

func entry(uid string, t time.Time) Event {
	return Event{Entry: model.QueueEntry{UID: uid, EventTime: t, XML: []byte("<event/>")}}
}

// Three destinations receiving the same event each queue and track it
// independently.
func TestThreeDestinationsSameEvent(t *testing.T) {
	m := NewManager(DefaultConfig())
	for _, s := range []string{"S1", "S2", "S3"} {
		m.CreateQueue(s)
	}
	t0 := time.Now().UTC()
	e := entry("d1", t0)

	for _, s := range []string{"S1", "S2", "S3"} {
		require.True(t, m.EnqueueWithReplacement(context.Background(), []Event{e}, s))
		assert.Equal(t, []string{"d1"}, m.Snapshot(s))
		assert.Equal(t, 1, m.Stats(s).Size)
	}
}

// A newer event for the same uid replaces the queued entry in place.
func TestReplacement(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.CreateQueue("S1")
	t0 := time.Now().UTC()

	require.True(t, m.EnqueueWithReplacement(context.Background(), []Event{entry("d1", t0)}, "S1"))
	require.True(t, m.EnqueueWithReplacement(context.Background(), []Event{entry("d1", t0.Add(10*time.Second))}, "S1"))

	assert.Equal(t, 1, m.Stats("S1").Size)
	batch := m.DequeueBatch(context.Background(), "S1", 10)
	require.Len(t, batch, 1)
	assert.True(t, batch[0].EventTime.Equal(t0.Add(10*time.Second)))
}

// An event older than the last accepted one for its uid is dropped.
func TestStaleRejection(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.CreateQueue("S1")
	t0 := time.Now().UTC()

	require.True(t, m.EnqueueWithReplacement(context.Background(), []Event{entry("d1", t0.Add(10*time.Second))}, "S1"))
	require.True(t, m.EnqueueWithReplacement(context.Background(), []Event{entry("d1", t0)}, "S1"))

	batch := m.DequeueBatch(context.Background(), "S1", 10)
	require.Len(t, batch, 1)
	assert.True(t, batch[0].EventTime.Equal(t0.Add(10*time.Second)))
}

// At capacity under drop_oldest, the head entry is evicted to admit the
// new one.
func TestOverflowDropOldest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 3
	m := NewManager(cfg)
	m.CreateQueue("S1")
	t0 := time.Now().UTC()

	for _, uid := range []string{"a", "b", "c", "d"} {
		require.True(t, m.EnqueueWithReplacement(context.Background(), []Event{entry(uid, t0)}, "S1"))
	}

	assert.Equal(t, []string{"b", "c", "d"}, m.Snapshot("S1"))
}

// Accepting an event on one destination never affects the admit decision
// on another.
func TestCrossDestinationIndependence(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.CreateQueue("S1")
	m.CreateQueue("S2")
	t0 := time.Now().UTC()

	require.True(t, m.EnqueueWithReplacement(context.Background(), []Event{entry("d1", t0)}, "S1"))
	require.True(t, m.EnqueueWithReplacement(context.Background(), []Event{entry("d1", t0)}, "S2"))

	assert.Equal(t, 1, m.Stats("S1").Size)
	assert.Equal(t, 1, m.Stats("S2").Size)
}

// A 300 distinct-uid batch is queued in full with no drops and drains
// completely.
func TestDeepstateBatch(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.CreateQueue("S1")
	t0 := time.Now().UTC()

	events := make([]Event, 300)
	for i := range events {
		events[i] = entry(uidForIndex(i), t0)
	}
	require.True(t, m.EnqueueWithReplacement(context.Background(), events, "S1"))

	stats := m.Stats("S1")
	assert.EqualValues(t, 300, stats.EventsQueuedTotal)
	assert.EqualValues(t, 0, stats.EventsDroppedTotal)

	transmitted := 0
	for {
		batch := m.DequeueBatch(context.Background(), "S1", 8)
		if len(batch) == 0 {
			break
		}
		transmitted += len(batch)
	}
	assert.Equal(t, 300, transmitted)
}

func uidForIndex(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	return string(letters[i%len(letters)]) + string(rune('A'+i/len(letters)))
}

func TestEmptyBatch_NoStateMutation(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.CreateQueue("S1")
	require.True(t, m.EnqueueWithReplacement(context.Background(), nil, "S1"))
	assert.Equal(t, 0, m.Stats("S1").Size)
}

func TestDropNewest_RefusesWithoutMutatingTracker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 1
	cfg.OverflowStrategy = DropNewest
	m := NewManager(cfg)
	m.CreateQueue("S1")
	t0 := time.Now().UTC()

	require.True(t, m.EnqueueWithReplacement(context.Background(), []Event{entry("a", t0)}, "S1"))
	require.True(t, m.EnqueueWithReplacement(context.Background(), []Event{entry("b", t0)}, "S1"))

	assert.Equal(t, []string{"a"}, m.Snapshot("S1"))
	assert.EqualValues(t, 1, m.Stats("S1").EventsDroppedTotal)

	// The refused "b" was never recorded, so once a slot frees up the same
	// timestamp is accepted rather than rejected as stale.
	require.Len(t, m.DequeueBatch(context.Background(), "S1", 1), 1)
	require.True(t, m.EnqueueWithReplacement(context.Background(), []Event{entry("b", t0)}, "S1"))
	assert.Equal(t, []string{"b"}, m.Snapshot("S1"))
}

func TestBlock_UnblocksOnContextCancellation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 1
	cfg.OverflowStrategy = Block
	m := NewManager(cfg)
	m.CreateQueue("S1")
	t0 := time.Now().UTC()
	require.True(t, m.EnqueueWithReplacement(context.Background(), []Event{entry("a", t0)}, "S1"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	ok := m.EnqueueWithReplacement(ctx, []Event{entry("b", t0)}, "S1")
	assert.False(t, ok)
}

func TestBlock_UnblocksWhenSpaceFreedByDequeue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 1
	cfg.OverflowStrategy = Block
	m := NewManager(cfg)
	m.CreateQueue("S1")
	t0 := time.Now().UTC()
	require.True(t, m.EnqueueWithReplacement(context.Background(), []Event{entry("a", t0)}, "S1"))

	done := make(chan bool, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- m.EnqueueWithReplacement(ctx, []Event{entry("b", t0)}, "S1")
	}()

	time.Sleep(50 * time.Millisecond)
	batch := m.DequeueBatch(context.Background(), "S1", 1)
	require.Len(t, batch, 1)

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue never unblocked after dequeue freed space")
	}
	assert.Equal(t, []string{"b"}, m.Snapshot("S1"))
}

func TestFlush_DropsEntries_HardResetClearsTracker(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.CreateQueue("S1")
	t0 := time.Now().UTC()
	require.True(t, m.EnqueueWithReplacement(context.Background(), []Event{entry("a", t0)}, "S1"))

	m.Flush("S1", true)
	assert.Equal(t, 0, m.Stats("S1").Size)

	// Tracker was hard-reset, so the same timestamp is accepted again.
	require.True(t, m.EnqueueWithReplacement(context.Background(), []Event{entry("a", t0)}, "S1"))
	assert.Equal(t, 1, m.Stats("S1").Size)
}

func TestDeleteQueue_UnblocksWaitingProducer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 1
	cfg.OverflowStrategy = Block
	m := NewManager(cfg)
	m.CreateQueue("S1")
	t0 := time.Now().UTC()
	require.True(t, m.EnqueueWithReplacement(context.Background(), []Event{entry("a", t0)}, "S1"))

	done := make(chan bool, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- m.EnqueueWithReplacement(ctx, []Event{entry("b", t0)}, "S1")
	}()

	time.Sleep(50 * time.Millisecond)
	m.DeleteQueue("S1")

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue never unblocked after DeleteQueue")
	}
}
