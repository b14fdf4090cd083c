package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTracker_ShouldAccept_FirstEventAlwaysAccepted(t *testing.T) {
	tr := NewTracker()
	assert.True(t, tr.ShouldAccept("d1", time.Now()))
}

func TestTracker_ShouldAccept_StrictlyNewerOnly(t *testing.T) {
	tr := NewTracker()
	t0 := time.Now()
	tr.Record("d1", t0, 1, 1)

	assert.False(t, tr.ShouldAccept("d1", t0), "equal timestamp must be rejected as duplicate")
	assert.False(t, tr.ShouldAccept("d1", t0.Add(-time.Second)))
	assert.True(t, tr.ShouldAccept("d1", t0.Add(time.Second)))
}

func TestTracker_EvictOlderThan(t *testing.T) {
	tr := NewTracker()
	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()
	tr.Record("stale-1", old, 0, 0)
	tr.Record("fresh-1", recent, 0, 0)

	evicted := tr.EvictOlderThan(time.Now().Add(-24 * time.Hour))
	assert.Equal(t, []string{"stale-1"}, evicted)
	assert.Equal(t, 1, tr.Len())
}
