package queue

import (
	"time"

	"github.com/trakbridge/trakbridge/internal/model"
)

// Tracker is a pure mapping from device uid to its last-accepted
// (timestamp, lat, lon), used to reject stale events and to decide
// replacement eligibility. One Tracker exists per destination server and
// is owned exclusively by that destination's Manager, never shared across
// destinations: two destinations receiving the same event reach
// independent admit decisions.
//
// Tracker itself does no locking; its Manager serializes all access behind
// the destination's single per-server lock.
type Tracker struct {
	states map[string]model.DeviceState
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{states: make(map[string]model.DeviceState)}
}

// ShouldAccept reports whether an event for uid at time t should be
// admitted: true iff no entry exists for uid yet, or t is strictly newer
// than the stored timestamp. Equal timestamps are rejected as duplicates.
func (tr *Tracker) ShouldAccept(uid string, t time.Time) bool {
	existing, ok := tr.states[uid]
	if !ok {
		return true
	}
	return t.After(existing.LastTime)
}

// Record stores the (timestamp, lat, lon) for uid, overwriting any prior
// entry. Callers must only call Record after a corresponding ShouldAccept
// returned true.
func (tr *Tracker) Record(uid string, t time.Time, lat, lon float64) {
	tr.states[uid] = model.DeviceState{LastTime: t, LastLat: lat, LastLon: lon}
}

// EvictOlderThan removes every entry whose LastTime is older than
// cutoff and returns the evicted uids, for the periodic eviction sweep.
func (tr *Tracker) EvictOlderThan(cutoff time.Time) []string {
	var evicted []string
	for uid, st := range tr.states {
		if st.LastTime.Before(cutoff) {
			delete(tr.states, uid)
			evicted = append(evicted, uid)
		}
	}
	return evicted
}

// Len reports the number of tracked devices.
func (tr *Tracker) Len() int { return len(tr.states) }
