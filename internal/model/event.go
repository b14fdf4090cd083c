package model

import "time"

// CotEvent is an immutable, already-serialized CoT XML event plus the two
// fields extracted once at construction time.
type CotEvent struct {
	UID       string
	EventTime time.Time
	XML       []byte
}

// QueueEntry is what a destination queue actually stores. It is a thin
// alias of the fields a CotEvent already carries; kept distinct so the
// queue package does not need to know about CoT construction.
type QueueEntry struct {
	UID       string
	EventTime time.Time
	XML       []byte
}

// FromCotEvent builds a QueueEntry from a constructed CoT event.
func FromCotEvent(e CotEvent) QueueEntry {
	return QueueEntry{UID: e.UID, EventTime: e.EventTime, XML: e.XML}
}

// DeviceState is the per-(destination,uid) last-accepted position record
// used by the device-state tracker to admit or reject events.
type DeviceState struct {
	LastTime time.Time
	LastLat  float64
	LastLon  float64
}
