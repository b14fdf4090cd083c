// Package model defines the data types shared across the TrakBridge event
// pipeline: provider positions, stream/server configuration, CoT events,
// queue entries, and device-state records.
package model

import (
	"fmt"
	"math"
	"time"
)

// Position is a single normalized location reading returned by a provider
// plug-in. Plug-ins must not retain a reference to a Position after
// returning it from Fetch.
type Position struct {
	UID          string
	Name         string
	Lat          float64
	Lon          float64
	Timestamp    time.Time
	Altitude     *float64
	SpeedMPS     *float64
	CourseDeg    *float64
	Description  string
	CotTypeHint  string
	Extra        map[string]any
}

// Validate checks the Position invariants from the data model: latitude and
// longitude ranges (NaN rejected), a non-empty UID, and a non-zero
// timestamp.
func (p Position) Validate() error {
	if p.UID == "" {
		return fmt.Errorf("position: empty uid")
	}
	if math.IsNaN(p.Lat) || p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("position %s: latitude %f out of range", p.UID, p.Lat)
	}
	if math.IsNaN(p.Lon) || p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("position %s: longitude %f out of range", p.UID, p.Lon)
	}
	if p.Timestamp.IsZero() {
		return fmt.Errorf("position %s: missing timestamp", p.UID)
	}
	return nil
}
