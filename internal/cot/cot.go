// Package cot builds Cursor-on-Target XML events from normalized Position
// records.
//
// The layout is byte-exact on purpose: TAK servers parse a streaming feed
// of raw XML elements with no length-prefixing, so well-formedness,
// attribute ordering, and fixed decimal precision matter more than
// idiomatic XML-library round-tripping. Events are built with
// strings.Builder rather than encoding/xml, which guarantees neither.
package cot

import (
	"fmt"
	"strings"
	"time"

	"github.com/trakbridge/trakbridge/internal/model"
)

const isoLayout = "2006-01-02T15:04:05Z"

// defaultHAE and friends are the "unknown" sentinels fixed by the wire
// format.
const (
	defaultHAE = 0.0
	defaultCE  = 9999999.0
	defaultLE  = 9999999.0
)

// TeamMember carries the optional team-member metadata attached by
// callsign mapping.
type TeamMember struct {
	Color string
	Role  string
}

// BuildOptions carries the per-event inputs that are not already on
// Position: the resolved type string, the stale horizon, and optional
// team-member metadata.
type BuildOptions struct {
	Type          string
	StaleSeconds  int
	TeamMember    *TeamMember
	CallsignOverride string // if set, used as <contact callsign=...> instead of Position.Name
}

// Build renders a Position into the canonical CoT XML event and returns
// the immutable CotEvent carrying the cached uid/time fields.
//
// Build returns an error when the Position fails model.Position.Validate
// or when opts.Type is empty; it never errors otherwise.
func Build(p model.Position, opts BuildOptions) (model.CotEvent, error) {
	if err := p.Validate(); err != nil {
		return model.CotEvent{}, fmt.Errorf("cot: %w", err)
	}
	if opts.Type == "" {
		return model.CotEvent{}, fmt.Errorf("cot: empty event type for uid %s", p.UID)
	}
	stale := opts.StaleSeconds
	if stale <= 0 {
		stale = 120
	}

	t := p.Timestamp.UTC()
	tISO := t.Format(isoLayout)
	staleISO := t.Add(time.Duration(stale) * time.Second).Format(isoLayout)

	hae := defaultHAE
	if p.Altitude != nil {
		hae = *p.Altitude
	}

	callsign := p.Name
	if opts.CallsignOverride != "" {
		callsign = opts.CallsignOverride
	}

	var b strings.Builder
	fmt.Fprintf(&b, `<event version="2.0" uid="%s" type="%s" how="m-g" time="%s" start="%s" stale="%s">`,
		escape(p.UID), escape(opts.Type), tISO, tISO, staleISO)
	fmt.Fprintf(&b, `<point lat="%.8f" lon="%.8f" hae="%.2f" ce="%.1f" le="%.1f"/>`,
		p.Lat, p.Lon, hae, defaultCE, defaultLE)
	b.WriteString(`<detail>`)
	fmt.Fprintf(&b, `<contact callsign="%s"/>`, escape(callsign))

	if p.SpeedMPS != nil || p.CourseDeg != nil {
		speed := 0.0
		if p.SpeedMPS != nil {
			speed = *p.SpeedMPS
		}
		course := 0.0
		if p.CourseDeg != nil {
			course = *p.CourseDeg
		}
		fmt.Fprintf(&b, `<track speed="%.2f" course="%.2f"/>`, speed, course)
	}

	if opts.TeamMember != nil {
		fmt.Fprintf(&b, `<__group name="%s" role="%s"/>`, escape(opts.TeamMember.Color), escape(opts.TeamMember.Role))
	}

	if p.Description != "" {
		fmt.Fprintf(&b, `<remarks>%s</remarks>`, escape(p.Description))
	}

	b.WriteString(`</detail></event>`)

	return model.CotEvent{
		UID:       p.UID,
		EventTime: t,
		XML:       []byte(b.String()),
	}, nil
}

// escape performs the minimal XML attribute/text escaping needed for
// provider-supplied free text (callsigns, remarks) to stay well-formed.
func escape(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
	)
	return r.Replace(s)
}
