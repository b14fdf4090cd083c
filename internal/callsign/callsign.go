// Package callsign applies per-stream identity mapping to a batch of
// positions: renaming devices and attaching team-member metadata, and
// dropping positions whose mapped entry is disabled.
//
// Most of the logic lives behind the optional plugin.CallsignMapper
// capability — a plug-in knows best how to extract its own identifier
// field, e.g. Garmin's IMEI buried in ExtendedData. Apply also provides a
// generic fallback, keyed off Position.Extra, so mapping works for
// plug-ins that do not implement the capability.
package callsign

import (
	"github.com/trakbridge/trakbridge/internal/model"
	"github.com/trakbridge/trakbridge/internal/plugin"
)

// Apply renames/filters positions according to the stream's callsign
// mapping configuration. If mapping is disabled it returns positions
// unchanged. If the plug-in implements plugin.CallsignMapper, that
// implementation is used; otherwise Apply falls back to a generic
// Position.Extra[field] / Position.UID lookup.
func Apply(p plugin.Plugin, positions []model.Position, cfg model.StreamConfig) []model.Position {
	if !cfg.EnableCallsignMapping || len(cfg.CallsignMappings) == 0 {
		return positions
	}

	if mapper, ok := p.(plugin.CallsignMapper); ok {
		return mapper.ApplyCallsignMapping(positions, cfg.CallsignIdentifierField, cfg.CallsignMappings)
	}

	return applyGeneric(positions, cfg.CallsignIdentifierField, cfg.CallsignMappings)
}

func applyGeneric(positions []model.Position, field string, mapping map[string]model.CallsignMapping) []model.Position {
	out := positions[:0]
	for _, pos := range positions {
		identifier := genericIdentifier(pos, field)
		m, found := mapping[identifier]
		if !found {
			out = append(out, pos)
			continue
		}
		if !m.Enabled {
			continue
		}
		pos.Name = m.Callsign
		pos = WithMappingMetadata(pos, m)
		out = append(out, pos)
	}
	return out
}

// WithMappingMetadata copies a matched CallsignMapping's cot-type override
// and team color/role onto pos.Extra, so internal/stream's CoT builder can
// read them without re-deriving the mapping lookup (which is keyed by the
// plug-in's chosen identifier field, not by Position.UID). Plug-ins that
// implement plugin.CallsignMapper themselves (e.g. internal/plugin/garmin)
// call this too, so both paths produce identically-shaped positions.
func WithMappingMetadata(pos model.Position, m model.CallsignMapping) model.Position {
	if m.CotTypeOverride == "" && m.TeamColor == "" && m.TeamRole == "" {
		return pos
	}
	extra := make(map[string]any, len(pos.Extra)+3)
	for k, v := range pos.Extra {
		extra[k] = v
	}
	if m.CotTypeOverride != "" {
		extra[model.ExtraCotTypeOverrideKey] = m.CotTypeOverride
	}
	if m.TeamColor != "" {
		extra[model.ExtraTeamColorKey] = m.TeamColor
	}
	if m.TeamRole != "" {
		extra[model.ExtraTeamRoleKey] = m.TeamRole
	}
	pos.Extra = extra
	return pos
}

func genericIdentifier(pos model.Position, field string) string {
	if field == "" || field == "uid" {
		return pos.UID
	}
	if field == "name" {
		return pos.Name
	}
	if v, ok := pos.Extra[field]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
