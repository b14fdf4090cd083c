// Package repository defines the abstract persisted-state interface
// TrakBridge's orchestrator reads from to build a reconciliation
// DesiredState: streams, TAK servers, and callsign mappings. The core
// never assumes a specific database — internal/repository/postgres and
// internal/repository/memory are the two concrete implementations, and
// internal/repository/cached decorates either with a read-through Redis
// cache.
package repository

import (
	"context"

	"github.com/trakbridge/trakbridge/internal/model"
)

// Store is the abstract interface cmd/trakbridge and cmd/trakbridgectl
// read reconciliation input from. Schema evolution is each concrete implementation's own
// concern, not this interface's.
type Store interface {
	// ListStreams returns every configured stream, enabled or not; the
	// orchestrator filters to Enabled==true itself.
	ListStreams(ctx context.Context) ([]model.StreamConfig, error)
	// ListServers returns every configured TAK server destination.
	ListServers(ctx context.Context) ([]model.ServerConfig, error)

	// SaveStream upserts a stream configuration, bumping RowVersion.
	SaveStream(ctx context.Context, s model.StreamConfig) (model.StreamConfig, error)
	// SaveServer upserts a TAK server configuration, bumping RowVersion.
	SaveServer(ctx context.Context, s model.ServerConfig) (model.ServerConfig, error)

	// DeleteStream removes a stream configuration. Idempotent.
	DeleteStream(ctx context.Context, id string) error
	// DeleteServer removes a TAK server configuration. Idempotent.
	DeleteServer(ctx context.Context, id string) error

	// ListCallsignMappings returns the callsign mapping table for one
	// stream, keyed by identifier value.
	ListCallsignMappings(ctx context.Context, streamID string) (map[string]model.CallsignMapping, error)
}
