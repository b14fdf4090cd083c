// Package postgres implements repository.Store over Postgres using
// jackc/pgx/v5's pgxpool directly, with hand-written SQL. Pool
// construction (pgxpool.ParseConfig + otelpgx.NewTracer() for trace
// propagation into spans) lives in cmd/trakbridge/main.go; this package
// only consumes an already-connected *pgxpool.Pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trakbridge/trakbridge/internal/model"
)

// Store implements repository.Store over Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-connected pool. Callers construct the pool with
// otelpgx.NewTracer() attached.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const selectStreamsSQL = `
SELECT id, name, plugin_type, plugin_config, poll_interval_seconds,
       cot_type_default, cot_stale_seconds, cot_type_mode, destinations,
       enable_callsign_mapping, callsign_identifier_field, callsign_mappings,
       enabled, row_version, updated_at
FROM streams`

func (s *Store) ListStreams(ctx context.Context) ([]model.StreamConfig, error) {
	rows, err := s.pool.Query(ctx, selectStreamsSQL)
	if err != nil {
		return nil, fmt.Errorf("postgres: list streams: %w", err)
	}
	defer rows.Close()

	var out []model.StreamConfig
	for rows.Next() {
		cfg, err := scanStream(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan stream: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func scanStream(row pgx.Rows) (model.StreamConfig, error) {
	var (
		cfg                model.StreamConfig
		pluginConfigJSON   []byte
		callsignMapJSON    []byte
		cotTypeMode        string
	)
	err := row.Scan(
		&cfg.ID, &cfg.Name, &cfg.PluginType, &pluginConfigJSON, &cfg.PollIntervalSeconds,
		&cfg.CotTypeDefault, &cfg.CotStaleSeconds, &cotTypeMode, &cfg.Destinations,
		&cfg.EnableCallsignMapping, &cfg.CallsignIdentifierField, &callsignMapJSON,
		&cfg.Enabled, &cfg.RowVersion, &cfg.UpdatedAt,
	)
	if err != nil {
		return model.StreamConfig{}, err
	}
	cfg.CotTypeMode = model.CotTypeMode(cotTypeMode)
	if len(pluginConfigJSON) > 0 {
		if err := json.Unmarshal(pluginConfigJSON, &cfg.PluginConfig); err != nil {
			return model.StreamConfig{}, fmt.Errorf("unmarshal plugin_config: %w", err)
		}
	}
	if len(callsignMapJSON) > 0 {
		if err := json.Unmarshal(callsignMapJSON, &cfg.CallsignMappings); err != nil {
			return model.StreamConfig{}, fmt.Errorf("unmarshal callsign_mappings: %w", err)
		}
	}
	return cfg, nil
}

const selectServersSQL = `
SELECT id, name, host, port, protocol, tls_material, row_version, updated_at
FROM tak_servers`

func (s *Store) ListServers(ctx context.Context) ([]model.ServerConfig, error) {
	rows, err := s.pool.Query(ctx, selectServersSQL)
	if err != nil {
		return nil, fmt.Errorf("postgres: list servers: %w", err)
	}
	defer rows.Close()

	var out []model.ServerConfig
	for rows.Next() {
		cfg, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan server: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func scanServer(row pgx.Rows) (model.ServerConfig, error) {
	var (
		cfg          model.ServerConfig
		protocol     string
		tlsMaterial  []byte
	)
	if err := row.Scan(&cfg.ID, &cfg.Name, &cfg.Host, &cfg.Port, &protocol, &tlsMaterial, &cfg.RowVersion, &cfg.UpdatedAt); err != nil {
		return model.ServerConfig{}, err
	}
	cfg.Protocol = model.Protocol(protocol)
	if len(tlsMaterial) > 0 {
		var mat model.TLSMaterial
		if err := json.Unmarshal(tlsMaterial, &mat); err != nil {
			return model.ServerConfig{}, fmt.Errorf("unmarshal tls_material: %w", err)
		}
		cfg.TLSMaterial = &mat
	}
	return cfg, nil
}

const upsertStreamSQL = `
INSERT INTO streams (id, name, plugin_type, plugin_config, poll_interval_seconds,
                      cot_type_default, cot_stale_seconds, cot_type_mode, destinations,
                      enable_callsign_mapping, callsign_identifier_field, callsign_mappings,
                      enabled, row_version, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1, now())
ON CONFLICT (id) DO UPDATE SET
  name = EXCLUDED.name,
  plugin_type = EXCLUDED.plugin_type,
  plugin_config = EXCLUDED.plugin_config,
  poll_interval_seconds = EXCLUDED.poll_interval_seconds,
  cot_type_default = EXCLUDED.cot_type_default,
  cot_stale_seconds = EXCLUDED.cot_stale_seconds,
  cot_type_mode = EXCLUDED.cot_type_mode,
  destinations = EXCLUDED.destinations,
  enable_callsign_mapping = EXCLUDED.enable_callsign_mapping,
  callsign_identifier_field = EXCLUDED.callsign_identifier_field,
  callsign_mappings = EXCLUDED.callsign_mappings,
  enabled = EXCLUDED.enabled,
  row_version = streams.row_version + 1,
  updated_at = now()
RETURNING row_version, updated_at`

func (s *Store) SaveStream(ctx context.Context, cfg model.StreamConfig) (model.StreamConfig, error) {
	pluginConfigJSON, err := json.Marshal(cfg.PluginConfig)
	if err != nil {
		return model.StreamConfig{}, fmt.Errorf("postgres: marshal plugin_config: %w", err)
	}
	callsignMapJSON, err := json.Marshal(cfg.CallsignMappings)
	if err != nil {
		return model.StreamConfig{}, fmt.Errorf("postgres: marshal callsign_mappings: %w", err)
	}

	row := s.pool.QueryRow(ctx, upsertStreamSQL,
		cfg.ID, cfg.Name, cfg.PluginType, pluginConfigJSON, cfg.PollIntervalSeconds,
		cfg.CotTypeDefault, cfg.CotStaleSeconds, string(cfg.CotTypeMode), cfg.Destinations,
		cfg.EnableCallsignMapping, cfg.CallsignIdentifierField, callsignMapJSON,
		cfg.Enabled,
	)
	if err := row.Scan(&cfg.RowVersion, &cfg.UpdatedAt); err != nil {
		return model.StreamConfig{}, fmt.Errorf("postgres: save stream %s: %w", cfg.ID, err)
	}
	return cfg, nil
}

const upsertServerSQL = `
INSERT INTO tak_servers (id, name, host, port, protocol, tls_material, row_version, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, 1, now())
ON CONFLICT (id) DO UPDATE SET
  name = EXCLUDED.name,
  host = EXCLUDED.host,
  port = EXCLUDED.port,
  protocol = EXCLUDED.protocol,
  tls_material = EXCLUDED.tls_material,
  row_version = tak_servers.row_version + 1,
  updated_at = now()
RETURNING row_version, updated_at`

func (s *Store) SaveServer(ctx context.Context, cfg model.ServerConfig) (model.ServerConfig, error) {
	var tlsMaterialJSON []byte
	if cfg.TLSMaterial != nil {
		var err error
		tlsMaterialJSON, err = json.Marshal(cfg.TLSMaterial)
		if err != nil {
			return model.ServerConfig{}, fmt.Errorf("postgres: marshal tls_material: %w", err)
		}
	}

	row := s.pool.QueryRow(ctx, upsertServerSQL,
		cfg.ID, cfg.Name, cfg.Host, cfg.Port, string(cfg.Protocol), tlsMaterialJSON,
	)
	if err := row.Scan(&cfg.RowVersion, &cfg.UpdatedAt); err != nil {
		return model.ServerConfig{}, fmt.Errorf("postgres: save server %s: %w", cfg.ID, err)
	}
	return cfg, nil
}

func (s *Store) DeleteStream(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM streams WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete stream %s: %w", id, err)
	}
	return nil
}

func (s *Store) DeleteServer(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM tak_servers WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete server %s: %w", id, err)
	}
	return nil
}

func (s *Store) ListCallsignMappings(ctx context.Context, streamID string) (map[string]model.CallsignMapping, error) {
	row := s.pool.QueryRow(ctx, `SELECT callsign_mappings FROM streams WHERE id = $1`, streamID)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		return nil, fmt.Errorf("postgres: list callsign mappings for %s: %w", streamID, err)
	}
	mappings := make(map[string]model.CallsignMapping)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &mappings); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal callsign_mappings: %w", err)
		}
	}
	return mappings, nil
}
