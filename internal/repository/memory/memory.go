// Package memory is an in-process repository.Store implementation used by
// tests and by trakbridgectl when no database is configured. The Store is
// small and stateful enough that a real (if volatile) implementation is
// more useful than a per-call expectation mock.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/trakbridge/trakbridge/internal/model"
)

// Store is a goroutine-safe, in-memory repository.Store.
type Store struct {
	mu       sync.Mutex
	streams  map[string]model.StreamConfig
	servers  map[string]model.ServerConfig
	nextRow  int64
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		streams: make(map[string]model.StreamConfig),
		servers: make(map[string]model.ServerConfig),
	}
}

func (s *Store) ListStreams(_ context.Context) ([]model.StreamConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.StreamConfig, 0, len(s.streams))
	for _, v := range s.streams {
		out = append(out, v)
	}
	return out, nil
}

func (s *Store) ListServers(_ context.Context) ([]model.ServerConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ServerConfig, 0, len(s.servers))
	for _, v := range s.servers {
		out = append(out, v)
	}
	return out, nil
}

func (s *Store) SaveStream(_ context.Context, cfg model.StreamConfig) (model.StreamConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.ID == "" {
		return model.StreamConfig{}, fmt.Errorf("memory: stream id is required")
	}
	s.nextRow++
	cfg.RowVersion = s.nextRow
	cfg.UpdatedAt = time.Now().UTC()
	s.streams[cfg.ID] = cfg
	return cfg, nil
}

func (s *Store) SaveServer(_ context.Context, cfg model.ServerConfig) (model.ServerConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.ID == "" {
		return model.ServerConfig{}, fmt.Errorf("memory: server id is required")
	}
	s.nextRow++
	cfg.RowVersion = s.nextRow
	cfg.UpdatedAt = time.Now().UTC()
	s.servers[cfg.ID] = cfg
	return cfg, nil
}

func (s *Store) DeleteStream(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, id)
	return nil
}

func (s *Store) DeleteServer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.servers, id)
	return nil
}

func (s *Store) ListCallsignMappings(_ context.Context, streamID string) (map[string]model.CallsignMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.streams[streamID]
	if !ok {
		return nil, fmt.Errorf("memory: unknown stream %q", streamID)
	}
	out := make(map[string]model.CallsignMapping, len(cfg.CallsignMappings))
	for k, v := range cfg.CallsignMappings {
		out[k] = v
	}
	return out, nil
}
