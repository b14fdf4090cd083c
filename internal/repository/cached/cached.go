// Package cached decorates a repository.Store with a read-through Redis
// cache of the two list operations reconciliation hits every cycle,
// invalidated on every mutating call. A Redis miss or error degrades to
// the origin store; it never fails the request.
package cached

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/trakbridge/trakbridge/internal/model"
	"github.com/trakbridge/trakbridge/internal/repository"
)

// ttl is deliberately short: writes through this decorator invalidate the
// list keys, so a stale Redis entry (from a write that bypassed it) is
// served for at most ttl.
const ttl = 30 * time.Second

const (
	streamsKey = "trakbridge:repo:streams"
	serversKey = "trakbridge:repo:servers"
)

// Store decorates an origin repository.Store with Redis caching of the two
// list operations the orchestrator calls every reconciliation
// (ListStreams, ListServers). Single-entity writes (Save*/Delete*) pass
// straight through to origin and invalidate the relevant list cache key;
// ListCallsignMappings passes straight through uncached.
type Store struct {
	origin repository.Store
	redis  *redis.Client
	logger *zap.Logger
}

// New wraps origin with a Redis cache.
func New(origin repository.Store, rdb *redis.Client, logger *zap.Logger) *Store {
	return &Store{origin: origin, redis: rdb, logger: logger}
}

func (s *Store) ListStreams(ctx context.Context) ([]model.StreamConfig, error) {
	var cached []model.StreamConfig
	if s.getCached(ctx, streamsKey, &cached) {
		return cached, nil
	}
	streams, err := s.origin.ListStreams(ctx)
	if err != nil {
		return nil, err
	}
	s.setCached(ctx, streamsKey, streams)
	return streams, nil
}

func (s *Store) ListServers(ctx context.Context) ([]model.ServerConfig, error) {
	var cached []model.ServerConfig
	if s.getCached(ctx, serversKey, &cached) {
		return cached, nil
	}
	servers, err := s.origin.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	s.setCached(ctx, serversKey, servers)
	return servers, nil
}

func (s *Store) SaveStream(ctx context.Context, cfg model.StreamConfig) (model.StreamConfig, error) {
	saved, err := s.origin.SaveStream(ctx, cfg)
	if err == nil {
		s.invalidate(ctx, streamsKey)
	}
	return saved, err
}

func (s *Store) SaveServer(ctx context.Context, cfg model.ServerConfig) (model.ServerConfig, error) {
	saved, err := s.origin.SaveServer(ctx, cfg)
	if err == nil {
		s.invalidate(ctx, serversKey)
	}
	return saved, err
}

func (s *Store) DeleteStream(ctx context.Context, id string) error {
	err := s.origin.DeleteStream(ctx, id)
	if err == nil {
		s.invalidate(ctx, streamsKey)
	}
	return err
}

func (s *Store) DeleteServer(ctx context.Context, id string) error {
	err := s.origin.DeleteServer(ctx, id)
	if err == nil {
		s.invalidate(ctx, serversKey)
	}
	return err
}

func (s *Store) ListCallsignMappings(ctx context.Context, streamID string) (map[string]model.CallsignMapping, error) {
	return s.origin.ListCallsignMappings(ctx, streamID)
}

func (s *Store) getCached(ctx context.Context, key string, dest any) bool {
	val, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.logger.Warn("cached repository: redis GET failed, falling back to origin", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(val, dest); err != nil {
		s.logger.Warn("cached repository: corrupt cache entry, falling back to origin", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (s *Store) setCached(ctx context.Context, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, key, data, ttl).Err(); err != nil {
		s.logger.Warn("cached repository: redis SET failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *Store) invalidate(ctx context.Context, key string) {
	if err := s.redis.Del(ctx, key).Err(); err != nil {
		s.logger.Warn("cached repository: redis DEL failed", zap.String("key", key), zap.Error(err))
	}
}

// ContentHash is a deterministic hash of a value, exposed for callers
// (internal/config's hot-reload diff) that want the same "marshal, hash,
// compare" change detection without going through Redis at all.
func ContentHash(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("cached: hash: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
