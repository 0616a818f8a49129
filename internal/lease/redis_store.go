package lease

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-client/internal/model"
)

// RedisStore backs the lease with a Redis shared by every agent process
// on one kiosk. Records carry a TTL of twice the stale timeout so a
// crashed fleet leaves nothing behind even without an explicit release.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore connects to Redis at the given URL and validates the
// connection.
func NewRedisStore(ctx context.Context, redisURL string, staleTimeout time.Duration, log zerolog.Logger) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	rdb := redis.NewClient(opt)

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	log.Info().
		Str("addr", opt.Addr).
		Int("db", opt.DB).
		Msg("Redis lease store connected")

	return &RedisStore{rdb: rdb, ttl: 2 * staleTimeout}, nil
}

func leaseKey(attemptID uuid.UUID) string {
	return fmt.Sprintf("attempt:%s:tab_lease", attemptID)
}

func (s *RedisStore) Get(ctx context.Context, attemptID uuid.UUID) (*model.TabLease, error) {
	raw, err := s.rdb.Get(ctx, leaseKey(attemptID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lease: %w", err)
	}

	var l model.TabLease
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		return nil, fmt.Errorf("decode lease: %w", err)
	}
	return &l, nil
}

func (s *RedisStore) Put(ctx context.Context, attemptID uuid.UUID, lease model.TabLease) error {
	data, err := json.Marshal(lease)
	if err != nil {
		return fmt.Errorf("encode lease: %w", err)
	}
	if err := s.rdb.Set(ctx, leaseKey(attemptID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("put lease: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, attemptID uuid.UUID) error {
	if err := s.rdb.Del(ctx, leaseKey(attemptID)).Err(); err != nil {
		return fmt.Errorf("delete lease: %w", err)
	}
	return nil
}

// Close releases the underlying Redis connection.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
