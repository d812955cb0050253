// Package cache is the redis-backed read cache for capacity snapshots.
// Entries are advisory: a miss or a redis failure falls back to a live
// computation, and bed changes evict the affected snapshots.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dataclinica/bedflow/internal/domain/bed"
)

const DefaultTTL = 15 * time.Second

// store is the subset of *redis.Client the cache uses.
type store interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type Redis struct {
	rdb    store
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func New(rdb store, ttl time.Duration, logger zerolog.Logger) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{
		rdb:    rdb,
		prefix: "bedflow:",
		ttl:    ttl,
		logger: logger.With().Str("component", "snapshot_cache").Logger(),
	}
}

// GetJSON decodes the cached value into v. A missing key is (false, nil).
func (r *Redis) GetJSON(ctx context.Context, key string, v interface{}) (bool, error) {
	raw, err := r.rdb.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return true, nil
}

func (r *Redis) SetJSON(ctx context.Context, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, r.prefix+key, raw, r.ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.prefix + k
	}
	return r.rdb.Del(ctx, full...).Err()
}

// BedChanged evicts the department and hospital-wide snapshots.
func (r *Redis) BedChanged(ctx context.Context, ch bed.Change) {
	if err := r.Delete(ctx, "capacity:"+ch.DepartmentID, "capacity:_all"); err != nil {
		r.logger.Warn().Err(err).Str("department_id", ch.DepartmentID).Msg("snapshot eviction failed")
	}
}
