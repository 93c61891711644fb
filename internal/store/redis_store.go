package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/weiawesome/wes-io-live/relation-service/internal/domain"
)

const (
	statsKeyPrefix  = "social:stats:"
	hotKeyScoresKey = "social:hotkey:scores"

	fieldFollowers = "followers"
	fieldFollowing = "following"
	fieldPosts     = "posts"
	fieldGen       = "gen"
)

// CounterCache is a read-through cache of counter rows plus hot key tracking.
// It is never the source of truth: a miss or error falls back to the database.
//
// Writers never patch cached values. They invalidate, which stamps the entry
// with a fresh generation. A reader that missed gets the generation current
// at the time of the miss and may only fill the entry while it is unchanged,
// so a snapshot read before a commit can never land after that commit's
// invalidation.
type CounterCache interface {
	// GetStats returns the cached counter, or nil and a fill token on a miss.
	GetStats(ctx context.Context, entityID string) (*domain.Counter, string, error)
	// FillStats stores counter if the entry still carries token. It reports
	// whether the value was stored.
	FillStats(ctx context.Context, counter *domain.Counter, token string) (bool, error)
	Invalidate(ctx context.Context, entityIDs ...string) error
	RecordAccess(ctx context.Context, entityID string) error
	GetTopHotKeys(ctx context.Context, n int64) ([]string, error)
	ResetHotKeyScores(ctx context.Context) error
	Close() error
}

// RedisCounterCache implements CounterCache backed by Redis hashes.
type RedisCounterCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCounterCache creates a new Redis-backed counter cache.
func NewRedisCounterCache(address, password string, db int, ttl time.Duration) (*RedisCounterCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCounterCache{client: client, ttl: ttl}, nil
}

func statsKey(entityID string) string {
	return statsKeyPrefix + entityID
}

// GetStats returns (counter, "", nil) on a hit and (nil, token, nil) on a miss.
func (s *RedisCounterCache) GetStats(ctx context.Context, entityID string) (*domain.Counter, string, error) {
	vals, err := s.client.HGetAll(ctx, statsKey(entityID)).Result()
	if err != nil {
		return nil, "", fmt.Errorf("redis get stats: %w", err)
	}

	c := &domain.Counter{EntityID: entityID}
	for field, dst := range map[string]*int64{
		fieldFollowers: &c.FollowersCount,
		fieldFollowing: &c.FollowingCount,
		fieldPosts:     &c.PostsCount,
	} {
		raw, ok := vals[field]
		if !ok {
			// Missing or invalidated entry.
			return nil, vals[fieldGen], nil
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("parse stats %s: %w", field, err)
		}
		*dst = n
	}
	return c, "", nil
}

// fillScript writes the counters only if the generation still matches the
// token handed out on the miss. A missing generation matches "".
var fillScript = redis.NewScript(`
local gen = redis.call("HGET", KEYS[1], "gen")
if not gen then gen = "" end
if gen ~= ARGV[1] then
  return 0
end
redis.call("HSET", KEYS[1], "followers", ARGV[2], "following", ARGV[3], "posts", ARGV[4])
if tonumber(ARGV[5]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[5])
end
return 1
`)

// FillStats stores counter unless the entry was invalidated after token was issued.
func (s *RedisCounterCache) FillStats(ctx context.Context, counter *domain.Counter, token string) (bool, error) {
	n, err := fillScript.Run(ctx, s.client, []string{statsKey(counter.EntityID)},
		token, counter.FollowersCount, counter.FollowingCount, counter.PostsCount, s.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis fill stats: %w", err)
	}
	return n == 1, nil
}

// invalidateScript drops the cached counters and stamps a new generation,
// keeping the tombstone alive for one TTL so late fills still see it.
var invalidateScript = redis.NewScript(`
for _, key in ipairs(KEYS) do
  redis.call("HDEL", key, "followers", "following", "posts")
  redis.call("HSET", key, "gen", ARGV[1])
  if tonumber(ARGV[2]) > 0 then
    redis.call("PEXPIRE", key, ARGV[2])
  end
end
return #KEYS
`)

// Invalidate drops cached counters for the given entities.
func (s *RedisCounterCache) Invalidate(ctx context.Context, entityIDs ...string) error {
	if len(entityIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(entityIDs))
	for _, id := range entityIDs {
		keys = append(keys, statsKey(id))
	}
	err := invalidateScript.Run(ctx, s.client, keys, uuid.NewString(), s.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("redis invalidate stats: %w", err)
	}
	return nil
}

// RecordAccess increments the access score for an entity in the hot key sorted set.
func (s *RedisCounterCache) RecordAccess(ctx context.Context, entityID string) error {
	err := s.client.ZIncrBy(ctx, hotKeyScoresKey, 1, entityID).Err()
	if err != nil {
		return fmt.Errorf("redis record access: %w", err)
	}
	return nil
}

// GetTopHotKeys returns the top-n most accessed entity IDs.
func (s *RedisCounterCache) GetTopHotKeys(ctx context.Context, n int64) ([]string, error) {
	keys, err := s.client.ZRevRange(ctx, hotKeyScoresKey, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get top hot keys: %w", err)
	}
	return keys, nil
}

// ResetHotKeyScores deletes the hot key scores sorted set.
func (s *RedisCounterCache) ResetHotKeyScores(ctx context.Context) error {
	err := s.client.Del(ctx, hotKeyScoresKey).Err()
	if err != nil {
		return fmt.Errorf("redis reset hot key scores: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisCounterCache) Close() error {
	return s.client.Close()
}

// NoopCounterCache is used when Redis is not configured; every read misses.
type NoopCounterCache struct{}

func (NoopCounterCache) GetStats(context.Context, string) (*domain.Counter, string, error) {
	return nil, "", nil
}
func (NoopCounterCache) FillStats(context.Context, *domain.Counter, string) (bool, error) {
	return false, nil
}
func (NoopCounterCache) Invalidate(context.Context, ...string) error            { return nil }
func (NoopCounterCache) RecordAccess(context.Context, string) error             { return nil }
func (NoopCounterCache) GetTopHotKeys(context.Context, int64) ([]string, error) { return nil, nil }
func (NoopCounterCache) ResetHotKeyScores(context.Context) error                { return nil }
func (NoopCounterCache) Close() error                                           { return nil }

// Ensure interface is satisfied at compile time.
var (
	_ CounterCache = (*RedisCounterCache)(nil)
	_ CounterCache = NoopCounterCache{}
)
