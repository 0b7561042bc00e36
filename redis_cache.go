package ratewise

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCacheConfig configures a RedisCache.
type RedisCacheConfig struct {
	Addr     string
	Password string
	DB       int

	// Namespace prefixes every key; defaults to "ratewise".
	Namespace string

	// TTL is the default entry TTL; defaults to 300s.
	TTL time.Duration

	// OpTimeout bounds each Redis round trip; defaults to 2s.
	OpTimeout time.Duration
}

type redisEntry struct {
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	StoredAt   time.Time   `json:"stored_at"`
	TTL        int64       `json:"ttl_ns"`
	ETag       string      `json:"etag,omitempty"`
}

// RedisCache is a drop-in Cache backed by Redis. Expiry is delegated to the
// server, capacity to the server's eviction policy; hit/miss counters are
// tracked locally. Operations degrade to misses on connectivity errors so a
// cache outage never fails a request.
type RedisCache struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
	opTimeout time.Duration

	hits    atomic.Uint64
	misses  atomic.Uint64
	sets    atomic.Uint64
	deletes atomic.Uint64
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache creates a Redis-backed cache.
func NewRedisCache(config RedisCacheConfig) *RedisCache {
	if config.Namespace == "" {
		config.Namespace = "ratewise"
	}
	if config.TTL <= 0 {
		config.TTL = 300 * time.Second
	}
	if config.OpTimeout <= 0 {
		config.OpTimeout = 2 * time.Second
	}

	return &RedisCache{
		client: redis.NewClient(&redis.Options{
			Addr:     config.Addr,
			Password: config.Password,
			DB:       config.DB,
		}),
		namespace: config.Namespace,
		ttl:       config.TTL,
		opTimeout: config.OpTimeout,
	}
}

func (c *RedisCache) makeKey(key string) string {
	return c.namespace + ":" + key
}

func (c *RedisCache) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.opTimeout)
}

// Get implements Cache.
func (c *RedisCache) Get(key string) (*CacheEntry, bool) {
	ctx, cancel := c.opContext()
	defer cancel()

	raw, err := c.client.Get(ctx, c.makeKey(key)).Bytes()
	if err != nil {
		c.misses.Add(1)
		return nil, false
	}

	var stored redisEntry
	if err := json.Unmarshal(raw, &stored); err != nil {
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return &CacheEntry{
		Value: &Response{
			StatusCode: stored.StatusCode,
			Header:     stored.Header,
			Body:       stored.Body,
		},
		StoredAt: stored.StoredAt,
		TTL:      time.Duration(stored.TTL),
		ETag:     stored.ETag,
	}, true
}

// Set implements Cache. Entries are JSON-encoded; the TTL is enforced
// server-side.
func (c *RedisCache) Set(key string, entry *CacheEntry, ttl time.Duration) {
	if entry == nil || entry.Value == nil {
		return
	}
	if ttl == 0 {
		ttl = c.ttl
	}

	storedAt := entry.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}

	raw, err := json.Marshal(redisEntry{
		StatusCode: entry.Value.StatusCode,
		Header:     entry.Value.Header,
		Body:       entry.Value.Body,
		StoredAt:   storedAt,
		TTL:        int64(ttl),
		ETag:       entry.ETag,
	})
	if err != nil {
		return
	}

	ctx, cancel := c.opContext()
	defer cancel()

	if err := c.client.Set(ctx, c.makeKey(key), raw, ttl).Err(); err == nil {
		c.sets.Add(1)
	}
}

// Delete implements Cache.
func (c *RedisCache) Delete(key string) {
	ctx, cancel := c.opContext()
	defer cancel()

	if n, err := c.client.Del(ctx, c.makeKey(key)).Result(); err == nil && n > 0 {
		c.deletes.Add(1)
	}
}

// Exists implements Cache.
func (c *RedisCache) Exists(key string) bool {
	ctx, cancel := c.opContext()
	defer cancel()

	n, err := c.client.Exists(ctx, c.makeKey(key)).Result()
	return err == nil && n > 0
}

// Clear removes every key in the namespace using cursor-based SCAN.
func (c *RedisCache) Clear() {
	ctx, cancel := c.opContext()
	defer cancel()

	var cursor uint64
	pattern := c.namespace + ":*"
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return
		}
		if len(keys) > 0 {
			_ = c.client.Del(ctx, keys...).Err()
		}
		if next == 0 {
			return
		}
		cursor = next
	}
}

// Stats implements Cache.
func (c *RedisCache) Stats() CacheStats {
	stats := CacheStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Sets:    c.sets.Load(),
		Deletes: c.deletes.Load(),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// Ping verifies connectivity to the Redis server.
func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return errors.Join(errors.New("ratewise: redis cache unreachable"), err)
	}
	return nil
}

// Close releases the underlying Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
