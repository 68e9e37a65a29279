// Package cache provides the Redis-backed cache layer: query result caching
// scoped to the requesting principal, embedding caching keyed by content, and
// the revoked-token blacklist, with hit/miss accounting for each namespace.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

const (
	queryPrefix     = "query:"
	embeddingPrefix = "embedding:"
	blacklistPrefix = "token_blacklist:"
	statsKey        = "cache_stats"

	// NamespaceQuery and friends are the stats-field and metrics-label names.
	NamespaceQuery     = "query"
	NamespaceEmbedding = "embedding"
	NamespaceBlacklist = "token_blacklist"

	// DefaultQueryTTL bounds how long a cached search result can outlive the
	// corpus state it was computed from.
	DefaultQueryTTL = time.Hour
	// DefaultEmbeddingTTL is long: an embedding only depends on the text.
	DefaultEmbeddingTTL = 24 * time.Hour

	invalidateScanCount = 200
)

var cacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "docquery_cache_requests_total",
	Help: "Cache lookups partitioned by namespace and outcome.",
}, []string{"namespace", "result"})

// Cache wraps a Redis client with the namespaced operations the search,
// embedding and auth layers need. All lookups fail open: a Redis outage
// degrades to cache misses (and to accepting tokens), never to errors
// surfaced to the request path.
type Cache struct {
	client *redis.Client
	logger *log.Logger

	queryTTL     time.Duration
	embeddingTTL time.Duration
}

// Option configures a Cache.
type Option func(*Cache)

// WithQueryTTL overrides the query-result TTL.
func WithQueryTTL(d time.Duration) Option {
	return func(c *Cache) { c.queryTTL = d }
}

// WithEmbeddingTTL overrides the embedding TTL.
func WithEmbeddingTTL(d time.Duration) Option {
	return func(c *Cache) { c.embeddingTTL = d }
}

// New builds a Cache on an existing Redis client.
func New(client *redis.Client, logger *log.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = log.New(log.Writer(), "[CACHE] ", log.LstdFlags)
	}
	c := &Cache{
		client:       client,
		logger:       logger,
		queryTTL:     DefaultQueryTTL,
		embeddingTTL: DefaultEmbeddingTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ping reports whether Redis is reachable.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// QueryKey derives the cache key for one search request. The principal id
// lives outside the digest so that per-principal invalidation can match keys
// with a glob; everything that changes the result set goes into the digest.
func (c *Cache) QueryKey(principalID int64, query string, k int, mode string, alpha float64) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s|%g", query, k, mode, alpha)))
	return fmt.Sprintf("%su%d:%s", queryPrefix, principalID, hex.EncodeToString(h[:]))
}

// GetQuery returns the cached payload for key, or ok=false on a miss.
func (c *Cache) GetQuery(ctx context.Context, key string) ([]byte, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Printf("warn: query cache get: %v", err)
		}
		c.recordMiss(ctx, NamespaceQuery)
		return nil, false
	}
	c.recordHit(ctx, NamespaceQuery)
	return data, true
}

// SetQuery stores a serialized search result under key.
func (c *Cache) SetQuery(ctx context.Context, key string, payload []byte) {
	if err := c.client.Set(ctx, key, payload, c.queryTTL).Err(); err != nil {
		c.logger.Printf("warn: query cache set: %v", err)
	}
}

// InvalidateQueries deletes every cached query result belonging to the
// principal and returns the number of keys removed. Results cached for other
// principals are untouched.
func (c *Cache) InvalidateQueries(ctx context.Context, principalID int64) (int, error) {
	deleted, err := c.deleteByPattern(ctx, fmt.Sprintf("%su%d:*", queryPrefix, principalID))
	if err != nil {
		return deleted, err
	}
	if deleted > 0 {
		c.logger.Printf("invalidated %d cached queries for principal %d", deleted, principalID)
	}
	return deleted, nil
}

// Clear drops every query and embedding entry. Blacklisted tokens are kept so
// revocation survives a cache flush.
func (c *Cache) Clear(ctx context.Context) (int, error) {
	total := 0
	for _, pattern := range []string{queryPrefix + "*", embeddingPrefix + "*"} {
		n, err := c.deleteByPattern(ctx, pattern)
		total += n
		if err != nil {
			return total, err
		}
	}
	c.logger.Printf("cleared %d cached entries", total)
	return total, nil
}

func (c *Cache) deleteByPattern(ctx context.Context, pattern string) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, invalidateScanCount).Result()
		if err != nil {
			return deleted, fmt.Errorf("scan %q: %w", pattern, err)
		}
		if len(keys) > 0 {
			n, err := c.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("delete keys for %q: %w", pattern, err)
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return deleted, nil
}

func embeddingKey(text string) string {
	h := sha256.Sum256([]byte(text))
	return embeddingPrefix + hex.EncodeToString(h[:])
}

// GetEmbedding returns the cached embedding for text, or ok=false on a miss.
func (c *Cache) GetEmbedding(ctx context.Context, text string) ([]float32, bool) {
	data, err := c.client.Get(ctx, embeddingKey(text)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Printf("warn: embedding cache get: %v", err)
		}
		c.recordMiss(ctx, NamespaceEmbedding)
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		c.logger.Printf("warn: embedding cache decode: %v", err)
		c.recordMiss(ctx, NamespaceEmbedding)
		return nil, false
	}
	c.recordHit(ctx, NamespaceEmbedding)
	return vec, true
}

// SetEmbedding caches the embedding for text.
func (c *Cache) SetEmbedding(ctx context.Context, text string, vec []float32) {
	data, err := json.Marshal(vec)
	if err != nil {
		c.logger.Printf("warn: embedding cache encode: %v", err)
		return
	}
	if err := c.client.Set(ctx, embeddingKey(text), data, c.embeddingTTL).Err(); err != nil {
		c.logger.Printf("warn: embedding cache set: %v", err)
	}
}

func blacklistKey(token string) string {
	h := sha256.Sum256([]byte(token))
	return blacklistPrefix + hex.EncodeToString(h[:])
}

// BlacklistToken marks a token as revoked for ttl, which should be the
// token's remaining validity so the entry expires with the token itself.
func (c *Cache) BlacklistToken(ctx context.Context, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := c.client.Set(ctx, blacklistKey(token), "1", ttl).Err(); err != nil {
		return fmt.Errorf("blacklist token: %w", err)
	}
	return nil
}

// IsTokenBlacklisted reports whether the token has been revoked. A Redis
// failure is treated as not blacklisted so an outage cannot lock everyone
// out; revocation is best-effort defence, signature checks are the gate.
func (c *Cache) IsTokenBlacklisted(ctx context.Context, token string) bool {
	n, err := c.client.Exists(ctx, blacklistKey(token)).Result()
	if err != nil {
		c.logger.Printf("warn: blacklist check: %v", err)
		c.recordMiss(ctx, NamespaceBlacklist)
		return false
	}
	if n > 0 {
		c.recordHit(ctx, NamespaceBlacklist)
		return true
	}
	c.recordMiss(ctx, NamespaceBlacklist)
	return false
}

// Stats returns the per-namespace hit and miss counters accumulated in Redis.
type Stats struct {
	Hits   map[string]int64 `json:"hits"`
	Misses map[string]int64 `json:"misses"`
}

// Stats reads the accumulated counters. Counters survive process restarts;
// ResetStats clears them.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	fields, err := c.client.HGetAll(ctx, statsKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("read cache stats: %w", err)
	}
	st := Stats{Hits: map[string]int64{}, Misses: map[string]int64{}}
	for field, raw := range fields {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		if ns, ok := strings.CutSuffix(field, "_hits"); ok {
			st.Hits[ns] = n
		} else if ns, ok := strings.CutSuffix(field, "_misses"); ok {
			st.Misses[ns] = n
		}
	}
	return st, nil
}

// ResetStats zeroes the hit/miss counters.
func (c *Cache) ResetStats(ctx context.Context) error {
	if err := c.client.Del(ctx, statsKey).Err(); err != nil {
		return fmt.Errorf("reset cache stats: %w", err)
	}
	return nil
}

func (c *Cache) recordHit(ctx context.Context, namespace string) {
	cacheRequests.WithLabelValues(namespace, "hit").Inc()
	if err := c.client.HIncrBy(ctx, statsKey, namespace+"_hits", 1).Err(); err != nil {
		c.logger.Printf("warn: cache stats: %v", err)
	}
}

func (c *Cache) recordMiss(ctx context.Context, namespace string) {
	cacheRequests.WithLabelValues(namespace, "miss").Inc()
	if err := c.client.HIncrBy(ctx, statsKey, namespace+"_misses", 1).Err(); err != nil {
		c.logger.Printf("warn: cache stats: %v", err)
	}
}
