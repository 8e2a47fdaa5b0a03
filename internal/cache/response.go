package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/climate-resilient/query-pipeline/internal/pipeline"
)

// ResponseCache is the language-scoped Redis-backed cache of whole Answers
// (C13). Key: q:<lang>:<sha256(lower(strip(query_text)))>; TTL ~ 3600s.
//
// It pings Redis once, at startup; on failure it marks itself disabled for
// the life of the process and the caller proceeds without a cache. Get and
// Set do not ping again, and a disabled cache is never re-enabled; an error
// during Get or Set is logged and treated as a miss. A miss or cache error
// never fails the request.
type ResponseCache struct {
	client   *redis.Client
	ttl      time.Duration
	disabled bool
}

// NewResponseCache dials addr/db and returns a cache that degrades to a
// no-op if Redis is unreachable.
func NewResponseCache(addr string, db int, ttl time.Duration) *ResponseCache {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	rc := &ResponseCache{client: client, ttl: ttl}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Warn("[CACHE] health check failed, disabling response cache", "err", err)
		rc.disabled = true
	}
	return rc
}

// Key builds the cache key for a (language, query) pair. It is independent
// of conversation history so identical queries are guaranteed deterministic
// repeats within TTL.
func Key(lang, query string) string {
	normalized := strings.ToLower(strings.TrimSpace(query))
	sum := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("q:%s:%s", lang, hex.EncodeToString(sum[:]))
}

// Get returns a cached Answer for (lang, query), or ok=false on miss,
// disable, or error. Errors are logged and swallowed, never surfaced to the
// caller.
func (rc *ResponseCache) Get(ctx context.Context, lang, query string) (pipeline.Answer, bool) {
	if rc.disabled {
		return pipeline.Answer{}, false
	}
	key := Key(lang, query)
	raw, err := rc.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("[CACHE] get failed, bypassing", "key", key, "err", err)
		}
		return pipeline.Answer{}, false
	}

	var cached pipeline.CachedAnswer
	if err := json.Unmarshal(raw, &cached); err != nil {
		slog.Warn("[CACHE] corrupt entry, bypassing", "key", key, "err", err)
		return pipeline.Answer{}, false
	}
	slog.Info("[CACHE] hit", "key", key)
	return cached.Answer, true
}

// Set stores answer for (lang, query) with the cache's TTL. Errors are
// logged and swallowed.
func (rc *ResponseCache) Set(ctx context.Context, lang, query string, answer pipeline.Answer) {
	if rc.disabled {
		return
	}
	key := Key(lang, query)
	cached := pipeline.CachedAnswer{Answer: answer, CachedAt: time.Now(), LanguageCode: lang}
	raw, err := json.Marshal(cached)
	if err != nil {
		slog.Warn("[CACHE] marshal failed, not caching", "key", key, "err", err)
		return
	}
	if err := rc.client.Set(ctx, key, raw, rc.ttl).Err(); err != nil {
		slog.Warn("[CACHE] set failed", "key", key, "err", err)
	}
}

// Disabled reports whether the cache failed its health check and is
// bypassing all operations.
func (rc *ResponseCache) Disabled() bool {
	return rc.disabled
}

// HealthCheck pings Redis for the readiness endpoint. A disabled cache is
// reported healthy here since the service runs correctly without it; this
// check exists to surface operator-visible degradation, not to gate
// traffic.
func (rc *ResponseCache) HealthCheck(ctx context.Context) error {
	if rc.disabled {
		return nil
	}
	return rc.client.Ping(ctx).Err()
}

// Close releases the underlying Redis connection pool.
func (rc *ResponseCache) Close() error {
	return rc.client.Close()
}
