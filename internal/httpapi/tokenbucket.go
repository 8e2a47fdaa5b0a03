package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// bucket is a single client's token-bucket state: capacity tokens, refilled
// continuously at refillRate tokens/second, consumed one per request.
type bucket struct {
	mu        sync.Mutex
	tokens    float64
	lastFill  time.Time
}

// TokenBucketConfig configures the per-client rate limiter.
type TokenBucketConfig struct {
	// RatePerMinute is both the bucket capacity and the steady-state refill
	// rate: a client can burst up to RatePerMinute requests, then sustain
	// one every 60/RatePerMinute seconds.
	RatePerMinute int
	// CleanupInterval is how often idle client buckets are purged. Defaults
	// to 5 minutes.
	CleanupInterval time.Duration
}

// TokenBucketLimiter implements a per-client token-bucket rate limiter,
// the continuous-refill sibling of the teacher's sliding-window limiter:
// same per-key state map and background cleanup goroutine shape, different
// admission algorithm, because the external interface calls for token-bucket
// semantics specifically.
type TokenBucketLimiter struct {
	capacity    float64
	refillRate  float64 // tokens per second
	buckets     sync.Map // map[string]*bucket
	nowFunc     func() time.Time
	stopCh      chan struct{}
}

// NewTokenBucketLimiter creates a limiter and starts its background cleanup
// goroutine.
func NewTokenBucketLimiter(cfg TokenBucketConfig) *TokenBucketLimiter {
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	rate := float64(cfg.RatePerMinute)
	if rate <= 0 {
		rate = 30
	}
	l := &TokenBucketLimiter{
		capacity:   rate,
		refillRate: rate / 60.0,
		nowFunc:    time.Now,
		stopCh:     make(chan struct{}),
	}
	go l.cleanup(cfg.CleanupInterval)
	return l
}

// Stop halts the background cleanup goroutine.
func (l *TokenBucketLimiter) Stop() {
	close(l.stopCh)
}

func (l *TokenBucketLimiter) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			now := l.nowFunc()
			l.buckets.Range(func(key, value any) bool {
				b := value.(*bucket)
				b.mu.Lock()
				idle := now.Sub(b.lastFill) > interval
				b.mu.Unlock()
				if idle {
					l.buckets.Delete(key)
				}
				return true
			})
		}
	}
}

// Allow reports whether key (typically the client IP or request ID) may
// proceed, refilling its bucket for the elapsed time since its last request
// first. On denial it also returns the number of whole seconds until one
// token becomes available.
func (l *TokenBucketLimiter) Allow(key string) (bool, int) {
	now := l.nowFunc()
	val, _ := l.buckets.LoadOrStore(key, &bucket{tokens: l.capacity, lastFill: now})
	b := val.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * l.refillRate
	if b.tokens > l.capacity {
		b.tokens = l.capacity
	}
	b.lastFill = now

	if b.tokens < 1 {
		deficit := 1 - b.tokens
		retryAfter := int(deficit/l.refillRate) + 1
		return false, retryAfter
	}
	b.tokens--
	return true, 0
}

// RateLimit returns chi-compatible middleware enforcing l against the
// client's remote address.
func RateLimit(l *TokenBucketLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientKey(r)
			allowed, retryAfter := l.Allow(key)
			if !allowed {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(errorBody{
					Success: false,
					Error:   errorDetail{Code: "RATE_LIMITED", Message: "rate limit exceeded"},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
