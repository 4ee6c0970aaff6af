package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/ABLab/pkg/errors"
	"github.com/turtacn/ABLab/pkg/types/common"
)

// RateLimiter decides whether a request identified by key may proceed.
type RateLimiter interface {
	Allow(key string) (bool, RateLimitInfo)
}

// RateLimitInfo is the bucket state reported alongside each decision.
type RateLimitInfo struct {
	// Limit is the burst capacity of the bucket.
	Limit int

	// Remaining is the number of whole tokens left after this request.
	Remaining int

	// ResetAt is when the next token becomes available.
	ResetAt time.Time
}

// RateLimitConfig holds configuration for the rate limit middleware.
type RateLimitConfig struct {
	// KeyFunc extracts the bucket key from a request. Nil defaults to the
	// client IP.
	KeyFunc func(c *gin.Context) string

	// SkipPaths bypass rate limiting entirely.
	SkipPaths []string
}

// DefaultRateLimitConfig returns the rate limit configuration used by the
// API server: per-client-IP buckets with health probes exempt.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		SkipPaths: []string{"/healthz", "/readyz", "/metrics"},
	}
}

// tokenBucket tracks the refill state for one key.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// TokenBucketLimiter implements RateLimiter with one token bucket per key.
// Buckets refill continuously at rate tokens per second up to burst; each
// request spends one token.
type TokenBucketLimiter struct {
	rate  float64
	burst int

	mu      sync.RWMutex
	buckets map[string]*tokenBucket

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// NewTokenBucketLimiter creates a limiter refilling rate tokens per second
// with the given burst capacity. A positive cleanupInterval starts a
// background sweep that drops buckets idle at full capacity, bounding memory
// under churning client populations.
func NewTokenBucketLimiter(rate float64, burst int, cleanupInterval time.Duration) *TokenBucketLimiter {
	l := &TokenBucketLimiter{
		rate:            rate,
		burst:           burst,
		buckets:         make(map[string]*tokenBucket),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go l.cleanupLoop()
	}
	return l
}

// Allow spends one token from the key's bucket if available.
func (l *TokenBucketLimiter) Allow(key string) (bool, RateLimitInfo) {
	now := time.Now()

	l.mu.RLock()
	bucket, ok := l.buckets[key]
	l.mu.RUnlock()

	if !ok {
		l.mu.Lock()
		bucket, ok = l.buckets[key]
		if !ok {
			bucket = &tokenBucket{tokens: float64(l.burst), lastRefill: now}
			l.buckets[key] = bucket
		}
		l.mu.Unlock()
	}

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	elapsed := now.Sub(bucket.lastRefill).Seconds()
	bucket.tokens += elapsed * l.rate
	if bucket.tokens > float64(l.burst) {
		bucket.tokens = float64(l.burst)
	}
	bucket.lastRefill = now

	info := RateLimitInfo{
		Limit:   l.burst,
		ResetAt: now.Add(time.Duration(float64(time.Second) / l.rate)),
	}

	if bucket.tokens >= 1.0 {
		bucket.tokens -= 1.0
		info.Remaining = int(bucket.tokens)
		return true, info
	}
	return false, info
}

// BucketCount returns the number of live buckets.
func (l *TokenBucketLimiter) BucketCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// Stop terminates the background cleanup sweep. Safe to call more than once.
func (l *TokenBucketLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}

func (l *TokenBucketLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

// cleanup drops buckets that sat at full capacity for a whole interval.
// A full bucket carries no state a fresh one would not.
func (l *TokenBucketLimiter) cleanup() {
	threshold := time.Now().Add(-l.cleanupInterval)

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, bucket := range l.buckets {
		bucket.mu.Lock()
		idle := bucket.lastRefill.Before(threshold) && bucket.tokens >= float64(l.burst)-1
		bucket.mu.Unlock()
		if idle {
			delete(l.buckets, key)
		}
	}
}

// RateLimit returns middleware enforcing the limiter's decisions. Rejected
// requests receive 429 with the standard error envelope and Retry-After.
func RateLimit(limiter RateLimiter, config RateLimitConfig) gin.HandlerFunc {
	skip := make(map[string]struct{}, len(config.SkipPaths))
	for _, p := range config.SkipPaths {
		skip[p] = struct{}{}
	}

	keyFunc := config.KeyFunc
	if keyFunc == nil {
		keyFunc = func(c *gin.Context) string { return c.ClientIP() }
	}

	return func(c *gin.Context) {
		if _, ok := skip[c.Request.URL.Path]; ok {
			c.Next()
			return
		}

		allowed, info := limiter.Allow(keyFunc(c))

		h := c.Writer.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetAt.Unix(), 10))

		if !allowed {
			retryAfter := int(time.Until(info.ResetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			h.Set("Retry-After", strconv.Itoa(retryAfter))

			code := errors.ErrCodeTooManyRequests
			resp := common.NewErrorResponse(code.String(), errors.DefaultMessageForCode(code))
			resp.RequestID = GetRequestID(c)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, resp)
			return
		}

		c.Next()
	}
}
