// ratelimit.go provides Gin middleware that enforces per-client token-bucket rate limits,
// returning 429 responses when the configured requests-per-minute threshold is exceeded.
//
// Two backends exist: an in-process limiter built on golang.org/x/time/rate, and a
// Redis-backed limiter (GCRA via redis_rate) for deployments with several replicas.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimitConfig holds configuration for rate limiting
type RateLimitConfig struct {
	// RequestsPerMinute is the maximum number of requests allowed per minute
	RequestsPerMinute int
	// BurstSize is the maximum burst of requests allowed
	BurstSize int
	// CleanupInterval is how often idle in-process entries are dropped
	CleanupInterval time.Duration
}

// DefaultRateLimitConfig returns the limits for tenant API traffic.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 300,
		BurstSize:         60,
		CleanupInterval:   5 * time.Minute,
	}
}

// AuthRateLimitConfig returns stricter limits for registration and login.
func AuthRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 10,
		BurstSize:         5,
		CleanupInterval:   5 * time.Minute,
	}
}

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether the client identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Close() error
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter keeps one token bucket per key in process memory.
type MemoryLimiter struct {
	config  RateLimitConfig
	limit   rate.Limit
	mu      sync.Mutex
	entries map[string]*clientLimiter
	stopCh  chan struct{}
	once    sync.Once
}

// NewMemoryLimiter creates an in-process limiter and starts its cleanup loop.
func NewMemoryLimiter(config RateLimitConfig) *MemoryLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	ml := &MemoryLimiter{
		config:  config,
		limit:   rate.Limit(float64(config.RequestsPerMinute) / 60.0),
		entries: make(map[string]*clientLimiter),
		stopCh:  make(chan struct{}),
	}
	go ml.cleanup()
	return ml
}

func (ml *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(ml.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ml.evictIdle(time.Now(), 2*ml.config.CleanupInterval)
		case <-ml.stopCh:
			return
		}
	}
}

func (ml *MemoryLimiter) evictIdle(now time.Time, idle time.Duration) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	for key, e := range ml.entries {
		if now.Sub(e.lastSeen) > idle {
			delete(ml.entries, key)
		}
	}
}

// Allow consumes one token for key if one is available.
func (ml *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := time.Now()

	ml.mu.Lock()
	e, ok := ml.entries[key]
	if !ok {
		e = &clientLimiter{limiter: rate.NewLimiter(ml.limit, ml.config.BurstSize)}
		ml.entries[key] = e
	}
	e.lastSeen = now
	ml.mu.Unlock()

	r := e.limiter.ReserveN(now, 1)
	if !r.OK() {
		return Decision{Allowed: false, RetryAfter: time.Minute}, nil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{Allowed: false, RetryAfter: delay}, nil
	}
	return Decision{Allowed: true, Remaining: int(e.limiter.TokensAt(now))}, nil
}

// Close stops the cleanup loop. It is safe to call more than once.
func (ml *MemoryLimiter) Close() error {
	ml.once.Do(func() { close(ml.stopCh) })
	return nil
}

// RedisLimiter shares limits between replicas through Redis.
type RedisLimiter struct {
	client  *redis.Client
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
}

// NewRedisLimiter creates a limiter on client.
func NewRedisLimiter(client *redis.Client, config RateLimitConfig) *RedisLimiter {
	return &RedisLimiter{
		client:  client,
		limiter: redis_rate.NewLimiter(client),
		limit: redis_rate.Limit{
			Rate:   config.RequestsPerMinute,
			Burst:  config.BurstSize,
			Period: time.Minute,
		},
	}
}

// Allow consumes one request for key from the shared bucket.
func (rl *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := rl.limiter.Allow(ctx, "ratelimit:"+key, rl.limit)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to check rate limit: %w", err)
	}
	return Decision{
		Allowed:    res.Allowed > 0,
		Remaining:  res.Remaining,
		RetryAfter: res.RetryAfter,
	}, nil
}

// Close closes the Redis client.
func (rl *RedisLimiter) Close() error {
	return rl.client.Close()
}

// NewLimiter returns a Redis-backed limiter when redisURL is set, otherwise an
// in-process one.
func NewLimiter(config RateLimitConfig, redisURL string) (Limiter, error) {
	if redisURL == "" {
		return NewMemoryLimiter(config), nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid rate limiting redis_url: %w", err)
	}
	return NewRedisLimiter(redis.NewClient(opts), config), nil
}

// RateLimitMiddleware creates a Gin middleware that rate limits requests. A
// limiter error lets the request through; an unavailable Redis must not take
// the API down with it.
func RateLimitMiddleware(limiter Limiter, config RateLimitConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := getRateLimitKey(c)

		d, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			slog.Warn("rate limiter unavailable, allowing request", "key", key, "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(config.RequestsPerMinute))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

		if !d.Allowed {
			retry := int(math.Ceil(d.RetryAfter.Seconds()))
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": retry,
			})
			return
		}

		c.Next()
	}
}

// getRateLimitKey determines the key to use for rate limiting
// Priority: user_id > IP address
func getRateLimitKey(c *gin.Context) string {
	if id := c.GetString(UserIDKey); id != "" {
		return "user:" + id
	}

	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return "ip:" + ip
}
