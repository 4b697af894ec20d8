// ratelimit.go provides Gin middleware that enforces per-client rate limits, returning
// 429 responses when a limit is exceeded. Limits are kept in process (token bucket) or
// shared across replicas in Redis (GCRA via redis_rate).
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
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/erp-backup/backup-service/internal/config"
)

// Limit allows Rate events per Period with bursts of up to Burst.
type Limit struct {
	Rate   int
	Burst  int
	Period time.Duration
}

// PerMinute returns a limit of rate requests per minute.
func PerMinute(rate, burst int) Limit {
	return Limit{Rate: rate, Burst: burst, Period: time.Minute}
}

// PerHour returns a limit of rate events per hour with a burst of one.
func PerHour(rate int) Limit {
	return Limit{Rate: rate, Burst: 1, Period: time.Hour}
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether the event identified by key fits within limit.
type Limiter interface {
	Allow(ctx context.Context, key string, limit Limit) (Decision, error)
}

// NewLimiter builds the limiter selected by security.rate_limiting.backend. The
// returned stop function releases its resources.
func NewLimiter(ctx context.Context, cfg *config.Config) (Limiter, func(), error) {
	switch cfg.Security.RateLimiting.Backend {
	case "", "memory":
		ml := NewMemoryLimiter(5 * time.Minute)
		return ml, ml.Stop, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		return NewRedisLimiter(rdb), func() { rdb.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported rate limiting backend: %s", cfg.Security.RateLimiting.Backend)
	}
}

// rateLimitEntry tracks the token bucket of a single key
type rateLimitEntry struct {
	tokens     float64
	lastUpdate time.Time
}

// MemoryLimiter implements a per-process token bucket limiter
type MemoryLimiter struct {
	entries map[string]*rateLimitEntry
	mu      sync.Mutex
	stopCh  chan struct{}
	once    sync.Once
	now     func() time.Time
}

// NewMemoryLimiter creates a limiter that drops idle buckets every cleanupInterval.
func NewMemoryLimiter(cleanupInterval time.Duration) *MemoryLimiter {
	ml := &MemoryLimiter{
		entries: make(map[string]*rateLimitEntry),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	go ml.cleanup(cleanupInterval)
	return ml
}

// cleanup periodically removes buckets idle for two intervals
func (ml *MemoryLimiter) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ml.mu.Lock()
			now := ml.now()
			for key, entry := range ml.entries {
				if now.Sub(entry.lastUpdate) > 2*interval {
					delete(ml.entries, key)
				}
			}
			ml.mu.Unlock()
		case <-ml.stopCh:
			return
		}
	}
}

// Stop stops the cleanup goroutine
func (ml *MemoryLimiter) Stop() {
	ml.once.Do(func() { close(ml.stopCh) })
}

// Allow takes one token from key's bucket.
func (ml *MemoryLimiter) Allow(_ context.Context, key string, limit Limit) (Decision, error) {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	now := ml.now()
	burst := float64(limit.Burst)
	perSecond := float64(limit.Rate) / limit.Period.Seconds()

	entry, exists := ml.entries[key]
	if !exists {
		entry = &rateLimitEntry{tokens: burst, lastUpdate: now}
		ml.entries[key] = entry
	}

	elapsed := now.Sub(entry.lastUpdate)
	entry.tokens = math.Min(burst, entry.tokens+elapsed.Seconds()*perSecond)
	entry.lastUpdate = now

	if entry.tokens >= 1 {
		entry.tokens--
		return Decision{Allowed: true, Remaining: int(entry.tokens)}, nil
	}

	wait := time.Duration((1 - entry.tokens) / perSecond * float64(time.Second))
	return Decision{Allowed: false, Remaining: 0, RetryAfter: wait}, nil
}

// RedisLimiter shares limits across replicas through Redis.
type RedisLimiter struct {
	limiter *redis_rate.Limiter
}

// NewRedisLimiter wraps a Redis client.
func NewRedisLimiter(rdb *redis.Client) *RedisLimiter {
	return &RedisLimiter{limiter: redis_rate.NewLimiter(rdb)}
}

// Allow consumes one event from key's GCRA budget.
func (rl *RedisLimiter) Allow(ctx context.Context, key string, limit Limit) (Decision, error) {
	res, err := rl.limiter.Allow(ctx, key, redis_rate.Limit{Rate: limit.Rate, Burst: limit.Burst, Period: limit.Period})
	if err != nil {
		return Decision{}, err
	}
	d := Decision{Allowed: res.Allowed > 0, Remaining: res.Remaining}
	if res.RetryAfter > 0 {
		d.RetryAfter = res.RetryAfter
	}
	return d, nil
}

// RateLimitMiddleware rate limits requests per caller
func RateLimitMiddleware(limiter Limiter, limit Limit) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !CheckLimit(c, limiter, getRateLimitKey(c), limit) {
			return
		}
		c.Next()
	}
}

// CheckLimit applies limit to key. When the limit is exhausted it writes the 429
// response, aborts and returns false. Limiter errors let the request through.
func CheckLimit(c *gin.Context, limiter Limiter, key string, limit Limit) bool {
	d, err := limiter.Allow(c.Request.Context(), key, limit)
	if err != nil {
		slog.Warn("rate limiter unavailable, allowing request", "key", key, "error", err)
		return true
	}

	c.Header("X-RateLimit-Limit", strconv.Itoa(limit.Rate))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if d.Allowed {
		return true
	}

	retry := int(math.Ceil(d.RetryAfter.Seconds()))
	if retry < 1 {
		retry = 1
	}
	c.Header("Retry-After", strconv.Itoa(retry))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":       "Rate limit exceeded",
		"retry_after": retry,
	})
	return false
}

// getRateLimitKey determines the key to use for rate limiting
// Priority: user_id > api key > IP address
func getRateLimitKey(c *gin.Context) string {
	if v, exists := c.Get(UserIDKey); exists {
		if id, ok := v.(uuid.UUID); ok && id != uuid.Nil {
			return "user:" + id.String()
		}
	}
	if key, ok := apiKeyFrom(c); ok {
		return "apikey:" + key.ID.String()
	}

	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return "ip:" + ip
}
