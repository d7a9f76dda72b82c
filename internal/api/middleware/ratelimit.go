package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RateLimiter implements per-user fixed-window rate limiting backed by
// Redis, so limits hold across restarts and replicas.
type RateLimiter struct {
	client    *redis.Client
	logger    zerolog.Logger
	perMinute int
}

// NewRateLimiter creates a rate limiter. perMinute <= 0 disables limiting;
// a nil client also disables it (development without Redis).
func NewRateLimiter(client *redis.Client, logger zerolog.Logger, perMinute int) *RateLimiter {
	return &RateLimiter{
		client:    client,
		logger:    logger,
		perMinute: perMinute,
	}
}

// limitKey returns the counter key for one user and window.
func limitKey(userID string, window int64) string {
	return fmt.Sprintf("ratelimit:%s:%d", userID, window)
}

// Middleware enforces the per-user request budget. Requests without an
// identity header are counted by remote address.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.client == nil || rl.perMinute <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		who := r.Header.Get("X-User-ID")
		if who == "" {
			who = r.RemoteAddr
		}

		window := time.Now().Unix() / 60
		key := limitKey(who, window)

		count, err := rl.client.Incr(r.Context(), key).Result()
		if err != nil {
			// Redis trouble must not take the API down.
			rl.logger.Warn().Err(err).Msg("rate limit check failed, allowing request")
			next.ServeHTTP(w, r)
			return
		}
		if count == 1 {
			rl.client.Expire(r.Context(), key, time.Minute)
		}

		remaining := int64(rl.perMinute) - count
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.perMinute))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if count > int64(rl.perMinute) {
			w.Header().Set("Retry-After", "60")
			jsonError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}
