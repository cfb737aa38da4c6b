package middleware

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/relayd-protocol/relayd/internal/metrics"
)

// ConnLimiter rate limits websocket upgrade attempts per client IP. It
// guards the relay against reconnect storms; normal agents reconnect a
// handful of times per minute at worst.
type ConnLimiter struct {
	client *redis.Client
	logger zerolog.Logger
	limit  int
	window time.Duration
}

// NewConnLimiter creates a limiter allowing limit upgrades per IP per
// window.
func NewConnLimiter(client *redis.Client, logger zerolog.Logger, limit int, window time.Duration) *ConnLimiter {
	return &ConnLimiter{
		client: client,
		logger: logger,
		limit:  limit,
		window: window,
	}
}

// Middleware enforces the limit. On Redis trouble the request is let
// through: the limiter is protection, not a dependency.
func (cl *ConnLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		key := fmt.Sprintf("ratelimit:ws:%s", ip)

		count, err := cl.client.Incr(r.Context(), key).Result()
		if err != nil {
			cl.logger.Warn().Err(err).Msg("rate limiter unavailable, allowing request")
			next.ServeHTTP(w, r)
			return
		}
		if count == 1 {
			cl.client.Expire(r.Context(), key, cl.window)
		}

		if count > int64(cl.limit) {
			metrics.RateLimitHits.Inc()
			cl.logger.Warn().Str("ip", ip).Int64("count", count).Msg("connection rate limit exceeded")
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(cl.window.Seconds())))
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP extracts the client address, trusting chi's RealIP middleware
// to have already folded proxy headers into RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
