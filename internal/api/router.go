package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/relayd-protocol/relayd/internal/api/middleware"
	"github.com/relayd-protocol/relayd/internal/handlers"
	"github.com/relayd-protocol/relayd/internal/relay"
	"github.com/relayd-protocol/relayd/internal/store"
)

// NewRouter creates and configures the HTTP router. redisClient may be
// nil; the connection rate limiter is skipped then.
func NewRouter(logger zerolog.Logger, st store.Store, redisClient *redis.Client, rl *relay.Relay) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	h := handlers.NewHandler(st, rl.Registry())

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Operational endpoints
	r.Get("/", h.Root)
	r.Get("/healthz", h.Healthz)
	r.Get("/health", h.Health)

	// The relay itself
	if redisClient != nil {
		limiter := middleware.NewConnLimiter(redisClient, logger, 30, time.Minute)
		r.With(limiter.Middleware).Get("/ws", rl.HandleWS)
	} else {
		r.Get("/ws", rl.HandleWS)
	}

	return r
}
