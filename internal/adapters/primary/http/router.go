package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	mw "github.com/lorrc/workshop-sync/internal/adapters/primary/http/middleware"
	"github.com/lorrc/workshop-sync/internal/auth"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HubRouterConfig wires the development hub's routes.
type HubRouterConfig struct {
	Tokens         *auth.TokenManager
	Hub            *HubHandler
	Dev            *DevHandler
	Snapshots      *SnapshotHandler
	Health         *HealthHandler
	AllowedOrigins []string
	RateLimit      mw.RateLimiterConfig
	Logger         *slog.Logger
}

// NewHubRouter builds the development hub's HTTP surface. ctx bounds
// background work started by middleware.
func NewHubRouter(ctx context.Context, cfg HubRouterConfig) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.RequestLogger(cfg.Logger))
	r.Use(mw.RecoveryLogger(cfg.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", mw.RequestIDHeader},
		ExposedHeaders:   []string{mw.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoints (outside /api/v1 for standard probe paths)
	cfg.Health.RegisterRoutes(r)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/dev", func(r chi.Router) {
		r.Use(mw.WindowLimit(30, time.Minute))
		cfg.Dev.RegisterRoutes(r)
	})

	r.Group(func(r chi.Router) {
		if cfg.RateLimit.RequestsPerSecond > 0 {
			r.Use(mw.NewRateLimiter(ctx, cfg.RateLimit).Middleware)
		}
		r.Use(mw.JWTMiddleware(cfg.Tokens))

		r.Route("/hubs/{domain}", cfg.Hub.RegisterRoutes)
		r.Route("/api/v1", cfg.Snapshots.RegisterRoutes)
	})

	return r
}

// NewOpsRouter serves metrics and health probes for the sync client.
func NewOpsRouter(health *HealthHandler, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(mw.RequestID)
	r.Use(mw.RecoveryLogger(logger))

	health.RegisterRoutes(r)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func allowedOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://*", "https://*"}
	}
	return origins
}
