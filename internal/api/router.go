package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/skridlevsky/timeline-votes/internal/metrics"
)

// RouterConfig holds configuration for the router
type RouterConfig struct {
	Database HealthChecker
	Votes    VoteRepository
	Auth     Authenticator
	// Registry receives HTTP and vote metrics and is served on /metrics.
	// A nil registry disables metrics.
	Registry *prometheus.Registry
	// Clock drives the rate limiters; nil uses the real clock.
	Clock clockwork.Clock

	CORSOrigins  map[string]bool
	CORSAllowAll bool
}

// RouterResult holds the router and resources that need cleanup
type RouterResult struct {
	Router       *chi.Mux
	RateLimiters *RateLimiters
}

// NewRouter creates and configures the HTTP router.
// Caller must call result.RateLimiters.Stop() on shutdown.
func NewRouter(cfg *RouterConfig) *RouterResult {
	r := chi.NewRouter()

	rateLimiters := NewRateLimiters(cfg.Clock)

	var voteMetrics *metrics.VoteMetrics
	if cfg.Registry != nil {
		httpMetrics := metrics.NewHTTPMetrics(cfg.Registry)
		voteMetrics = metrics.NewVoteMetrics(cfg.Registry)
		r.Use(httpMetrics.Middleware)
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(CORSMiddleware(cfg.CORSOrigins, cfg.CORSAllowAll))
	r.Use(rateLimiters.Global.Middleware)

	r.Get("/api/health", NewHealthHandler(cfg.Database))
	if cfg.Registry != nil {
		r.Handle("/metrics", metrics.Handler(cfg.Registry))
	}

	voteHandler := NewVoteHandler(cfg.Votes, voteMetrics)
	r.Route("/api/v1/events/{eventId}", func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Auth))

		r.Get("/votes", voteHandler.Stats)

		r.Group(func(r chi.Router) {
			r.Use(RequireUser)
			r.Use(rateLimiters.Votes.Middleware)
			r.Post("/vote", voteHandler.Cast)
			r.Delete("/vote", voteHandler.Remove)
		})
	})

	return &RouterResult{
		Router:       r,
		RateLimiters: rateLimiters,
	}
}
