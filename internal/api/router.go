package api

import (
	"context"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	mw "github.com/aiox-platform/agentmem/internal/middleware"
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// HandlerSet holds handler functions injected from main.go to avoid import cycles.
type HandlerSet struct {
	// Resolves {agentName} before any memory route runs
	AgentMiddleware func(http.Handler) http.Handler

	// Session handlers
	InitializeSession http.HandlerFunc
	GetSession        http.HandlerFunc
	CompleteSession   http.HandlerFunc
	ExtendSession     http.HandlerFunc

	// Conversation handlers
	History       http.HandlerFunc
	RecentContext http.HandlerFunc
	AddMessage    http.HandlerFunc

	// Context handlers
	ListContexts  http.HandlerFunc
	GetContext    http.HandlerFunc
	SaveContext   http.HandlerFunc
	DeleteContext http.HandlerFunc

	// Embedding handlers
	SaveEmbedding    http.HandlerFunc
	SearchEmbeddings http.HandlerFunc

	Cleanup http.HandlerFunc
}

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	CORSAllowedOrigins []string
	RateLimiter        func(http.Handler) http.Handler
}

// NewRouter builds the HTTP surface. checks feed /health/ready; a nil check
// marks a dependency as not configured.
func NewRouter(checks map[string]HealthCheck, cfg RouterConfig, h HandlerSet) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logging)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(mw.CORS(cfg.CORSAllowedOrigins)))

	// Liveness: always 200, no dependency checks
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	readinessHandler := func(w http.ResponseWriter, r *http.Request) {
		health := map[string]string{"status": "healthy"}
		status := http.StatusOK

		names := make([]string, 0, len(checks))
		for name := range checks {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			check := checks[name]
			switch {
			case check == nil:
				health[name] = "not configured"
			case check(r.Context()) != nil:
				health[name] = "unhealthy"
				health["status"] = "degraded"
				status = http.StatusServiceUnavailable
			default:
				health[name] = "healthy"
			}
		}

		JSON(w, status, health)
	}

	r.Get("/health/ready", readinessHandler)
	r.Get("/health", readinessHandler)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	// API v1
	r.Route("/api/v1/agents/{agentName}", func(r chi.Router) {
		if cfg.RateLimiter != nil {
			r.Use(cfg.RateLimiter)
		}
		r.Use(h.AgentMiddleware)

		r.Post("/cleanup", h.Cleanup)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.InitializeSession)

			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Post("/complete", h.CompleteSession)
				r.Post("/extend", h.ExtendSession)

				r.Get("/history", h.History)
				r.Get("/recent-context", h.RecentContext)
				r.Post("/messages", h.AddMessage)

				r.Route("/contexts", func(r chi.Router) {
					r.Get("/", h.ListContexts)
					r.Get("/{contextType}/{contextKey}", h.GetContext)
					r.Put("/{contextType}/{contextKey}", h.SaveContext)
					r.Delete("/{contextType}/{contextKey}", h.DeleteContext)
				})
			})
		})

		r.Route("/embeddings", func(r chi.Router) {
			r.Post("/", h.SaveEmbedding)
			r.Post("/search", h.SearchEmbeddings)
		})
	})

	return r
}
