package api

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nessusdhq/nessusd/internal/breaker"
	"github.com/nessusdhq/nessusd/internal/config"
	"github.com/nessusdhq/nessusd/internal/queue"
	"github.com/nessusdhq/nessusd/internal/registry"
	"github.com/nessusdhq/nessusd/internal/task"
)

// Server is the HTTP surface: scan submission and inspection for clients,
// queue and scanner introspection for operators.
type Server struct {
	cfg      *config.Config
	store    *task.Store
	queue    *queue.Queue
	registry *registry.Registry
	breakers *breaker.Registry

	rateLimitMu  sync.Mutex
	rateLimiters map[string]*rateLimiterEntry
}

type ServerOption func(*Server)

func NewServer(cfg *config.Config, store *task.Store, q *queue.Queue, reg *registry.Registry, breakers *breaker.Registry, opts ...ServerOption) *Server {
	s := &Server{
		cfg:          cfg,
		store:        store,
		queue:        q,
		registry:     reg,
		breakers:     breakers,
		rateLimiters: make(map[string]*rateLimiterEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the router. Health and metrics stay unauthenticated;
// everything under /api requires auth when any auth method is configured,
// and mutating routes are rate limited per client.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", s.handleHealth)

		api.Group(func(api chi.Router) {
			api.Use(s.authMiddleware)

			api.With(s.rateLimitMiddleware).Post("/scans", s.handleSubmitScan)
			api.Get("/scans", s.handleListTasks)
			api.Get("/scans/{taskID}", s.handleGetTask)
			api.Get("/scans/{taskID}/results", s.handleGetResults)
			api.With(s.rateLimitMiddleware).Post("/scans/{taskID}/cancel", s.handleCancelTask)

			api.Get("/scanners", s.handleListScanners)
			api.Get("/pools", s.handleListPools)
			api.Get("/pools/{pool}", s.handleGetPool)
			api.Get("/queue", s.handleQueueStatus)

			api.Get("/pools/{pool}/dlq", s.handleListDLQ)
			api.With(s.rateLimitMiddleware).Post("/pools/{pool}/dlq/{taskID}/retry", s.handleRetryDLQ)
			api.With(s.rateLimitMiddleware).Delete("/pools/{pool}/dlq", s.handleClearDLQ)
		})
	})

	return r
}
