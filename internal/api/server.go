package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aegisflux/backend/fleetwatch/internal/alerts"
	"aegisflux/backend/fleetwatch/internal/dispatch"
	"aegisflux/backend/fleetwatch/internal/health"
	"aegisflux/backend/fleetwatch/internal/ingest"
	"aegisflux/backend/fleetwatch/internal/policy"
	"aegisflux/backend/fleetwatch/internal/reconcile"
	"aegisflux/backend/fleetwatch/internal/registry"
)

// Deps are the components the HTTP surface calls into
type Deps struct {
	Pipeline   *ingest.Pipeline
	Dispatcher *dispatch.Dispatcher
	Policy     *policy.Service
	Alerts     *alerts.Manager
	Registry   *registry.Registry
	Reconciler *reconcile.Reconciler
	Health     *health.Checker
	Gatherer   prometheus.Gatherer
	Logger     *slog.Logger
}

// Server is the agent and operator HTTP API
type Server struct {
	r    *chi.Mux
	deps Deps
}

const maxBodyBytes = 1 << 20

// NewServer wires routes and middleware. requestTimeout bounds every handler.
func NewServer(deps Deps, requestTimeout time.Duration) *Server {
	s := &Server{r: chi.NewRouter(), deps: deps}

	s.r.Use(middleware.RequestID)
	s.r.Use(middleware.RealIP)
	s.r.Use(middleware.Logger)
	s.r.Use(middleware.Recoverer)
	if requestTimeout > 0 {
		s.r.Use(middleware.Timeout(requestTimeout))
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.r.Get("/healthz", s.deps.Health.Healthz)
	s.r.Get("/readyz", s.deps.Health.Readyz)
	if s.deps.Gatherer != nil {
		s.r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// Agent
	s.r.Post("/activity", s.postActivity)
	s.r.Get("/commands", s.getPendingCommands)

	// Operator
	s.r.Post("/commands", s.postCommand)
	s.r.Get("/commands/all", s.listCommands)
	s.r.Get("/commands/blocked-domains", s.getBlockedDomains)

	s.r.Route("/policy", func(r chi.Router) {
		r.Get("/", s.getPolicy)
		r.Post("/domains/blocked", s.postBlockedDomain)
		r.Delete("/domains/blocked/{domain}", s.deleteBlockedDomain)
		r.Post("/domains/allowed", s.postAllowedDomain)
		r.Delete("/domains/allowed/{domain}", s.deleteAllowedDomain)
		r.Post("/keywords", s.postKeyword)
		r.Delete("/keywords/{keyword}", s.deleteKeyword)
		r.Put("/thresholds", s.putThresholds)
		r.Post("/reconcile", s.postReconcile)
	})

	s.r.Route("/alerts", func(r chi.Router) {
		r.Get("/", s.listAlerts)
		r.Get("/{id}", s.getAlert)
		r.Post("/{id}/resolve", s.resolveAlert)
		r.Patch("/{id}/resolve", s.resolveAlert)
	})

	s.r.Get("/endpoints", s.listEndpoints)
}

// Handler returns the router behind gzip compression
func (s *Server) Handler() http.Handler {
	return gzhttp.GzipHandler(s.r)
}
