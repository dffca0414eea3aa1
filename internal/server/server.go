package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dativo-io/anonimiza/internal/anonymize"
	"github.com/dativo-io/anonimiza/internal/exportgate"
	"github.com/dativo-io/anonimiza/internal/glossary"
	"github.com/dativo-io/anonimiza/internal/otel"
)

const (
	defaultTimeout = 60 * time.Second
	// maxBodyBytes bounds request bodies; court rulings rarely exceed 2 MB.
	maxBodyBytes = 16 << 20
)

// Server exposes the anonymization pipeline over HTTP.
type Server struct {
	router      *chi.Mux
	engine      *anonymize.Engine
	projects    *anonymize.Projects
	gate        *exportgate.Gate
	store       *glossary.Store
	apiKeys     map[string]string
	limiter     *clientLimiter
	corsOrigins []string
	startTime   time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithGate enables POST /v1/gate.
func WithGate(g *exportgate.Gate) Option {
	return func(s *Server) { s.gate = g }
}

// WithGlossaryStore lists stored projects on GET /v1/projects. Without it
// only projects opened by this process are listed.
func WithGlossaryStore(store *glossary.Store) Option {
	return func(s *Server) { s.store = store }
}

// WithAPIKeys requires one of keys (key -> client id) on every /v1 route.
func WithAPIKeys(keys map[string]string) Option {
	return func(s *Server) { s.apiKeys = keys }
}

// WithRateLimit caps requests per second per client; 0 disables it.
func WithRateLimit(rps float64) Option {
	return func(s *Server) { s.limiter = newClientLimiter(rps) }
}

// WithCORSOrigins sets allowed CORS origins (["*"] for any).
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// NewServer builds a Server over engine and projects.
func NewServer(engine *anonymize.Engine, projects *anonymize.Projects, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		engine:    engine,
		projects:  projects,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the chi router with all middleware and routes.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.HTTPMiddleware())
	if len(s.corsOrigins) > 0 {
		r.Use(CORSMiddleware(s.corsOrigins))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/v1/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		if len(s.apiKeys) > 0 {
			r.Use(AuthMiddleware(s.apiKeys))
		}
		r.Use(rateLimitMiddleware(s.limiter))
		r.Use(middleware.Timeout(defaultTimeout))

		r.Post("/v1/detect", s.handleDetect)
		r.Post("/v1/anonymize", s.handleAnonymize)
		r.Post("/v1/gate", s.handleGate)
		r.Post("/v1/checksum/{type}", s.handleChecksum)

		r.Get("/v1/projects", s.handleProjectsList)
		r.Get("/v1/projects/{id}/glossary", s.handleGlossaryGet)
		r.Put("/v1/projects/{id}/glossary", s.handleGlossaryImport)
		r.Put("/v1/projects/{id}/aliases", s.handleAliasSet)
		r.Delete("/v1/projects/{id}/mappings/{category}", s.handleMappingRemove)
	})
	return r
}
