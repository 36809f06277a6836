// Package api serves the HTTP API: login, the setup wizards, entries with
// their readings and history, the live readings websocket and metrics.
package api

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"vpdcalc/internal/auth"
	"vpdcalc/internal/calculator"
	"vpdcalc/internal/events"
	"vpdcalc/internal/flow"
	"vpdcalc/internal/metrics"
)

// Options holds everything the server needs
type Options struct {
	Calculators *calculator.Manager
	Flows       *flow.Manager
	Events      *events.Store
	Metrics     *metrics.Metrics

	Authenticator *auth.Authenticator
	JWT           *auth.JWTManager
	WSTokens      *auth.WSTokenStore
	RateLimiter   *auth.LoginRateLimiter
	Passwords     PasswordSetter
	NoAuth        bool

	Broker     BrokerStatus
	Source     Connectivity
	SourceName string

	CORSOrigins []string
	Version     string
	Logger      *log.Logger
}

// Server represents the API server
type Server struct {
	router  *chi.Mux
	opts    Options
	authMw  *auth.Middleware
	handler http.Handler
}

// NewServer creates new API server
func NewServer(opts Options) *Server {
	if opts.WSTokens == nil {
		opts.WSTokens = auth.NewWSTokenStore()
	}
	if opts.RateLimiter == nil {
		opts.RateLimiter = auth.NewLoginRateLimiter()
	}

	s := &Server{
		router: chi.NewRouter(),
		opts:   opts,
		authMw: auth.NewMiddleware(opts.JWT, opts.NoAuth),
	}

	s.setupRoutes()

	s.handler = s.router
	if len(opts.CORSOrigins) > 0 {
		s.handler = cors.New(cors.Options{
			AllowedOrigins:   opts.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE"},
			AllowedHeaders:   []string{"Content-Type", "Authorization"},
			AllowCredentials: true,
		}).Handler(s.router)
	}
	return s
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	r := s.router
	o := s.opts

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	authHandler := NewAuthHandler(o.Authenticator, o.JWT, o.WSTokens, o.RateLimiter, o.Events, o.Passwords)
	flowHandler := NewFlowHandler(o.Flows)
	entryHandler := NewEntryHandler(o.Calculators)
	liveHandler := NewLiveHandler(o.Calculators, o.WSTokens, o.NoAuth, o.Logger)
	eventsHandler := NewEventsHandler(o.Events)
	statusHandler := NewStatusHandler(o.Calculators, o.Broker, o.Source, o.SourceName, o.Version)

	// Public routes
	r.Post("/api/auth/login", authHandler.Login)
	r.Method(http.MethodGet, "/metrics", o.Metrics.Handler())

	// Protected API routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMw.RequireAuth)

		// Auth
		r.Post("/api/auth/logout", authHandler.Logout)
		r.Get("/api/auth/me", authHandler.Me)
		r.Get("/api/auth/ws-token", authHandler.WSToken)
		r.Put("/api/auth/password", authHandler.ChangePassword)

		// Service
		r.Get("/api/status", statusHandler.Status)
		r.Get("/api/events", eventsHandler.List)
		r.Get("/api/live", liveHandler.All)

		// Setup wizard
		r.Post("/api/flows", flowHandler.Start)
		r.Get("/api/flows/{flowID}", flowHandler.Get)
		r.Post("/api/flows/{flowID}", flowHandler.Configure)
		r.Delete("/api/flows/{flowID}", flowHandler.Abort)

		// Entries
		r.Get("/api/entries", entryHandler.List)
		r.Route("/api/entries/{id}", func(r chi.Router) {
			r.Get("/", entryHandler.Get)
			r.Delete("/", entryHandler.Delete)
			r.Post("/options", flowHandler.StartOptions)
			r.Get("/reading", entryHandler.Reading)
			r.Get("/history", entryHandler.History)
			r.Get("/dashboard", entryHandler.Dashboard)
			r.Get("/events", eventsHandler.ForEntry)
			r.Get("/live", liveHandler.Entry)
		})
	})
}

// Handler returns the root handler, with CORS applied when origins are configured
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Router returns the chi router
func (s *Server) Router() *chi.Mux {
	return s.router
}
