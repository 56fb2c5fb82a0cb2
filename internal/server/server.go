// Package server provides the HTTP API: auth, billing, the events and
// tickers read endpoints, and admin operations endpoints.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/insiderscope/internal/auth"
	"github.com/aristath/insiderscope/internal/billing"
	"github.com/aristath/insiderscope/internal/config"
	"github.com/aristath/insiderscope/internal/database"
)

// Config holds server dependencies.
type Config struct {
	Log     zerolog.Logger
	DB      *database.DB
	Config  *config.Config
	Port    int
	DevMode bool
}

// Server is the HTTP server.
type Server struct {
	router  *chi.Mux
	server  *http.Server
	log     zerolog.Logger
	db      *database.DB
	cfg     *config.Config
	authMW  *auth.Middleware
	billing *billing.Processor
}

// New creates the HTTP server and wires all routes.
func New(cfg Config) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		log:     cfg.Log.With().Str("component", "server").Logger(),
		db:      cfg.DB,
		cfg:     cfg.Config,
		authMW:  auth.NewMiddleware(cfg.DB, cfg.Config, cfg.Log),
		billing: billing.NewProcessor(cfg.Config, cfg.Log),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSAllowOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Stripe-Signature"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	// Public auth and billing surface.
	s.router.Post("/auth/login", s.handleLogin)
	s.router.Post("/auth/register", s.handleRegister)
	s.router.Post("/auth/logout", s.handleLogout)
	s.router.Get("/billing/plans", s.handleBillingPlans)
	s.router.Post("/billing/stripe/webhook", s.handleStripeWebhook)

	// Authenticated.
	s.router.Group(func(r chi.Router) {
		r.Use(s.authMW.RequireUser)
		r.Get("/auth/me", s.handleMe)
		r.Get("/billing/status", s.handleBillingStatus)
	})

	// Subscribers.
	s.router.Group(func(r chi.Router) {
		r.Use(s.authMW.RequireUser, s.authMW.RequireSubscription)
		r.Post("/feedback", s.handleSubmitFeedback)
		r.Get("/tickers", s.handleListTickers)
		r.Get("/ticker/{ticker}/events", s.handleTickerEvents)
		r.Get("/ticker/{ticker}/prices", s.handleTickerPrices)
		r.Get("/events", s.handleGlobalEvents)
		r.Get("/event/{issuerCIK}/{ownerKey}/{accessionNumber}", s.handleEventDetail)
	})

	// Admin.
	s.router.Group(func(r chi.Router) {
		r.Use(s.authMW.RequireUser, s.authMW.RequireAdmin)
		r.Post("/admin/users", s.handleAdminCreateUser)
		r.Get("/admin/feedback", s.handleAdminListFeedback)
		r.Get("/admin/jobs", s.handleAdminJobs)
		r.Get("/admin/monitoring", s.handleAdminMonitoring)
		r.Post("/admin/enqueue/reparse_ticker", s.handleAdminReparseTicker)
		r.Post("/ingest/accession", s.handleIngestAccession)
		r.Post("/admin/backfill_ticker/{ticker}", s.handleAdminBackfillTicker)
		r.Post("/admin/fetch_benchmark_prices", s.handleAdminFetchBenchmarkPrices)
		r.Post("/admin/event/{issuerCIK}/{ownerKey}/{accessionNumber}/regenerate_ai", s.handleAdminRegenerateAI)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Start starts the HTTP server; it blocks until the server stops.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the mux for tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
