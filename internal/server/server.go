// Package server provides the HTTP and WebSocket surface of quantd.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/quantd/internal/backtest"
	"github.com/aristath/quantd/internal/bus"
	"github.com/aristath/quantd/internal/domain"
	"github.com/aristath/quantd/internal/indicators"
	"github.com/aristath/quantd/internal/market"
	"github.com/aristath/quantd/internal/strategy"
	"github.com/aristath/quantd/internal/tasks"
)

// Config holds server dependencies
type Config struct {
	Log        zerolog.Logger
	Port       int
	DevMode    bool
	Bus        *bus.Bus
	Bars       *market.BarRepository
	Indicators *indicators.Repository
	Signals    *strategy.SignalRepository
	Registry   *strategy.Registry
	Tasks      *tasks.Manager
	Runner     *backtest.Runner
	Results    *backtest.ResultRepository
}

// Server is the HTTP server
type Server struct {
	router  *chi.Mux
	server  *http.Server
	log     zerolog.Logger
	cfg     Config
	gateway *Gateway
	started time.Time
}

// New creates the server and wires all routes
func New(cfg Config) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		log:     cfg.Log.With().Str("component", "server").Logger(),
		cfg:     cfg,
		gateway: NewGateway(cfg.Bus, cfg.Log),
		started: time.Now(),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // WebSocket connections outlive any fixed write deadline
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Router exposes the handler tree, used by tests
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Get("/bars/{symbol}/{timeframe}", s.handleBars)
		r.Get("/indicators/{symbol}/{timeframe}/latest", s.handleLatestIndicators)
		r.Get("/signals/{strategy}", s.handleSignals)

		r.Route("/backtest", func(r chi.Router) {
			r.Post("/run", s.handleBacktestRun)
			r.Get("/result/{task_id}", s.handleBacktestResult)
			r.Get("/history", s.handleBacktestHistory)
			r.Get("/tasks", s.handleBacktestTasks)
			r.Delete("/tasks/{task_id}", s.handleBacktestCancel)
		})

		r.Get("/strategies", s.handleStrategies)
		r.Get("/presets", s.handlePresets)
		r.Get("/data/stats", s.handleDataStats)
		r.Get("/system/status", s.handleSystemStatus)
	})

	s.router.Get("/ws", s.gateway.Handle)
	s.router.Get("/backtest/{task_id}", s.handleBacktestStream)
}

// Start begins serving; blocks until the listener stops
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("failed to encode response")
	}
}

// writeError maps error kinds onto status codes. Validation failures
// answer 400, missing resources 404; everything else is an opaque 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)

	status := http.StatusInternalServerError
	message := "internal error"
	switch kind {
	case domain.KindValidation:
		status = http.StatusBadRequest
		message = err.Error()
	case domain.KindNotFound:
		status = http.StatusNotFound
		message = err.Error()
	default:
		s.log.Error().Err(err).Msg("request failed")
	}

	s.writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"kind":    string(kind),
			"message": message,
		},
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
