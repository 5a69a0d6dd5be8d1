// Package server exposes the control plane's HTTP surface: the tenant-facing
// lifecycle API, the platform-facing webhook ingress, and health endpoints.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/tmarkov/botsmith/common/trace"
	"github.com/tmarkov/botsmith/common/version"
	"github.com/tmarkov/botsmith/internal/botsmith/orchestrator"
	"github.com/tmarkov/botsmith/internal/botsmith/router"
	"github.com/tmarkov/botsmith/internal/botsmith/store"
)

// Config holds options for creating a Server.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string
	// AllowedOrigins enables CORS for the given origins when non-empty.
	AllowedOrigins []string
}

// Server wires the orchestrator, the webhook router, and the store into one
// HTTP handler.
type Server struct {
	cfg       Config
	store     *store.Store
	orch      *orchestrator.Orchestrator
	updates   *router.Router
	startedAt time.Time
	handler   http.Handler
	server    *http.Server
}

// New creates and configures the server (does not start it).
func New(cfg Config, st *store.Store, orch *orchestrator.Orchestrator, updates *router.Router) *Server {
	s := &Server{
		cfg:       cfg,
		store:     st,
		orch:      orch,
		updates:   updates,
		startedAt: time.Now(),
	}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	if len(s.cfg.AllowedOrigins) > 0 {
		corsMiddleware := cors.New(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
		})
		r.Use(corsMiddleware.Handler)
	}

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/dispatch", s.handleDispatch)
		r.Route("/bots", func(r chi.Router) {
			r.Post("/", s.handleBotRegister)
			r.Get("/", s.handleBotList)
			r.Route("/{botID}", func(r chi.Router) {
				r.Get("/", s.handleBotGet)
				r.Delete("/", s.handleBotDelete)
				r.Get("/executions", s.handleBotExecutions)
				r.Post("/start", s.handleBotAction(ActionStart))
				r.Post("/stop", s.handleBotAction(ActionStop))
				r.Post("/restart", s.handleBotAction(ActionRestart))
				r.Get("/logs", s.handleBotAction(ActionLogs))
			})
		})
	})

	r.Post("/webhook/{botID}", s.handleWebhook)

	return r
}

// ServeHTTP implements http.Handler so the server can be tested without a
// live network listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Start begins listening in the background. Blocks until the listener is
// established so the caller knows the port is open before returning.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.Addr, err)
	}

	s.server = &http.Server{
		Handler:      s,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("server stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := trace.FromContext(r.Context())
		if traceID == "" {
			traceID = trace.GenerateID()
			r = r.WithContext(trace.WithTraceID(r.Context(), traceID))
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("trace", traceID),
		)
	})
}

// handleHealth implements GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
		"commit":  version.GitCommit,
	})
}

// statusResponse is returned by GET /status.
type statusResponse struct {
	Status     string    `json:"status"`
	Version    string    `json:"version"`
	Commit     string    `json:"commit"`
	BuildTime  string    `json:"build_time"`
	StartedAt  time.Time `json:"started_at"`
	UptimeSecs float64   `json:"uptime_seconds"`
	BotCount   int       `json:"bot_count"`
}

// handleStatus implements GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	count, err := s.store.BotCount(r.Context())
	if err != nil {
		slog.Error("status: bot count failed", "err", err)
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:     "ok",
		Version:    version.Version,
		Commit:     version.GitCommit,
		BuildTime:  version.BuildTime,
		StartedAt:  s.startedAt,
		UptimeSecs: time.Since(s.startedAt).Seconds(),
		BotCount:   count,
	})
}
