package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/seantiz/concierge/internal/engine"
	"github.com/seantiz/concierge/internal/live"
	"github.com/seantiz/concierge/internal/prompt"
	"github.com/seantiz/concierge/internal/route"
	"github.com/seantiz/concierge/internal/session"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
	maxBodySize       = 1 << 20 // 1 MB
)

// Deps are the application services the server exposes.
type Deps struct {
	Engine   *engine.Engine
	Sessions *session.Manager
	Routes   *route.Registry
	Hub      *live.Hub
	// Prompts supplies user-facing error text. Nil uses the built-in set.
	Prompts *prompt.Set
	// Checks are run by /healthz.
	Checks []HealthCheck
	// Providers names the configured LLM providers, primary first.
	Providers []string
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router    *chi.Mux
	engine    *engine.Engine
	sessions  *session.Manager
	routes    *route.Registry
	hub       *live.Hub
	prompts   *prompt.Set
	checks    []HealthCheck
	providers []string
	upgrader  websocket.Upgrader
	logger    *slog.Logger
	addr      string
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, deps Deps, logger *slog.Logger) *Server {
	if deps.Prompts == nil {
		deps.Prompts = prompt.Default()
	}
	srv := &Server{
		router:    chi.NewRouter(),
		engine:    deps.Engine,
		sessions:  deps.Sessions,
		routes:    deps.Routes,
		hub:       deps.Hub,
		prompts:   deps.Prompts,
		checks:    deps.Checks,
		providers: deps.Providers,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
		addr:   addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.mountRoutes()

	return srv
}

// mountRoutes registers all HTTP routes on the router.
func (s *Server) mountRoutes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())
	s.router.Get("/ws/{session_id}", s.handleWebSocket)

	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/chat", s.handleChat)
		r.Get("/stats", s.handleGetStats)
		r.Get("/routes", s.handleListRoutes)
		r.Get("/users/{id}/sessions", s.handleListUserSessions)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/{id}", s.handleGetSession)
			r.Delete("/{id}", s.handleDeleteSession)
			r.Get("/{id}/events", s.handleSessionEvents)
		})
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Live connections are hijacked or long-lived and are not drained by
	// Shutdown.
	s.hub.CloseAll()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// writeJSON writes v as a JSON response with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
