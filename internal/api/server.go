package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/1sec-project/1sec-respond/internal/core"
)

// Version is reported by /api/v1/status. Set by the binary at startup.
var Version = "dev"

const maxBodyBytes = 1 << 20

// Server is the 1SEC Respond REST API server.
type Server struct {
	engine *core.Engine
	server *http.Server
	router chi.Router
	logger zerolog.Logger
}

// NewServer creates a new API server over engine.
func NewServer(engine *core.Engine) *Server {
	s := &Server{
		engine: engine,
		logger: engine.Logger.With().Str("component", "api_server").Logger(),
	}
	s.router = s.buildRouter()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", engine.Config.Server.Host, engine.Config.Server.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute, // intents may block on a human decision
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	// CORS -> request id -> recoverer -> logging -> rate limit -> auth -> handler
	r.Use(corsMiddleware(s.engine.Config.Server.CORSOrigins))
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware(s.logger))
	r.Use(rateLimitMiddleware(100))
	r.Use(authMiddleware(s.engine.Config, s.logger))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.Get("/actions", s.handleListActions)
		r.Post("/actions/{id}/execute", s.handleExecuteAction)
		r.Post("/intents", s.handleSubmitIntent)

		r.Route("/approvals", func(r chi.Router) {
			r.Post("/", s.handleRequestApproval)
			r.Get("/pending", s.handlePendingApprovals)
			r.Get("/history", s.handleApprovalHistory)
			r.Get("/stats", s.handleApprovalStats)
			r.Get("/{id}", s.handleGetApproval)
			r.Post("/{id}/approve", s.handleApprove)
			r.Post("/{id}/reject", s.handleReject)
		})

		r.Get("/responses", s.handleResponses)
		r.Get("/steps/{id}", s.handleStep)

		r.Get("/dispatch/providers", s.handleProviders)
		r.Get("/dispatch/mock-mode", s.handleGetMockMode)
		r.Post("/dispatch/mock-mode", s.handleSetMockMode)

		r.Get("/webhooks/dead-letters", s.handleDeadLetters)
		r.Post("/webhooks/dead-letters/{id}/retry", s.handleRetryDeadLetter)

		r.Get("/logs", s.handleLogs)
		r.Post("/config/reload", s.handleReload)
	})
	return r
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins serving the API.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("API server starting")
	if s.engine.Config.AuthEnabled() {
		s.logger.Info().Int("keys", len(s.engine.Config.Server.APIKeys)).Msg("API authentication enabled")
	} else {
		s.logger.Warn().Msg("API authentication disabled: set api_keys in config or ONESEC_API_KEY env var")
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	e := s.engine
	status := map[string]interface{}{
		"version":       Version,
		"status":        "running",
		"bus_connected": e.Bus != nil && e.Bus.IsConnected(),
		"actions_total": e.Catalog.Len(),
		"providers":     e.Dispatcher.Providers(),
		"mock_mode":     e.Dispatcher.MockMode(),
		"responses":     e.Response.Stats(),
		"timestamp":     time.Now().UTC(),
	}
	if e.Bus != nil {
		status["bus"] = e.Bus.Metrics()
	}
	if e.Webhooks != nil {
		status["webhooks"] = e.Webhooks.Stats()
	}
	if e.Escalator != nil {
		status["escalation"] = e.Escalator.Stats()
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeCoreError maps engine errors onto HTTP status codes.
func writeCoreError(w http.ResponseWriter, err error) {
	var ve *core.ValidationError
	switch {
	case errors.Is(err, core.ErrRequestNotFound), errors.Is(err, core.ErrStepNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, core.ErrRequestExpired), core.IsTransitionError(err):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
