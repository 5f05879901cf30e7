package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"tvbridge/internal/shadowstate"
	"tvbridge/internal/tv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Controller is the part of the reconciler the status API reads and drives
type Controller interface {
	Name() string
	Snapshot() tv.State
	RecentActions() []shadowstate.ActionRecord
	ShadowState() *shadowstate.ShadowState
	SetPower(ctx context.Context, on bool) error
}

// Server provides HTTP status endpoints for the bridge
type Server struct {
	ctrl   Controller
	logger *zap.Logger
	router chi.Router
	server *http.Server
}

// NewServer creates a new API server
func NewServer(ctrl Controller, logger *zap.Logger, port int) *Server {
	s := &Server{
		ctrl:   ctrl,
		logger: logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	r.Get("/", s.handleSitemap)
	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.handleGetState)
		r.Get("/actions", s.handleGetActions)
		r.Get("/shadow", s.handleGetShadow)
		r.Post("/power", s.handleSetPower)
	})
	s.router = r

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// StateResponse is the body of GET /api/state
type StateResponse struct {
	Name  string   `json:"name"`
	State tv.State `json:"state"`
}

// PowerRequest is the body of POST /api/power
type PowerRequest struct {
	On *bool `json:"on"`
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StateResponse{
		Name:  s.ctrl.Name(),
		State: s.ctrl.Snapshot(),
	})
}

func (s *Server) handleGetActions(w http.ResponseWriter, r *http.Request) {
	actions := s.ctrl.RecentActions()
	if actions == nil {
		actions = []shadowstate.ActionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"actions": actions,
	})
}

func (s *Server) handleGetShadow(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.ShadowState())
}

func (s *Server) handleSetPower(w http.ResponseWriter, r *http.Request) {
	var req PowerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.On == nil {
		writeError(w, http.StatusBadRequest, "bad_request", `body must be {"on": true|false}`)
		return
	}

	if err := s.ctrl.SetPower(r.Context(), *req.On); err != nil {
		s.logger.Warn("Power request failed", zap.Bool("on", *req.On), zap.Error(err))
		switch {
		case errors.Is(err, tv.ErrNotConnected):
			writeError(w, http.StatusConflict, "not_connected", err.Error())
		default:
			writeError(w, http.StatusBadGateway, "tv_error", err.Error())
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"on":    *req.On,
		"state": s.ctrl.Snapshot(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap"},
	{Path: "/health", Method: "GET", Description: `Health check, returns {"status": "ok"}`},
	{Path: "/api/state", Method: "GET", Description: "Reconciled TV state"},
	{Path: "/api/actions", Method: "GET", Description: "Recent power, wake, channel and app actions"},
	{Path: "/api/shadow", Method: "GET", Description: "Connection and reachability inputs with the action history"},
	{Path: "/api/power", Method: "POST", Description: `Turn the TV on or off with {"on": true|false}`},
}

// handleSitemap lists the endpoints as HTML for browsers, plain text otherwise
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	accept := r.Header.Get("Accept")
	preferHTML := strings.Contains(accept, "text/html")

	if preferHTML {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>%s bridge</title>
    <style>
        body { font-family: monospace; margin: 40px; background: #1e1e1e; color: #d4d4d4; }
        .method { color: #4ec9b0; font-weight: bold; }
        .path { color: #ce9178; }
    </style>
</head>
<body>
    <h1>%s bridge</h1>
`, s.ctrl.Name(), s.ctrl.Name())
		for _, ep := range endpoints {
			fmt.Fprintf(w, "    <div><span class=\"method\">%s</span> <a class=\"path\" href=\"%s\">%s</a> %s</div>\n",
				ep.Method, ep.Path, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, "</body>\n</html>\n")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "%s bridge\n\n", s.ctrl.Name())
		fmt.Fprintf(w, "Available endpoints:\n\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-6s %-14s %s\n", ep.Method, ep.Path, ep.Description)
		}
	}

	s.logger.Debug("Sitemap request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Bool("html_format", preferHTML))
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
