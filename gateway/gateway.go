// Package gateway serves the browser-facing HTTP routes: a CORS-enabled proxy to the
// backend API, assistant list and detail endpoints that never answer with an error
// once the request is valid, health and Prometheus metrics.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apiclient "github.com/JohnPlummer/jp-go-apiclient"
	"github.com/JohnPlummer/jp-go-apiclient/assistant"
	"github.com/JohnPlummer/jp-go-apiclient/internal/logging"
	"github.com/JohnPlummer/jp-go-apiclient/internal/metrics"
	"github.com/JohnPlummer/jp-go-apiclient/transport"
)

// AssistantReader reads assistants. *assistant.Client implements it.
type AssistantReader interface {
	List(ctx context.Context, userID string, opts ...assistant.ReadOption) ([]assistant.Assistant, error)
	Detail(ctx context.Context, id int64, opts ...assistant.ReadOption) (*assistant.Assistant, error)
}

// Config wires the gateway's dependencies.
type Config struct {
	// Backend receives proxied requests, one attempt each. Required.
	Backend transport.Transport

	// Assistants serves /api/assistants and /api/assistant-detail. Required.
	Assistants AssistantReader

	// Health reports /healthz. Optional.
	Health func() apiclient.Report

	// CORSOrigins restricts Access-Control-Allow-Origin. Empty allows any origin.
	CORSOrigins []string

	Logger *slog.Logger
}

// Server is the gateway's HTTP handler set.
type Server struct {
	cfg    Config
	logger *slog.Logger
	router chi.Router
}

// New builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.Backend == nil {
		return nil, errors.New("gateway backend transport is required")
	}
	if cfg.Assistants == nil {
		return nil, errors.New("gateway assistant reader is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "gateway"),
	}
	s.router = s.routes()
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(logging.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(corsMiddleware(s.cfg.CORSOrigins...))
		r.HandleFunc(transport.ProxyRoute, s.handleProxy)
		r.HandleFunc("/api/assistants", s.handleAssistants)
		r.HandleFunc("/api/assistant-detail", s.handleAssistantDetail)
	})

	return r
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// handleProxy forwards ?path= to the backend with ?method= (default: the request's
// method) and mirrors the backend's status and JSON body.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		s.count("proxy", http.StatusBadRequest)
		writeError(w, http.StatusBadRequest, "missing path parameter")
		return
	}

	req, err := proxiedRequest(r, path)
	if err != nil {
		s.count("proxy", http.StatusBadRequest)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	logger := logging.FromContext(r.Context(), s.logger)
	logger.Info("proxying request", "method", req.Method, "path", path)

	resp, err := s.cfg.Backend.Execute(r.Context(), req)
	if err != nil {
		var apiErr *transport.APIError
		if errors.As(err, &apiErr) {
			s.count("proxy", apiErr.Status)
			writeBody(w, apiErr.Status, apiErr.Body)
			return
		}
		logger.Warn("proxy request failed", "path", path, "error", err)
		s.count("proxy", http.StatusInternalServerError)
		writeError(w, http.StatusInternalServerError, "proxy request failed: "+err.Error())
		return
	}

	s.count("proxy", resp.Status)
	writeBody(w, resp.Status, resp.Body)
}

func proxiedRequest(r *http.Request, path string) (transport.Request, error) {
	method := strings.ToUpper(r.URL.Query().Get("method"))
	if method == "" {
		method = r.Method
	}

	resource, rawQuery, _ := strings.Cut(path, "?")
	resource = strings.Trim(resource, "/")
	for _, segment := range strings.Split(resource, "/") {
		if segment == ".." || segment == "." {
			return transport.Request{}, errors.New("path must not contain dot segments")
		}
	}

	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return transport.Request{}, errors.New("path has an invalid query string")
	}

	req := transport.Request{Method: method, Resource: resource, Query: query}

	if method != http.MethodGet && r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
		if err != nil {
			return transport.Request{}, errors.New("failed to read request body")
		}
		if len(body) > 0 {
			if !json.Valid(body) {
				return transport.Request{}, errors.New("request body must be JSON")
			}
			req.Body = json.RawMessage(body)
		}
	}
	return req, nil
}

// handleAssistants answers GET ?userId= with the user's assistants. Any failure past
// validation is an empty array with status 200.
func (s *Server) handleAssistants(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.count("assistants", http.StatusMethodNotAllowed)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	userID := r.URL.Query().Get("userId")
	if userID == "" {
		s.count("assistants", http.StatusBadRequest)
		writeError(w, http.StatusBadRequest, "missing userId parameter")
		return
	}

	assistants, err := s.cfg.Assistants.List(r.Context(), userID, assistant.WithCache(true))
	if err != nil {
		logging.FromContext(r.Context(), s.logger).Warn("assistant list failed, answering with an empty list",
			"user_id", userID,
			"error", err)
		assistants = []assistant.Assistant{}
	}
	if assistants == nil {
		assistants = []assistant.Assistant{}
	}

	s.count("assistants", http.StatusOK)
	writeJSON(w, http.StatusOK, assistants)
}

// handleAssistantDetail answers GET ?assistantId= with one assistant. Any failure past
// validation is an empty object with status 200.
func (s *Server) handleAssistantDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.count("assistant-detail", http.StatusMethodNotAllowed)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	raw := r.URL.Query().Get("assistantId")
	if raw == "" {
		s.count("assistant-detail", http.StatusBadRequest)
		writeError(w, http.StatusBadRequest, "missing assistantId parameter")
		return
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.count("assistant-detail", http.StatusBadRequest)
		writeError(w, http.StatusBadRequest, "invalid assistantId parameter")
		return
	}

	a, err := s.cfg.Assistants.Detail(r.Context(), id, assistant.WithCache(true))
	s.count("assistant-detail", http.StatusOK)
	if err != nil || a == nil {
		if err != nil {
			logging.FromContext(r.Context(), s.logger).Warn("assistant detail failed, answering with an empty object",
				"assistant_id", id,
				"error", err)
		}
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Health == nil {
		writeJSON(w, http.StatusOK, apiclient.Report{Healthy: true, Breakers: []apiclient.HealthStatus{}})
		return
	}
	report := s.cfg.Health()
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) count(route string, status int) {
	metrics.ProxyRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.FromContext(r.Context(), s.logger).Debug("request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start))
	})
}

// writeBody mirrors a backend body. Non-JSON bodies are sent as a JSON string.
func writeBody(w http.ResponseWriter, status int, body []byte) {
	if len(body) == 0 {
		w.WriteHeader(status)
		return
	}
	if !json.Valid(body) {
		writeJSON(w, status, string(body))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error":   true,
		"message": message,
	})
}
