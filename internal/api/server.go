// Package api exposes the HTTP admin interface for the governor service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brightquery/ingest-governor/internal/breaker"
	"github.com/brightquery/ingest-governor/internal/config"
	"github.com/brightquery/ingest-governor/internal/governance"
	"github.com/brightquery/ingest-governor/internal/metrics"
	"github.com/brightquery/ingest-governor/internal/registry"
)

// Executor runs one governed operation end to end.
type Executor interface {
	Execute(ctx context.Context, req governance.Request, fn governance.AttemptFn) (governance.Result, error)
}

// AttemptBuilder turns a governed request into its transport attempt.
type AttemptBuilder interface {
	Attempt(req governance.Request) governance.AttemptFn
}

// Server wires HTTP handlers to the registry, breaker manager, limiter,
// and orchestrator.
type Server struct {
	router   chi.Router
	registry *registry.Registry
	breakers *breaker.Manager
	limiter  governance.Limiter
	executor Executor
	attempts AttemptBuilder
	logger   *zap.Logger
	cfg      config.Config
}

// NewServer constructs a Server with middleware and routes. The executor and
// attempt builder may be nil, disabling the execute endpoint.
func NewServer(
	reg *registry.Registry,
	breakers *breaker.Manager,
	limiter governance.Limiter,
	executor Executor,
	attempts AttemptBuilder,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		registry: reg,
		breakers: breakers,
		limiter:  limiter,
		executor: executor,
		attempts: attempts,
		logger:   logger,
		cfg:      cfg,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(metricsMiddleware)
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/admin", func(r chi.Router) {
			r.Get("/domains", s.listDomains)
			r.Post("/domains", s.addDomain)
			r.Post("/circuits/{operation_key}/reset", s.resetCircuit)
		})
		r.Get("/stats", s.stats)
		r.Post("/execute", s.execute)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type addDomainRequest struct {
	Domain               string `json:"domain"`
	Allowed              bool   `json:"allowed"`
	MaxRequestsPerHour   int    `json:"max_requests_per_hour"`
	MinDelaySeconds      int    `json:"min_delay_seconds"`
	RequiresCredential   bool   `json:"requires_credential"`
	CommercialUseAllowed bool   `json:"commercial_use_allowed"`
	Justification        string `json:"justification"`
}

func (s *Server) addDomain(w http.ResponseWriter, r *http.Request) {
	var req addDomainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Domain == "" {
		s.writeError(w, http.StatusBadRequest, "domain is required")
		return
	}
	rule := governance.ComplianceRule{
		Allowed:              req.Allowed,
		MaxRequestsPerHour:   req.MaxRequestsPerHour,
		MinDelay:             time.Duration(req.MinDelaySeconds) * time.Second,
		RequiresCredential:   req.RequiresCredential,
		CommercialUseAllowed: req.CommercialUseAllowed,
	}
	if err := s.registry.AddRule(req.Domain, rule, req.Justification); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"domain": req.Domain})
}

func (s *Server) listDomains(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"domains": s.registry.Domains()})
}

func (s *Server) resetCircuit(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "operation_key")
	if key == "" {
		s.writeError(w, http.StatusBadRequest, "operation key is required")
		return
	}
	s.breakers.Reset(key)
	s.writeJSON(w, http.StatusOK, map[string]string{
		"operation_key": key,
		"state":         string(governance.CircuitClosed),
	})
}

type executeRequest struct {
	URL          string `json:"url"`
	Method       string `json:"method"`
	OperationKey string `json:"operation_key"`
}

type executeResponse struct {
	StatusCode int    `json:"status_code"`
	Body       []byte `json:"body"`
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	if s.executor == nil || s.attempts == nil {
		s.writeError(w, http.StatusServiceUnavailable, "execution is not configured")
		return
	}
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if req.OperationKey == "" {
		dest, err := governance.ParseDestination(req.URL)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		req.OperationKey = dest.Domain + ":fetch"
	}

	govReq := governance.Request{
		URL:          req.URL,
		Method:       req.Method,
		OperationKey: req.OperationKey,
	}
	result, err := s.executor.Execute(r.Context(), govReq, s.attempts.Attempt(govReq))
	if err != nil {
		switch {
		case governance.IsComplianceDenied(err):
			s.writeError(w, http.StatusForbidden, err.Error())
		case governance.IsCircuitOpen(err):
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
		case governance.IsRetryExhausted(err):
			s.writeError(w, http.StatusBadGateway, err.Error())
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
			s.writeError(w, http.StatusGatewayTimeout, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	s.writeJSON(w, http.StatusOK, executeResponse{
		StatusCode: result.StatusCode,
		Body:       result.Body,
	})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	domains := s.registry.Domains()
	headroom := make(map[string]int, len(domains))
	for _, domain := range domains {
		headroom[domain] = s.limiter.Headroom(governance.Destination{
			Domain:   domain,
			Protocol: "https",
			Port:     443,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"circuits": s.breakers.Stats(),
		"domains":  domains,
		"headroom": headroom,
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}
		metrics.ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
	})
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
