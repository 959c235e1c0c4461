// Package api exposes the HTTP interface for the governance core.
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

	"github.com/veilcrawl/veilcrawl/internal/metrics"
	"github.com/veilcrawl/veilcrawl/internal/orchestrator"
	"github.com/veilcrawl/veilcrawl/internal/stealth"
)

// Server wires HTTP handlers to the orchestrator.
type Server struct {
	router chi.Router
	orch   *orchestrator.Orchestrator
	log    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(orch *orchestrator.Orchestrator, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{orch: orch, log: log}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(5 * time.Minute))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.createSession)
			r.Route("/{session_id}", func(r chi.Router) {
				r.Get("/", s.getSession)
				r.Delete("/", s.closeSession)
				r.Post("/fetch", s.fetch)
			})
		})
		r.Get("/stats", s.stats)
		r.Get("/stats/{target}", s.targetStats)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type createSessionRequest struct {
	Target  string `json:"target"`
	Profile string `json:"profile"`
	Country string `json:"country"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Target == "" {
		writeError(w, http.StatusBadRequest, "target required")
		return
	}
	id, err := s.orch.CreateSession(stealth.Target(req.Target), orchestrator.SessionOptions{
		Profile: req.Profile,
		Country: req.Country,
	})
	if err != nil {
		if errors.Is(err, orchestrator.ErrClosed) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	stats, err := s.orch.SessionStats(chi.URLParam(r, "session_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	if err := s.orch.CloseSession(id); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id, "status": "closed"})
}

type fetchRequest struct {
	URL string `json:"url"`
}

type fetchResponse struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body,omitempty"`
	Detection  string `json:"detection"`
	Risk       string `json:"risk"`
	LatencyMS  int64  `json:"latency_ms"`
	ProxyHost  string `json:"proxy_host,omitempty"`
	Error      string `json:"error,omitempty"`
	RetryAfter string `json:"retry_after,omitempty"`
}

func (s *Server) fetch(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	sessionID := chi.URLParam(r, "session_id")

	result, err := s.orch.Fetch(r.Context(), sessionID, req.URL)
	resp := fetchResponse{
		StatusCode: result.StatusCode,
		Body:       string(result.Body),
		Detection:  result.Detection.String(),
		Risk:       result.Risk.String(),
		LatencyMS:  result.Latency.Milliseconds(),
		ProxyHost:  result.ProxyHost,
	}
	if err == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	resp.Error = err.Error()

	var denied *stealth.AdmissionDeniedError
	var detection *stealth.DetectionError
	switch {
	case errors.Is(err, stealth.ErrUnknownSession):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.As(err, &denied):
		resp.RetryAfter = denied.RetryAfter.String()
		writeJSON(w, http.StatusTooManyRequests, resp)
	case errors.As(err, &detection):
		// The fetch itself succeeded; the caller sees the body plus the
		// signature that poisons it.
		writeJSON(w, http.StatusOK, resp)
	default:
		writeJSON(w, http.StatusBadGateway, resp)
	}
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Stats())
}

func (s *Server) targetStats(w http.ResponseWriter, r *http.Request) {
	target, err := stealth.NormalizeTarget(chi.URLParam(r, "target"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.orch.TargetStats(target))
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.log.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
