// Package api exposes the HTTP interface for the monitor service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pvoronin/giftwatch/internal/config"
	"github.com/pvoronin/giftwatch/internal/metrics"
	"github.com/pvoronin/giftwatch/internal/monitor"
)

// Monitor is the control surface the handlers need from the poller manager.
type Monitor interface {
	Register(name, urlTemplate string, startIndex int) error
	Start(ctx context.Context, name string, mode monitor.Mode, sink monitor.Sink, opts monitor.StartOptions) error
	Stop(name string)
	StopAll()
	Status(name string) monitor.Status
}

// Server wires HTTP handlers to the manager and stores.
type Server struct {
	router  chi.Router
	manager Monitor
	items   monitor.ItemStore
	sources monitor.SourceStore
	sink    monitor.Sink
	runCtx  context.Context
	logger  *zap.Logger
	cfg     config.Config
}

// NewServer constructs a Server with middleware and routes. Poller runs
// started over HTTP are bound to runCtx rather than the request context so
// they outlive the request.
func NewServer(
	runCtx context.Context,
	manager Monitor,
	items monitor.ItemStore,
	sources monitor.SourceStore,
	sink monitor.Sink,
	logger *zap.Logger,
	cfg config.Config,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		manager: manager,
		items:   items,
		sources: sources,
		sink:    sink,
		runCtx:  runCtx,
		logger:  logger,
		cfg:     cfg,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metricsMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sources", func(r chi.Router) {
			r.Get("/", s.listSources)
			r.Post("/", s.registerSource)
			r.Route("/{name}", func(r chi.Router) {
				r.Post("/start", s.startSource)
				r.Post("/stop", s.stopSource)
				r.Get("/status", s.sourceStatus)
				r.Get("/items", s.sourceItems)
				r.Get("/search", s.searchItems)
				r.Get("/stats", s.sourceStats)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.sources.ListSources(r.Context(), false); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type registerRequest struct {
	Name        string `json:"name"`
	URLTemplate string `json:"url_template"`
	StartIndex  int    `json:"start_index"`
}

func (s *Server) registerSource(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "missing source name")
		return
	}
	if err := monitor.ValidateTemplate(req.URLTemplate); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.StartIndex < 1 {
		req.StartIndex = 1
	}

	if _, err := s.sources.GetSource(r.Context(), req.Name); err == nil {
		// Registration is idempotent; the existing source wins.
		writeJSON(w, http.StatusOK, map[string]string{"name": req.Name, "status": "already registered"})
		return
	}
	rec := monitor.SourceRecord{
		Name:        req.Name,
		URLTemplate: req.URLTemplate,
		StartIndex:  req.StartIndex,
		Cursor:      req.StartIndex,
		Active:      true,
	}
	if err := s.sources.AddSource(r.Context(), rec); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist source")
		return
	}
	if err := s.manager.Register(req.Name, req.URLTemplate, req.StartIndex); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name, "status": "registered"})
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	recs, err := s.sources.ListSources(r.Context(), false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sources")
		return
	}
	if recs == nil {
		recs = []monitor.SourceRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": recs})
}

type startRequest struct {
	Mode  monitor.Mode `json:"mode"`
	Start int          `json:"start"`
	End   int          `json:"end"`
}

func (s *Server) startSource(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	req := startRequest{Mode: monitor.ModeContinuous}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	if req.Mode == monitor.ModeRange && (req.Start < 1 || req.End < req.Start) {
		writeError(w, http.StatusBadRequest, "range mode requires 1 <= start <= end")
		return
	}

	opts := monitor.StartOptions{Range: monitor.RangeParams{Start: req.Start, End: req.End}}
	if err := s.manager.Start(s.runCtx, name, req.Mode, s.sink, opts); err != nil {
		switch {
		case errors.Is(err, monitor.ErrUnknownSource):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, monitor.ErrUnknownMode):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	if err := s.sources.SetSourceActive(r.Context(), name, true); err != nil {
		s.logger.Warn("failed to mark source active", zap.String("source", name), zap.Error(err))
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"name": name, "mode": req.Mode, "status": "started"})
}

func (s *Server) stopSource(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	status := s.manager.Status(name)
	if status.State == monitor.StateUnknown {
		writeError(w, http.StatusNotFound, "unknown source")
		return
	}
	s.manager.Stop(name)

	// Persist the cursor so a later continuous run resumes where this one
	// left off.
	if err := s.sources.UpdateSourceState(r.Context(), name, status.Cursor, status.LastQuantity); err != nil {
		s.logger.Warn("failed to persist source state", zap.String("source", name), zap.Error(err))
	}
	if err := s.sources.SetSourceActive(r.Context(), name, false); err != nil {
		s.logger.Warn("failed to mark source inactive", zap.String("source", name), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "status": "stopped"})
}

func (s *Server) sourceStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	writeJSON(w, http.StatusOK, s.manager.Status(name))
}

func (s *Server) sourceItems(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	limit := intQuery(r, "limit", 20)
	items, err := s.items.LatestItems(r.Context(), name, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch items")
		return
	}
	if items == nil {
		items = []monitor.Item{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) searchItems(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "missing query parameter q")
		return
	}
	field := r.URL.Query().Get("field")
	exact := r.URL.Query().Get("exact") == "true"

	items, err := s.items.SearchItems(r.Context(), name, query, field, exact)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if items == nil {
		items = []monitor.Item{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) sourceStats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	stats, err := s.items.Stats(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func intQuery(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

type requestIDKey struct{}

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

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
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
				writeError(w, http.StatusForbidden, "unauthorized")
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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
