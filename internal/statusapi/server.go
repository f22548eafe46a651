// Package statusapi serves the engine's status and queue controls over a
// loopback HTTP listener for UI processes that do not link the engine.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agentworkforce/possync/internal/cache"
	"github.com/agentworkforce/possync/internal/mutation"
	"github.com/agentworkforce/possync/internal/status"
	"github.com/agentworkforce/possync/internal/syncer"
)

const (
	correlationHeader   = "X-Correlation-Id"
	defaultMaxBodyBytes = 1 << 20
)

// Engine is the subset of the sync engine the API exposes.
type Engine interface {
	Status() status.Snapshot
	TriggerSync()
	LastSession() (syncer.Session, bool)
	Enqueue(ctx context.Context, op mutation.Operation, entityType, entityID string, payload any) (mutation.Record, error)
	DeadLetters() []mutation.Record
	Replay(ctx context.Context, id int64) (mutation.Record, error)
	Discard(ctx context.Context, id int64) error
	Entity(ctx context.Context, entityType, entityID string) (cache.Entry, error)
}

type Config struct {
	// TokenSecret enables HS256 bearer auth on /v1 routes when set.
	TokenSecret  string
	MaxBodyBytes int64
	Gatherer     prometheus.Gatherer
	Logger       *zap.Logger
	Now          func() time.Time
}

type Server struct {
	engine Engine
	cfg    Config
	logger *zap.Logger
}

type StatusResponse struct {
	status.Snapshot
	LastSession *syncer.Session `json:"lastSession,omitempty"`
}

type EnqueueRequest struct {
	Operation  string          `json:"operation"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type DeadLetterFeed struct {
	Items []mutation.Record `json:"items"`
}

func NewServer(engine Engine, cfg Config) http.Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Server{engine: engine, cfg: cfg, logger: cfg.Logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(correlationMiddleware)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.With(s.require(ScopeRead)).Get("/status", s.handleStatus)
		r.With(s.require(ScopeWrite)).Post("/sync", s.handleTriggerSync)
		r.With(s.require(ScopeWrite)).Post("/mutations", s.handleEnqueue)
		r.With(s.require(ScopeRead)).Get("/dead-letters", s.handleDeadLetters)
		r.With(s.require(ScopeWrite)).Post("/dead-letters/{id}/replay", s.handleReplay)
		r.With(s.require(ScopeWrite)).Delete("/dead-letters/{id}", s.handleDiscard)
		r.With(s.require(ScopeRead)).Get("/entities/{type}/{id}", s.handleEntity)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})
	return r
}

// correlationMiddleware makes sure every request carries a correlation id and
// echoes it back.
func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(correlationHeader))
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(correlationHeader, id)
		}
		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.cfg.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", s.cfg.Now().Sub(start)),
			zap.String("correlation_id", getCorrelationID(r)),
		)
	})
}

func (s *Server) require(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.cfg.TokenSecret == "" {
				next.ServeHTTP(w, r)
				return
			}
			if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.TokenSecret, scope, s.cfg.Now().UTC()); authErr != nil {
				writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Snapshot: s.engine.Status()}
	if session, ok := s.engine.LastSession(); ok {
		resp.LastSession = &session
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	s.engine.TriggerSync()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":        "queued",
		"correlationId": getCorrelationID(r),
	})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var body EnqueueRequest
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	op, err := mutation.ParseOperation(body.Operation)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "operation must be create, update or delete", correlationID)
		return
	}
	var payload json.RawMessage
	if trimmed := strings.TrimSpace(string(body.Payload)); trimmed != "" && trimmed != "null" {
		payload = body.Payload
	}
	rec, err := s.engine.Enqueue(r.Context(), op, body.EntityType, body.EntityID, payload)
	if err != nil {
		s.writeQueueError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	items := s.engine.DeadLetters()
	if items == nil {
		items = []mutation.Record{}
	}
	writeJSON(w, http.StatusOK, DeadLetterFeed{Items: items})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	id, ok := recordID(w, r, correlationID)
	if !ok {
		return
	}
	rec, err := s.engine.Replay(r.Context(), id)
	if err != nil {
		s.writeQueueError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	id, ok := recordID(w, r, correlationID)
	if !ok {
		return
	}
	if err := s.engine.Discard(r.Context(), id); err != nil {
		s.writeQueueError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	entry, err := s.engine.Entity(r.Context(), chi.URLParam(r, "type"), chi.URLParam(r, "id"))
	if err != nil {
		switch {
		case errors.Is(err, cache.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
		case errors.Is(err, cache.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) writeQueueError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, mutation.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, mutation.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, mutation.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error(), correlationID)
	case errors.Is(err, mutation.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
	default:
		s.logger.Error("queue operation failed", zap.String("correlation_id", correlationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func recordID(w http.ResponseWriter, r *http.Request, correlationID string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "record id must be a positive integer", correlationID)
		return 0, false
	}
	return id, true
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get(correlationHeader)
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
