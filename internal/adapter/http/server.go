package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/couchcryptid/hass-ingest-service/internal/domain"
	"github.com/couchcryptid/hass-ingest-service/internal/observability"
	"github.com/couchcryptid/hass-ingest-service/internal/storage"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxEventBody = 1 << 20

// StatusProvider supplies the /status document.
type StatusProvider interface {
	Snapshot() observability.Snapshot
}

// EventWriter commits events received on POST /v1/events.
type EventWriter interface {
	Write(ctx context.Context, event domain.CanonicalEvent) (storage.Result, error)
}

// Routes selects the optional endpoints. Nil fields are not mounted.
type Routes struct {
	Status StatusProvider
	Events EventWriter
}

// Server exposes health, readiness, metrics and status endpoints, plus the
// event intake on the store side.
type Server struct {
	httpServer *http.Server
	routes     Routes
	logger     *slog.Logger
}

// NewServer creates an HTTP server with /healthz, /readyz and /metrics routes
// and whichever of /status and /v1/events the routes provide.
func NewServer(addr string, ready sharedobs.ReadinessChecker, routes Routes, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		routes: routes,
		logger: logger,
	}

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(ready))
	mux.Handle("GET /metrics", promhttp.Handler())
	if routes.Status != nil {
		mux.HandleFunc("GET /status", s.handleStatus)
	}
	if routes.Events != nil {
		mux.HandleFunc("POST /v1/events", s.handleEvent)
	}

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	sharedobs.WriteJSON(w, http.StatusOK, s.routes.Status.Snapshot())
}

// handleEvent maps write outcomes onto the status codes the delivery client
// retries on: 5xx is transient, 4xx is permanent.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	logger := s.logger.With("request_id", requestID)

	var event domain.CanonicalEvent
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody))
	if err := dec.Decode(&event); err != nil {
		logger.Warn("rejecting undecodable event", "error", err)
		writeError(w, http.StatusBadRequest, "invalid event payload")
		return
	}
	if event.EntityID == "" || event.OccurredAt.IsZero() {
		writeError(w, http.StatusBadRequest, "entity_id and occurred_at are required")
		return
	}

	res, err := s.routes.Events.Write(r.Context(), event)
	switch {
	case err != nil:
		logger.Error("store write failed", "entity_id", event.EntityID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	case res.Rejected():
		reason := "rejected"
		if res.Reason != nil {
			reason = res.Reason.Error()
		}
		status := http.StatusUnprocessableEntity
		if errors.Is(res.Reason, storage.ErrNoFields) {
			status = http.StatusBadRequest
		}
		writeError(w, status, reason)
	default:
		sharedobs.WriteJSON(w, http.StatusAccepted, map[string]any{
			"status":    "stored",
			"duplicate": res.Duplicate,
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	sharedobs.WriteJSON(w, status, map[string]string{"status": "error", "error": msg})
}

// AllReady combines readiness checks; the first failure wins.
func AllReady(checkers ...sharedobs.ReadinessChecker) sharedobs.ReadinessChecker {
	return readyAll(checkers)
}

type readyAll []sharedobs.ReadinessChecker

func (r readyAll) CheckReadiness(ctx context.Context) error {
	for _, c := range r {
		if err := c.CheckReadiness(ctx); err != nil {
			return err
		}
	}
	return nil
}
