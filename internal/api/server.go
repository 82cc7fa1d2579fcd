// Package api serves the federation wire surface: the four peer endpoints,
// a health probe, and Prometheus metrics. Peers of this instance are other
// instances of the same system running the federation driver against us.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lucidrender/dispatch/internal/backend"
	"github.com/lucidrender/dispatch/internal/claims"
	"github.com/lucidrender/dispatch/internal/dispatch"
	"github.com/lucidrender/dispatch/internal/federation"
	"github.com/lucidrender/dispatch/internal/log"
	"github.com/lucidrender/dispatch/internal/pipeline"
	"github.com/lucidrender/dispatch/internal/session"
)

// Server wires the dispatcher and pipeline behind the peer API.
type Server struct {
	ServerID   string
	Dispatcher *dispatch.Dispatcher
	Runner     *pipeline.Runner
	Registry   *SessionRegistry

	// NewPersistentSession builds the per-request saving session. Requests
	// flagged donotsave bypass it and collect images in memory instead.
	NewPersistentSession func() pipeline.Session
}

// Router builds the HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httprate.LimitByIP(300, time.Minute))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Post(federation.PathSessionNew, s.handleSessionNew)
	r.Post(federation.PathBackendsList, s.handleBackendsList)
	r.Post(federation.PathGenerate, s.handleGenerate)
	r.Get(federation.PathGenerateWS, s.handleGenerateWS)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSessionNew(w http.ResponseWriter, r *http.Request) {
	sess := s.Registry.Create()
	sessionsIssued.Inc()
	logger := log.WithComponent("api")
	logger.Debug().Str("session_id", sess.ID).Msg("session issued")
	writeJSON(w, http.StatusOK, federation.SessionNewResponse{
		SessionID:    sess.ID,
		ServerID:     s.ServerID,
		CountRunning: s.Dispatcher.CountRunning(),
	})
}

func (s *Server) handleBackendsList(w http.ResponseWriter, r *http.Request) {
	var req federation.BackendsListRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, federation.BackendsListResponse{ErrorID: "bad_request"})
		return
	}
	if s.Registry.Get(req.SessionID) == nil {
		writeJSON(w, http.StatusOK, federation.BackendsListResponse{ErrorID: federation.ErrorIDInvalidSession})
		return
	}
	views := s.Dispatcher.Snapshot()
	backends := make([]federation.RemoteBackend, 0, len(views))
	for _, v := range views {
		backends = append(backends, federation.RemoteBackend{
			Status:   v.Status,
			Type:     v.DriverType,
			Features: v.Features,
		})
	}
	writeJSON(w, http.StatusOK, federation.BackendsListResponse{Backends: backends})
}

// sessionFor resolves the wire session. The bool reports whether the caller
// was already answered.
func (s *Server) sessionFor(w http.ResponseWriter, wire federation.GenerateWire) (*CallerSession, bool) {
	sess := s.Registry.Get(wire.SessionID)
	if sess == nil {
		writeJSON(w, http.StatusOK, federation.GenerateResponse{ErrorID: federation.ErrorIDInvalidSession})
		return nil, false
	}
	return sess, true
}

// pickSession chooses the per-request Session. Donotsave requests collect
// images in memory for the reply; saving requests persist and are teed so
// the reply still carries the payloads.
func (s *Server) pickSession(wire federation.GenerateWire) interface {
	pipeline.Session
	Images() []string
} {
	if wire.DoNotSave || s.NewPersistentSession == nil {
		return &session.Discard{}
	}
	return &teeSession{inner: s.NewPersistentSession()}
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var wire federation.GenerateWire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		writeJSON(w, http.StatusBadRequest, federation.GenerateResponse{ErrorID: "bad_request"})
		return
	}
	sess, ok := s.sessionFor(w, wire)
	if !ok {
		return
	}
	generateRequests.WithLabelValues("post").Inc()

	collector := s.pickSession(wire)
	batchID := uuid.NewString()
	cl := sess.NewClaim()
	if err := cl.Extend(claims.Gens, 1); err != nil {
		writeJSON(w, http.StatusOK, federation.GenerateResponse{ErrorID: "cancelled"})
		return
	}
	ctx := log.ContextWithSessionID(r.Context(), wire.SessionID)
	err := s.Runner.Run(ctx, wire.GenerateRequest, batchID, cl, collector, func(pipeline.Update) {})
	if err != nil {
		writeJSON(w, http.StatusOK, federation.GenerateResponse{ErrorID: errorID(err)})
		return
	}
	writeJSON(w, http.StatusOK, federation.GenerateResponse{Images: collector.Images()})
}

// teeSession persists through the inner session while keeping payloads for
// the wire reply.
type teeSession struct {
	inner pipeline.Session
	d     session.Discard
}

func (t *teeSession) ApplyMetadata(ctx context.Context, image string, req backend.GenerateRequest, index int) (string, string, error) {
	return t.inner.ApplyMetadata(ctx, image, req, index)
}

func (t *teeSession) SaveImage(ctx context.Context, batchID string, index int, image, metadata string) error {
	if err := t.inner.SaveImage(ctx, batchID, index, image, metadata); err != nil {
		return err
	}
	return t.d.SaveImage(ctx, batchID, index, image, metadata)
}

func (t *teeSession) Images() []string { return t.d.Images() }

// errorID maps pipeline errors to wire error ids. The caller-facing text
// lives behind backend.UserMessage on the peer's side.
func errorID(err error) string {
	var ue *backend.UserError
	var ude *backend.UserDataError
	switch {
	case errors.As(err, &ue):
		return "refused"
	case errors.As(err, &ude):
		return "refused"
	case errors.Is(err, backend.ErrTimeout):
		return "all_backends_occupied"
	case errors.Is(err, backend.ErrCancelled):
		return "cancelled"
	default:
		return "generation_failed"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := log.WithComponent("api")
		logger.Error().Err(err).Msg("encode response")
	}
}
