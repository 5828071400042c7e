// Package api exposes the federation subsystem over HTTP: the peer
// handshake, the well-known health endpoint probed by other instances,
// the activity feed, and a websocket live feed. The wire encoding here
// is one possible transport; the decision logic lives in the federation
// service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"fedstore/pkg/crypto"
	"fedstore/pkg/federation"
	"fedstore/pkg/types"
)

// Server handles inbound federation HTTP traffic.
type Server struct {
	svc      *federation.Service
	repo     federation.Repository
	logger   *zap.Logger
	domain   string
	upgrader websocket.Upgrader
}

// NewServer creates the HTTP handler set.
func NewServer(svc *federation.Service, repo federation.Repository, domain string, logger *zap.Logger) *Server {
	return &Server{
		svc:    svc,
		repo:   repo,
		logger: logger,
		domain: domain,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Router builds the chi router for the federation API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/api/v1/health", s.Health)
	r.Post("/api/v1/federation/request", s.HandleFederationRequest)
	r.Post("/api/v1/federation/message", s.VerifyMessage)
	r.Get("/api/v1/federation/activities", s.Activities)
	r.Get("/api/v1/federation/activities/ws", s.ActivityStream)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Health is the well-known reachability endpoint peers probe.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"domain": s.domain,
	})
}

// HandleFederationRequest decides an inbound handshake.
func (s *Server) HandleFederationRequest(w http.ResponseWriter, r *http.Request) {
	var req types.FederationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SourceInstance == "" {
		writeError(w, http.StatusBadRequest, "source_instance is required")
		return
	}

	resp, err := s.svc.HandleFederationRequest(r.Context(), &req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// VerifyMessage authenticates a signed envelope from a federated peer.
// The caller learns only valid/invalid; verification faults surface as
// a 502 so peers can distinguish rejection from degradation.
func (s *Server) VerifyMessage(w http.ResponseWriter, r *http.Request) {
	var msg types.SignedFederationMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.svc.VerifyMessage(r.Context(), &msg)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	switch result.Status {
	case crypto.VerifyValid:
		writeJSON(w, http.StatusOK, map[string]any{"valid": true})
	case crypto.VerifyInvalid:
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"valid":  false,
			"reason": result.Reason,
		})
	default:
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"valid":  false,
			"reason": result.Reason,
		})
	}
}

// Activities serves the aggregated or per-instance activity feed.
func (s *Server) Activities(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")

	var since *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = &t
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	activities, err := s.svc.GetActivities(r.Context(), domain, since, limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": activities})
}

// ActivityStream upgrades to a websocket and pushes newly recorded
// activities as they happen.
func (s *Server) ActivityStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	feed, cancel := s.repo.SubscribeActivities()
	defer cancel()

	// Reader goroutine: surfaces client disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case activity, ok := <-feed:
			if !ok {
				return
			}
			if err := conn.WriteJSON(activity); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch federation.KindOf(err) {
	case federation.ErrNotFound:
		status = http.StatusNotFound
	case federation.ErrAlreadyFederated, federation.ErrAlreadyExists:
		status = http.StatusConflict
	case federation.ErrNotFederated, federation.ErrAuthorization:
		status = http.StatusForbidden
	case federation.ErrInvalidOperation:
		status = http.StatusUnprocessableEntity
	case federation.ErrInvalidSignature, federation.ErrExpiredMessage:
		status = http.StatusUnauthorized
	case federation.ErrStorage:
		status = http.StatusInternalServerError
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

// Serve runs the HTTP server until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, address string) error {
	srv := &http.Server{
		Addr:         address,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
