package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/cuemby/clanmanager/pkg/lock"
	"github.com/cuemby/clanmanager/pkg/log"
	"github.com/cuemby/clanmanager/pkg/manager"
	"github.com/cuemby/clanmanager/pkg/metrics"
	"github.com/cuemby/clanmanager/pkg/storage"
	"github.com/cuemby/clanmanager/pkg/types"
)

// Server serves the admin HTTP API, the event stream, and the health and
// metrics endpoints
type Server struct {
	mgr    *manager.Manager
	router chi.Router
	http   *http.Server
	logger zerolog.Logger
}

// NewServer creates the HTTP API for a manager
func NewServer(mgr *manager.Manager) *Server {
	s := &Server{
		mgr:    mgr,
		logger: log.WithComponent("api"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/health", s.healthHandler)
	r.Get("/ready", s.readyHandler)
	r.Get("/live", s.liveHandler)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/clans", s.listClans)
		r.Post("/clans", s.registerClan)
		r.Route("/clans/{clanID}", func(r chi.Router) {
			r.Get("/", s.getClan)
			r.Delete("/", s.deregisterClan)
			r.Post("/reconcile", s.forceReconcile)
			r.Put("/reverification", s.setReverification)
			r.Get("/members", s.listMembers)
		})
		r.Post("/tokens", s.createToken)
		r.Get("/events", s.streamEvents)
	})

	return r
}

// Handler returns the HTTP handler for embedding in other servers
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr until Shutdown
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("HTTP API listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) listClans(w http.ResponseWriter, r *http.Request) {
	clans, err := s.mgr.ListClans(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]Clan, 0, len(clans))
	for _, c := range clans {
		out = append(out, ClanFromTypes(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) registerClan(w http.ResponseWriter, r *http.Request) {
	var req Clan
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	clan, err := s.mgr.RegisterClan(r.Context(), req.ToTypes())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ClanFromTypes(clan))
}

func (s *Server) getClan(w http.ResponseWriter, r *http.Request) {
	clan, err := s.mgr.GetClan(r.Context(), chi.URLParam(r, "clanID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ClanFromTypes(clan))
}

func (s *Server) deregisterClan(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.DeregisterClan(r.Context(), chi.URLParam(r, "clanID")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) forceReconcile(w http.ResponseWriter, r *http.Request) {
	res, err := s.mgr.ForceReconcile(r.Context(), chi.URLParam(r, "clanID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultFromEngine(res))
}

func (s *Server) setReverification(w http.ResponseWriter, r *http.Request) {
	var req ReverificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	clan, err := s.mgr.SetReverification(r.Context(), chi.URLParam(r, "clanID"), req.Days)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ClanFromTypes(clan))
}

func (s *Server) listMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.mgr.ListMembers(r.Context(), chi.URLParam(r, "clanID"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]Member, 0, len(members))
	for _, m := range members {
		out = append(out, memberFromTypes(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "name is required"})
		return
	}

	var ttl time.Duration
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid ttl: " + err.Error()})
			return
		}
		ttl = d
	}

	token, err := s.mgr.Tokens().GenerateToken(req.Name, ttl)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, token)
}

// writeError maps domain errors to HTTP status codes
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, types.ErrInvalidClan):
		status = http.StatusBadRequest
	case errors.Is(err, lock.ErrLockTimeout):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
