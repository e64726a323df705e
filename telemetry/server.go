package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"harvestd/models"
)

// Operator carries out the manual actions exposed over HTTP.
type Operator interface {
	RetryTracking(ctx context.Context, id int64, resetAttempts bool) error
	BanProxy(ctx context.Context, id int64, d time.Duration) error
	UnbanProxy(ctx context.Context, id int64) error
	RunSource(ctx context.Context, key string) (int64, error)
}

// Server is the ops HTTP surface: metrics, health and manual actions.
type Server struct {
	ops Operator
	srv *http.Server
}

func NewServer(addr string, ops Operator) *Server {
	s := &Server{ops: ops}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", Handler())

	r.Post("/tracking/{id}/retry", s.handleRetryTracking)
	r.Post("/proxies/{id}/ban", s.handleBanProxy)
	r.Post("/proxies/{id}/unban", s.handleUnbanProxy)
	r.Post("/sources/{key}/run", s.handleRunSource)
	return r
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("Ops server listening")
		errCh <- s.srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleRetryTracking(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	reset, _ := strconv.ParseBool(r.URL.Query().Get("reset_attempts"))
	if err := s.ops.RetryTracking(r.Context(), id, reset); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "status": "dispatched"})
}

func (s *Server) handleBanProxy(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var d time.Duration
	if v := r.URL.Query().Get("minutes"); v != "" {
		minutes, err := strconv.Atoi(v)
		if err != nil || minutes <= 0 {
			http.Error(w, "invalid minutes", http.StatusBadRequest)
			return
		}
		d = time.Duration(minutes) * time.Minute
	}
	if err := s.ops.BanProxy(r.Context(), id, d); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "banned"})
}

func (s *Server) handleUnbanProxy(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := s.ops.UnbanProxy(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "unbanned"})
}

func (s *Server) handleRunSource(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	runID, err := s.ops.RunSource(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"source": key, "run_id": runID})
}

func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, models.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
