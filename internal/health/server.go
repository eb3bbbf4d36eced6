// Package health exposes the daemon's operational surface: liveness,
// supervised-task status, and Prometheus metrics.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"muster/internal/runtime/supervisor"
	"muster/internal/telemetry"
	"muster/pkg/logx"
)

type Server struct {
	addr string
	sup  *supervisor.Supervisor
	log  logx.Logger
}

func New(addr string, sup *supervisor.Supervisor, log logx.Logger) *Server {
	return &Server{addr: addr, sup: sup, log: log}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", telemetry.Handler())
	return r
}

// Run serves until ctx is cancelled. Intended as a supervised task.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	if !s.log.IsZero() {
		s.log.Info("health server listening", logx.String("addr", s.addr))
	}

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	type status struct {
		Tasks []supervisor.TaskInfo `json:"tasks"`
		Time  time.Time             `json:"time"`
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status{
		Tasks: s.sup.List(),
		Time:  time.Now().UTC(),
	})
}
