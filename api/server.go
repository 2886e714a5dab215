// Package api exposes the worker's HTTP surface: run lifecycle,
// status, metrics, and policy reconfiguration.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bravo-optimo/optimo-worker/log"
	"github.com/bravo-optimo/optimo-worker/runtime"
)

// Server hosts the worker API.
type Server struct {
	logger *log.Logger
	ctrl   *runtime.Controller
	router *mux.Router
	http   *http.Server
}

// NewServer builds the router and the underlying http.Server.
// gatherer feeds /metrics; nil disables the endpoint.
func NewServer(listen string, ctrl *runtime.Controller, gatherer prometheus.Gatherer, logger *log.Logger) *Server {
	s := &Server{
		logger: logger,
		ctrl:   ctrl,
		router: mux.NewRouter(),
	}

	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	if gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	s.router.HandleFunc("/run/start", s.handleRunStart).Methods(http.MethodPost)
	s.router.HandleFunc("/run/{run_id}/assign", s.handleAssign).Methods(http.MethodPost)
	s.router.HandleFunc("/run/{run_id}/results", s.handleResults).Methods(http.MethodGet)
	s.router.HandleFunc("/run/{run_id}/stop", s.handleStop).Methods(http.MethodPost)
	s.router.HandleFunc("/run/{run_id}/unlock", s.handleStop).Methods(http.MethodPost)
	s.router.HandleFunc("/unlock", s.handleUnlockCurrent).Methods(http.MethodPost)
	s.router.HandleFunc("/settings/parallel", s.handleParallelSettings).Methods(http.MethodPut)

	s.http = &http.Server{
		Addr:         listen,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully with
// the current run stopped first.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening", map[string]any{"addr": s.http.Addr})
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down", nil)

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	s.ctrl.Shutdown(stopCtx)
	cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
