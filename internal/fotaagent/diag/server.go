// Package diag serves health probes, metrics and the update status on a
// local HTTP port.
package diag

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/autopeer-io/fota/internal/pkg/metrics"
	"github.com/autopeer-io/fota/pkg/log"
	"github.com/autopeer-io/fota/pkg/options"
)

// Handlers are the agent callbacks behind the routes. Nil callbacks
// disable their route.
type Handlers struct {
	Ready             func() bool
	Status            func(ctx context.Context) (any, error)
	CheckNow          func() error
	MarkStable        func()
	ClearFactoryReset func(ctx context.Context) error
}

type Server struct {
	server  *http.Server
	options *options.DiagOptions
	logger  log.Logger
}

func NewServer(opts *options.DiagOptions, h Handlers) *Server {
	return &Server{
		server: &http.Server{
			Addr:              opts.Addr,
			Handler:           NewRouter(h),
			ReadHeaderTimeout: opts.Timeout,
			WriteTimeout:      opts.Timeout,
		},
		options: opts,
		logger:  log.WithName("diag"),
	}
}

// NewRouter builds the route table.
func NewRouter(h Handlers) *mux.Router {
	r := mux.NewRouter()

	// Basic Liveness Probe
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, http.StatusOK, "ok")
	}).Methods(http.MethodGet)

	r.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if h.Ready != nil && !h.Ready() {
			writeText(w, http.StatusServiceUnavailable, "not ready")
			return
		}
		writeText(w, http.StatusOK, "ok")
	}).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix("/v1/fota").Subrouter()
	if h.Status != nil {
		api.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
			status, err := h.Status(r.Context())
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, status)
		}).Methods(http.MethodGet)
	}
	if h.CheckNow != nil {
		api.HandleFunc("/check", func(w http.ResponseWriter, _ *http.Request) {
			if err := h.CheckNow(); err != nil {
				writeError(w, http.StatusConflict, err)
				return
			}
			w.WriteHeader(http.StatusAccepted)
		}).Methods(http.MethodPost)
	}
	if h.MarkStable != nil {
		api.HandleFunc("/mark-stable", func(w http.ResponseWriter, _ *http.Request) {
			h.MarkStable()
			w.WriteHeader(http.StatusNoContent)
		}).Methods(http.MethodPost)
	}
	if h.ClearFactoryReset != nil {
		api.HandleFunc("/clear-factory-reset", func(w http.ResponseWriter, r *http.Request) {
			if err := h.ClearFactoryReset(r.Context()); err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		}).Methods(http.MethodPost)
	}
	return r
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen(s.options.Network, s.server.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("Starting diagnostics server", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
