// Package sandbox serves the in-memory MRD storage server over HTTP for local
// development, with optional latency, failure injection and Prometheus
// metrics.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/go-logr/logr"
	gorillaHandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ismrmrd/mrd_storage_sdk_go/internal/mrdapi"
	"github.com/ismrmrd/mrd_storage_sdk_go/pkg/mrdstore/mock"
)

// shutdownTimeout is the time given for outstanding requests to finish
// before shutdown.
const shutdownTimeout = time.Second

type (
	// Config is the sandbox server config.
	Config struct {
		// Latency is added to every storage request.
		Latency time.Duration
		Fail    FailConfig
		// PageSize is the default number of blobs per search page.
		PageSize int
		// SeedPath names a JSON seed file loaded at startup.
		SeedPath             string
		EnableRequestLogging bool
	}

	// Server serves a mock MRD storage server.
	Server struct {
		logr.Logger
		Config

		store    *mock.Mock
		registry *prometheus.Registry
		metrics  *metrics
		roll     func() float64
		handler  http.Handler
		server   *http.Server
	}
)

// New constructs the sandbox server.
func New(logger logr.Logger, cfg Config, opts ...mock.Option) (*Server, error) {
	return newServer(logger, cfg, rand.Float64, opts...)
}

func newServer(logger logr.Logger, cfg Config, roll func() float64, opts ...mock.Option) (*Server, error) {
	if cfg.PageSize > 0 {
		opts = append(opts, mock.WithPageSize(cfg.PageSize))
	}
	store := mock.New(opts...)
	if cfg.SeedPath != "" {
		entries, err := mock.LoadSeed(cfg.SeedPath)
		if err != nil {
			return nil, err
		}
		if err := store.Seed(entries); err != nil {
			return nil, fmt.Errorf("apply seed: %w", err)
		}
		logger.Info("loaded seed", "path", cfg.SeedPath, "blobs", len(entries))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &Server{
		Logger:   logger,
		Config:   cfg,
		store:    store,
		registry: registry,
		metrics:  newMetrics(registry),
		roll:     roll,
	}

	r := mux.NewRouter()
	// Catch panics and return 500s
	r.Use(gorillaHandlers.RecoveryHandler(gorillaHandlers.PrintRecoveryStack(true)))
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	api := r.NewRoute().Subrouter()
	api.Use(s.instrument, s.delay, s.injectFailures)
	store.AddHandlers(api)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NotFound", "no route for "+r.URL.Path)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", r.Method+" not allowed on "+r.URL.Path)
	})

	s.handler = r
	s.server = &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	return s, nil
}

// Handler returns the root handler, for use with httptest.
func (s *Server) Handler() http.Handler { return s.handler }

// Store returns the in-memory store behind the server.
func (s *Server) Store() *mock.Mock { return s.store }

// Start serves http traffic on the given listener and waits until the
// server exits due to error or the context is cancelled.
func (s *Server) Start(ctx context.Context, ln net.Listener) error {
	errch := make(chan error, 1)
	go func() {
		errch <- s.server.Serve(ln)
	}()

	s.Info("started server", "address", ln.Addr().String())

	select {
	case err := <-errch:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		s.Info("gracefully shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return s.server.Close()
		}
		return nil
	}
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		if r.ContentLength > 0 {
			s.metrics.bytesReceived.Add(float64(r.ContentLength))
		}

		m := httpsnoop.CaptureMetrics(next, w, r)

		s.metrics.requests.WithLabelValues(r.Method, route, strconv.Itoa(m.Code)).Inc()
		s.metrics.duration.WithLabelValues(r.Method, route).Observe(m.Duration.Seconds())
		s.metrics.bytesSent.Add(float64(m.Written))
		if s.EnableRequestLogging {
			s.Info("request",
				"duration", fmt.Sprintf("%dms", m.Duration.Milliseconds()),
				"status", m.Code,
				"method", r.Method,
				"path", fmt.Sprintf("%s?%s", r.URL.Path, r.URL.RawQuery))
		}
	})
}

func (s *Server) delay(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Latency > 0 {
			select {
			case <-time.After(s.Latency):
			case <-r.Context().Done():
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) injectFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Fail.Rate > 0 && s.roll() < s.Fail.Rate {
			code := s.Fail.Code
			if code == 0 {
				code = http.StatusInternalServerError
			}
			s.metrics.injected.WithLabelValues(strconv.Itoa(code)).Inc()
			s.V(1).Info("injected failure", "status", code, "path", r.URL.Path)
			writeError(w, code, "Injected", "failure injected")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(mrdapi.ErrorBody{Code: code, Message: message})
}
