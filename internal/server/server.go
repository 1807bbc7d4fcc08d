package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/developingchet/api-sentinel/internal/config"
	"github.com/developingchet/api-sentinel/internal/security"
	"github.com/developingchet/api-sentinel/internal/store"
	"github.com/developingchet/api-sentinel/internal/threat"
)

// Server runs the four HTTP planes: gate, admin, metrics, health.
type Server struct {
	cfg     *config.Config
	store   store.Store
	manager *security.Manager
	sink    *threat.Sink
	janitor *security.Janitor
	log     zerolog.Logger
}

// New assembles a Server from its wired components.
func New(cfg *config.Config, st store.Store, m *security.Manager, sink *threat.Sink, j *security.Janitor, log zerolog.Logger) *Server {
	return &Server{cfg: cfg, store: st, manager: m, sink: sink, janitor: j, log: log}
}

// Run starts all goroutines and blocks until ctx is cancelled or a fatal
// error occurs.
func (s *Server) Run(ctx context.Context) error {
	upstream, err := s.upstreamHandler()
	if err != nil {
		return err
	}
	gate := NewGate(s.manager, upstream, s.cfg.AuthUserHeader, s.cfg.AuthRoleHeader, s.cfg.StoreTimeout, s.log)

	g, gctx := errgroup.WithContext(ctx)

	s.sink.Start(gctx)

	g.Go(func() error {
		return s.janitor.Run(gctx)
	})
	g.Go(func() error {
		return s.serve(gctx, "gate", s.cfg.ListenAddr, gate)
	})
	g.Go(func() error {
		return s.serve(gctx, "admin", s.cfg.AdminAddr, NewAdminHandler(s.manager, s.log))
	})
	g.Go(func() error {
		return s.serveMetrics(gctx)
	})
	g.Go(func() error {
		return s.serveHealth(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	s.sink.Stop()
	return nil
}

// upstreamHandler is what an allowed request reaches. With no upstream
// configured the gate answers directly, which keeps standalone deployments
// and smoke tests working.
func (s *Server) upstreamHandler() (http.Handler, error) {
	if s.cfg.UpstreamURL == "" {
		s.log.Warn().Msg("no upstream configured, gate answers allowed requests itself")
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		}), nil
	}
	target, err := url.Parse(s.cfg.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("upstream unreachable")
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error":      "upstream unreachable",
			"error_type": "bad_gateway",
		})
	}
	return proxy, nil
}

func (s *Server) serve(ctx context.Context, name, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	s.log.Info().Str("addr", addr).Msgf("%s server started", name)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

// serveMetrics runs the Prometheus HTTP server.
func (s *Server) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return s.serve(ctx, "metrics", s.cfg.MetricsAddr, mux)
}

// serveHealth runs the health endpoints.
func (s *Server) serveHealth(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.Ping(r.Context()); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return s.serve(ctx, "health", s.cfg.HealthAddr, mux)
}
