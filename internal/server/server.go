package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/AyazTomac-dev/atacord/internal/config"
	"github.com/AyazTomac-dev/atacord/internal/graph"
	"github.com/AyazTomac-dev/atacord/internal/identity"
	"github.com/AyazTomac-dev/atacord/internal/presence"
)

const replicatePath = "/replicate"

// NodeServer hosts a peer node: the websocket replication endpoint for
// other peers plus an admin surface with metrics and health probes.
type NodeServer struct {
	cfg      config.Config
	log      *zap.Logger
	identity identity.Identity
	store    *graph.Store
	relay    *graph.Relay
	tracker  *presence.Tracker
	registry *prometheus.Registry

	httpServer *http.Server
	adminHTTP  *http.Server
	ready      atomic.Bool
}

// NewNodeServer constructs a server around an existing store and relay.
// The registry should be the one the graph metrics registered on, so
// the admin endpoint exports them; nil gets a fresh private registry.
func NewNodeServer(cfg config.Config, logger *zap.Logger, id identity.Identity, store *graph.Store, relay *graph.Relay, tracker *presence.Tracker, registry *prometheus.Registry) *NodeServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NodeServer{
		cfg:      cfg,
		log:      logger,
		identity: id,
		store:    store,
		relay:    relay,
		tracker:  tracker,
		registry: registry,
	}
}

// Start boots the replication listener, connects to configured peers,
// and blocks until the context is cancelled.
func (s *NodeServer) Start(ctx context.Context) error {
	reg := s.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.startAdminServer(reg)

	mux := http.NewServeMux()
	mux.Handle(replicatePath, s.relay.Handler())

	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	dialer, err := graph.NewDialer(graph.DialerConfig{
		Log:     s.log,
		Relay:   s.relay,
		Peers:   s.cfg.Relay.Peers,
		MinWait: s.cfg.Relay.ReconnectMinWait,
		MaxWait: s.cfg.Relay.ReconnectMaxWait,
	})
	if err != nil {
		return fmt.Errorf("init relay dialer: %w", err)
	}
	dialer.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if s.tracker != nil {
		s.tracker.SetOnline(s.identity, "")
	}
	s.ready.Store(true)
	s.log.Info("replication endpoint listening",
		zap.String("address", s.cfg.ListenAddress),
		zap.String("path", replicatePath),
		zap.Int("peers", len(s.cfg.Relay.Peers)))

	select {
	case err := <-errCh:
		return fmt.Errorf("serve replication endpoint: %w", err)
	case <-ctx.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
	defer cancel()
	s.Shutdown(stopCtx)
	return nil
}

func (s *NodeServer) startAdminServer(reg *prometheus.Registry) {
	if s.cfg.AdminAddress == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})

	s.adminHTTP = &http.Server{
		Addr:              s.cfg.AdminAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.cfg.AdminAddress))
}

// Shutdown marks the node offline and stops listeners. Presence goes
// out first so the offline write reaches peers before links drop.
func (s *NodeServer) Shutdown(ctx context.Context) {
	s.ready.Store(false)

	if s.tracker != nil {
		s.tracker.SetOffline(s.identity)
	}

	if s.adminHTTP != nil {
		if err := s.adminHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server shutdown", zap.Error(err))
		}
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("replication endpoint shutdown", zap.Error(err))
		}
	}
	if s.relay != nil {
		s.relay.Shutdown()
	}
	s.store.Close()
	s.log.Info("node stopped")
}
