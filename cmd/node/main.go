package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/AyazTomac-dev/atacord/internal/config"
	"github.com/AyazTomac-dev/atacord/internal/graph"
	"github.com/AyazTomac-dev/atacord/internal/keystore"
	"github.com/AyazTomac-dev/atacord/internal/logging"
	"github.com/AyazTomac-dev/atacord/internal/presence"
	"github.com/AyazTomac-dev/atacord/internal/server"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	passphrase, err := cfg.Passphrase()
	if err != nil {
		logger.Fatal("keystore passphrase unavailable", zap.Error(err))
	}

	var keyBackend keystore.KeyBackend = keystore.NewFileBackend(cfg.Keystore.Path)
	initOrUnlockKeystore(logger, keyBackend, passphrase)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id, err := keystore.EnsureIdentity(ctx, keyBackend, cfg.DisplayName)
	if err != nil {
		logger.Fatal("node identity unavailable", zap.Error(err))
	}
	logger.Info("node identity ready",
		zap.String("user", id.UserID()),
		zap.String("display_name", id.DisplayName))

	registry := prometheus.NewRegistry()
	metrics := graph.NewMetrics(registry)
	store, err := graph.NewStore(graph.StoreConfig{
		Log:     logger,
		Metrics: metrics,
		Writer:  id.UserID(),
	})
	if err != nil {
		logger.Fatal("init graph store", zap.Error(err))
	}
	relay := graph.NewRelay(logger, store, metrics)

	tracker, err := presence.NewTracker(presence.TrackerConfig{Log: logger, Store: store})
	if err != nil {
		logger.Fatal("init presence tracker", zap.Error(err))
	}

	srv := server.NewNodeServer(cfg, logger, id, store, relay, tracker, registry)
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}

func initOrUnlockKeystore(log *zap.Logger, backend keystore.KeyBackend, passphrase string) {
	ctx := context.Background()
	if err := backend.Unlock(ctx, passphrase); err != nil {
		if errors.Is(err, keystore.ErrNotInitialized) {
			if err := backend.Initialize(ctx, passphrase); err != nil {
				log.Fatal("initialize keystore", zap.Error(err))
			}
			log.Info("initialized new keystore", zap.String("path", getBackendPath(backend)))
			return
		}
		log.Fatal("unlock keystore", zap.Error(err))
		return
	}
	log.Info("keystore unlocked")
}

// getBackendPath extracts the path if the backend is the FileBackend implementation.
func getBackendPath(backend keystore.KeyBackend) string {
	if fb, ok := backend.(*keystore.FileBackend); ok {
		return fb.Path()
	}
	return ""
}
