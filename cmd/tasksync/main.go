package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mehedi37/tasksync/internal/backend"
	"github.com/mehedi37/tasksync/internal/config"
	"github.com/mehedi37/tasksync/internal/dispatch"
	"github.com/mehedi37/tasksync/internal/identity"
	"github.com/mehedi37/tasksync/internal/logging"
	"github.com/mehedi37/tasksync/internal/observability"
	"github.com/mehedi37/tasksync/internal/poll"
	"github.com/mehedi37/tasksync/internal/relay"
	"github.com/mehedi37/tasksync/internal/storage"
	"github.com/mehedi37/tasksync/internal/tasks"
	"github.com/mehedi37/tasksync/internal/tracking"
	"github.com/mehedi37/tasksync/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	flush, err := logging.Init(logging.Config{
		Level:       cfg.LogLevel,
		SentryDSN:   cfg.SentryDSN,
		Environment: cfg.Environment,
	})
	if err != nil {
		log.Fatalf("logging init failed: %v", err)
	}
	defer flush()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("storage init failed (%s): %v", cfg.StorageMode, err)
	}
	defer store.Close()
	log.Printf("storage mode: %s", cfg.StorageMode)

	clientID, err := identity.LoadOrCreate(ctx, store)
	if err != nil {
		log.Fatalf("client identity init failed: %v", err)
	}
	log.Printf("client id: %s", clientID)

	manager := tasks.NewManager(store, tasks.ManagerConfig{
		CompletedRetention: cfg.CompletedRetention,
		RestoreMaxAge:      cfg.RestoreMaxAge,
		StaleTimeout:       cfg.StaleTaskTimeout,
	})
	if err := manager.Restore(ctx); err != nil {
		logging.Capture(err, "task_restore", nil)
	}

	dispatcher := dispatch.NewDispatcher()
	backendClient := backend.NewClient(cfg.BackendBaseURL)
	poller := poll.NewPoller(backendClient, manager, metrics, cfg.PollMaxFailures)

	var conn *transport.Manager
	if cfg.RealtimeURL != "" {
		factory := func() (transport.Channel, error) {
			return transport.NewSocketChannel(cfg.RealtimeURL, clientID, metrics)
		}
		conn = transport.NewManager(factory, dispatcher, metrics, transport.ManagerConfig{
			AutoReconnect:     cfg.AutoReconnect,
			ReconnectDelay:    cfg.ReconnectDelay,
			ReconnectMaxDelay: cfg.ReconnectMaxDelay,
		})
	} else {
		log.Printf("no realtime url configured; running poll-only")
	}

	tracker := tracking.NewService(tracking.Config{
		PollInterval: cfg.PollInterval,
		AlwaysPoll:   cfg.AlwaysPoll,
	}, clientID, manager, dispatcher, poller, conn, backendClient, metrics)
	defer tracker.Close()

	if conn != nil {
		if err := tracker.Connect(ctx); err != nil {
			log.WithError(err).Warn("initial realtime connect failed; polling covers tracked tasks until a connect succeeds")
		}
	}

	// Tasks restored after a restart have no live push subscription until
	// their next event; polling bridges the gap.
	for _, state := range manager.SnapshotActive() {
		poller.Start(state.ID, cfg.PollInterval)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	if cfg.StaleTaskTimeout > 0 {
		manager.StartJanitor(runCtx, time.Minute)
	}

	api := relay.New(cfg, tracker, manager, backendClient, conn, store, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("relay listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Capture(err, "http_shutdown", nil)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}

func openStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	switch cfg.StorageMode {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "badger":
		return storage.NewBadgerStore(cfg.BadgerPath)
	case "redis":
		return storage.NewRedisStore(ctx, storage.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	case "postgres":
		return storage.NewPostgresStore(ctx, cfg.DatabaseURL)
	default:
		return nil, errors.New("unknown storage mode")
	}
}
