package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"vibetracker/internal/api"
	"vibetracker/internal/bus"
	"vibetracker/internal/config"
	"vibetracker/internal/log"
	"vibetracker/internal/services"
	"vibetracker/internal/session"
	"vibetracker/internal/storage"
)

// engineFlusher defers the engine reference so the bridge can be built
// first: the bridge needs somewhere to send flush kicks, the engine needs
// the bridge for session snapshots.
type engineFlusher struct {
	engine *services.DeliveryEngine
}

func (f *engineFlusher) RequestFlush() {
	if f.engine != nil {
		f.engine.RequestFlush()
	}
}

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	// Load configuration
	cfg := config.Load()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		log.New(log.DefaultConfig()).Error("Configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}

	// Setup structured logging
	logger := log.New(log.Config{
		Level:     log.ParseLevel(cfg.LogLevel),
		Component: log.ComponentDaemon,
	})
	log.SetDefault(logger)

	logger.Info("Starting vibetracker background process")

	// Initialize SQLite repository for the ledger, queue and session;
	// migrations run as part of opening the database
	repo, err := storage.NewRepository(cfg.SQLiteDBPath, cfg.LedgerCap)
	if err != nil {
		logger.Error("Failed to initialize repository", log.FieldError, err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer repo.Close()

	// Initialize bus client for message passing between contexts
	busClient, err := bus.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		logger.Error("Failed to initialize bus client", log.FieldError, err)
		os.Exit(1)
	}
	defer busClient.Close()

	// Remote API and companion website client
	apiClient := api.NewClient(nil, cfg.APIBaseURL, cfg.CompanionURL)

	// Session introspection is optional; without a companion URL the bridge
	// relies on bus messages alone.
	var introspector session.Introspector
	if cfg.CompanionURL != "" {
		introspector = apiClient
	}

	flusher := &engineFlusher{}
	bridge := session.NewBridge(repo, introspector, flusher, busClient, session.Config{
		PollInterval: cfg.SessionPollInterval,
	})
	engine := services.NewDeliveryEngine(repo, apiClient, bridge, busClient, services.DeliveryConfig{
		FlushInterval: cfg.FlushInterval,
	})
	flusher.engine = engine

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bridge.Restore(ctx); err != nil {
		logger.Error("Failed to restore session", log.FieldError, err)
		os.Exit(1)
	}

	if err := engine.Start(ctx); err != nil {
		logger.Error("Failed to start delivery engine", log.FieldError, err)
		os.Exit(1)
	}
	if err := bridge.Start(ctx); err != nil {
		logger.Error("Failed to start session bridge", log.FieldError, err)
		os.Exit(1)
	}

	// Announce the initial sync status so popups attaching late still see it.
	engine.PublishStatus(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return busClient.ConsumeWithReconnect(gctx, dispatch(engine, bridge))
	})

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case <-gctx.Done():
		logger.Info("Consumer stopped", log.FieldError, gctx.Err())
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("Shutting down background process...")
	cancel()

	if err := bridge.Stop(shutdownCtx); err != nil {
		logger.Warn("Session bridge shutdown incomplete", log.FieldError, err)
	}
	if err := engine.Stop(shutdownCtx); err != nil {
		logger.Warn("Delivery engine shutdown incomplete", log.FieldError, err)
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("Consumer exited with error", log.FieldError, err)
	}

	logger.Info("Background process shutdown complete")
}

// dispatch routes bus messages to their owner. Detections go to the
// delivery engine, session messages to the bridge, and the process's own
// notifications (NEW_TRANSACTION and friends) are skipped so the fanout
// echo does not loop back.
func dispatch(engine *services.DeliveryEngine, bridge *session.Bridge) bus.Handler {
	return func(ctx context.Context, msg bus.Message) error {
		switch msg.Type {
		case bus.TypePurchaseDetected, bus.TypeSubscriptionDetected:
			tx, err := msg.Transaction()
			if err != nil {
				return err
			}
			if err := tx.Validate(); err != nil {
				slog.WarnContext(ctx, "Dropping invalid detection",
					log.FieldError, err, log.FieldLocalID, tx.LocalID)
				return nil
			}
			return engine.Submit(ctx, tx)

		case bus.TypeWebsiteLogin, bus.TypeUserLoggedOut, bus.TypeSyncSessionFromWebsite:
			return bridge.HandleMessage(ctx, msg)
		}
		return nil
	}
}
