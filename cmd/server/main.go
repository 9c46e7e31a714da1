package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SamuelBlebo/smash-leaderboard/internal/config"
	"github.com/SamuelBlebo/smash-leaderboard/internal/handler"
	"github.com/SamuelBlebo/smash-leaderboard/internal/identity"
	"github.com/SamuelBlebo/smash-leaderboard/internal/kafka"
	"github.com/SamuelBlebo/smash-leaderboard/internal/metrics"
	"github.com/SamuelBlebo/smash-leaderboard/internal/reconciler"
	"github.com/SamuelBlebo/smash-leaderboard/internal/session"
	"github.com/SamuelBlebo/smash-leaderboard/internal/store"
	"github.com/SamuelBlebo/smash-leaderboard/internal/store/memstore"
	"github.com/SamuelBlebo/smash-leaderboard/internal/store/pgstore"
	"github.com/SamuelBlebo/smash-leaderboard/internal/websocket"
	"github.com/SamuelBlebo/smash-leaderboard/internal/worker"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load environment and configuration
	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file found")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Warn("failed to load config file, using defaults", "error", err)
		cfg = config.DefaultConfig()
	}

	metrics.Register()

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize the ranked store
	var (
		rankedStore   store.RankedStore
		rebuildWorker *worker.RebuildWorker
		accounts      identity.AccountStore
	)
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		logger.Info("connecting to PostgreSQL and Redis",
			"postgres_host", cfg.Postgres.Host,
			"redis_addr", cfg.Redis.Addr,
		)
		pg, err := pgstore.New(ctx, &cfg.Postgres, &cfg.Redis, cfg.Game.LeaderboardSize, logger)
		if err != nil {
			logger.Error("failed to initialize store", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		rankedStore = pg

		// Recover the ranked set from database truth on startup
		rebuildWorker = worker.NewRebuildWorker(pg, &cfg.Sync, logger)
		rebuildWorker.RunOnce(ctx)
		if cfg.Sync.Enabled {
			if err := rebuildWorker.Start(ctx); err != nil {
				logger.Error("failed to start rebuild worker", "error", err)
				os.Exit(1)
			}
		}

		accounts, err = identity.NewPostgresAccounts(ctx, pg.Pool())
		if err != nil {
			logger.Error("failed to initialize account store", "error", err)
			os.Exit(1)
		}

	default:
		logger.Info("using in-memory store")
		mem := memstore.New(cfg.Game.LeaderboardSize, logger)
		defer mem.Close()
		rankedStore = mem
		accounts = identity.NewMemoryAccounts()
	}

	// Identity service
	tokens := identity.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	identityService := identity.NewService(accounts, tokens, cfg.Auth.SignInRate, cfg.Auth.SignInBurst, logger)

	// Core: reconciler and per-identity sessions
	rec := reconciler.New(rankedStore, logger)
	sessions := session.NewManager(rankedStore, rec, clockwork.NewRealClock(), &cfg.Game, logger)
	defer sessions.Close()

	// Sessions follow the identity-change stream
	unsubscribe := identityService.OnIdentityChange(func(ch identity.Change) {
		if ch.SignedIn {
			sessions.Attach(ch.Identity)
		} else {
			sessions.Detach(ch.Identity.ID)
		}
	})
	defer unsubscribe()

	// WebSocket hub follows the top-N feed
	wsHub := websocket.NewHub(logger)
	go wsHub.Run()
	feedCh, unsubFeed := rankedStore.SubscribeTopN(cfg.Game.LeaderboardSize)
	defer unsubFeed()
	go wsHub.PumpFeed(feedCh)
	logger.Info("WebSocket hub initialized")

	// Kafka consumer for remote smash events
	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka consumer",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.Topic,
		)
		var err error
		kafkaConsumer, err = kafka.NewConsumer(&cfg.Kafka, rec, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
		} else {
			if err := kafkaConsumer.Start(); err != nil {
				logger.Warn("failed to start Kafka consumer, continuing without Kafka", "error", err)
				kafkaConsumer = nil
			} else {
				logger.Info("Kafka consumer started successfully")
			}
		}
	}

	// HTTP handler
	httpHandler := handler.NewHandler(identityService, sessions, wsHub, &cfg.Game, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		logger.Info("WebSocket endpoint available at /ws")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Flush buffered deltas before the process exits
	sessions.Close()

	wsHub.Stop()

	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}

	if rebuildWorker != nil {
		if err := rebuildWorker.Stop(); err != nil {
			logger.Error("failed to stop rebuild worker", "error", err)
		}
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	logger.Info("server stopped")
}
