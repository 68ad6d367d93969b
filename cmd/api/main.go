// Package main is the entry point for the chat API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/tradeskill/marketplace-chat/internal/broadcast"
	"github.com/tradeskill/marketplace-chat/internal/config"
	"github.com/tradeskill/marketplace-chat/internal/dedupe"
	"github.com/tradeskill/marketplace-chat/internal/directory"
	"github.com/tradeskill/marketplace-chat/internal/handler"
	"github.com/tradeskill/marketplace-chat/internal/media"
	natsclient "github.com/tradeskill/marketplace-chat/internal/nats"
	"github.com/tradeskill/marketplace-chat/internal/presence"
	"github.com/tradeskill/marketplace-chat/internal/realtime"
	"github.com/tradeskill/marketplace-chat/internal/service"
	"github.com/tradeskill/marketplace-chat/internal/store"
	"github.com/tradeskill/marketplace-chat/pkg/logger"
	"github.com/tradeskill/marketplace-chat/pkg/tracing"
)

const serviceName = "marketplace-chat"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetGlobal(log)

	if err := run(cfg, log); err != nil {
		log.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.Info("starting chat server", zap.String("store", cfg.StoreBackend))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer func() { _ = tracing.Shutdown(context.Background(), tp) }()
		}
	}

	checks := map[string]handler.Checker{}

	// Storage and identity directory
	st, pool, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	checks["store"] = st.Ping

	dir, err := openDirectory(ctx, cfg, pool)
	if err != nil {
		return err
	}

	// Client message id deduplication
	var dd dedupe.Store = dedupe.NewMemory(cfg.DedupeTTL)
	if cfg.RedisURL != "" {
		rd, err := dedupe.NewRedis(ctx, cfg.RedisURL, cfg.DedupeTTL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		dd = rd
		checks["redis"] = rd.Ping
	}
	defer dd.Close()

	// Notification stream
	notifier := service.NopNotifier
	if cfg.NATSURL != "" {
		natsClient, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			Name:     serviceName,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer natsClient.Close()

		publisher := natsclient.NewPublisher(natsClient)
		if err := publisher.EnsureStream(ctx); err != nil {
			return fmt.Errorf("ensure stream: %w", err)
		}
		notifier = publisher
		checks["nats"] = publisher.Check
	} else {
		log.Warn("NATS_URL not set, notifications disabled")
	}

	// Image storage
	var uploader media.Uploader
	if cfg.CloudinaryEnabled() {
		uploader, err = media.NewCloudinary(media.CloudinaryConfig{
			CloudName: cfg.CloudinaryCloudName,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
			Folder:    cfg.CloudinaryFolder,
		})
		if err != nil {
			return fmt.Errorf("configure cloudinary: %w", err)
		}
	} else {
		log.Warn("cloudinary not configured, images are kept in memory")
		uploader = media.NewStub(cfg.StubMediaBaseURL)
	}

	// Realtime core
	router := broadcast.NewRouter(log)
	registry := presence.NewRegistry()

	// Services
	messageSvc := service.NewMessageService(st, router, registry, dd, dir, notifier, log)
	chatSvc := service.NewChatService(st, router, registry, dir, nil, messageSvc, log)
	readSvc := service.NewReadService(st, router, messageSvc, log)

	gateway := realtime.NewGateway(chatSvc, messageSvc, readSvc, router, registry, realtime.Options{
		JWTSecret:      cfg.JWTSecret,
		Lookback:       cfg.SubscribeLookback,
		AllowedOrigins: cfg.AllowedOrigins,
	}, log)

	h := handler.NewRouter(handler.RouterConfig{
		JWTSecret:         cfg.JWTSecret,
		AllowedOrigins:    cfg.AllowedOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		Chats:             handler.NewChatHandler(chatSvc, log),
		Messages:          handler.NewMessageHandler(chatSvc, messageSvc, readSvc, uploader, cfg.MaxImageBytes, log),
		Health:            handler.NewHealthHandler(checks, log),
		Live:              gateway,
		Logger:            log,
	})

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ServerReadTimeout,
		WriteTimeout:      cfg.ServerWriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}

// openStore opens the configured backend. The pool is non-nil only for
// postgres, where the directory shares it.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, *pgxpool.Pool, error) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		pool, err := store.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := store.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store.NewPostgres(pool), pool, nil
	case config.StoreBadger:
		st, err := store.OpenBadger(cfg.BadgerDir, false)
		if err != nil {
			return nil, nil, fmt.Errorf("open badger: %w", err)
		}
		return st, nil, nil
	default:
		return store.NewMemory(), nil, nil
	}
}

// openDirectory reads identities from the users table when a database is
// available and from the seed otherwise. Seed entries are upserted into the
// table so local setups work without the identity service.
func openDirectory(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (directory.Directory, error) {
	seed, err := directory.ParseSeed(cfg.DirectorySeed)
	if err != nil {
		return nil, fmt.Errorf("parse DIRECTORY_SEED: %w", err)
	}
	if pool == nil {
		return directory.NewStatic(seed...), nil
	}

	dir := directory.NewPostgres(pool)
	for _, id := range seed {
		if err := dir.Upsert(ctx, id); err != nil {
			return nil, fmt.Errorf("seed directory: %w", err)
		}
	}
	return dir, nil
}
