package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/miravo/scrapedesk/internal/api"
	"github.com/miravo/scrapedesk/internal/clock/system"
	"github.com/miravo/scrapedesk/internal/config"
	"github.com/miravo/scrapedesk/internal/hash/sha256"
	"github.com/miravo/scrapedesk/internal/id/uuid"
	"github.com/miravo/scrapedesk/internal/logging"
	"github.com/miravo/scrapedesk/internal/metrics"
	"github.com/miravo/scrapedesk/internal/publisher/pubsub"
	"github.com/miravo/scrapedesk/internal/reconcile"
	"github.com/miravo/scrapedesk/internal/session"
	"github.com/miravo/scrapedesk/internal/storage/gcs"
	"github.com/miravo/scrapedesk/internal/storage/local"
	"github.com/miravo/scrapedesk/internal/storage/memory"
	"github.com/miravo/scrapedesk/internal/storage/postgres"
	"github.com/miravo/scrapedesk/internal/upstream"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the session service HTTP server.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	metrics.Init()

	sessions, cleanupSessions, err := buildSessionStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanupSessions()

	artifacts, err := buildArtifactStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	publisher, cleanupPublisher, err := buildPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanupPublisher()

	jobs, err := upstream.New(upstream.Config{
		BaseURL:   cfg.Upstream.BaseURL,
		APIKey:    cfg.Upstream.APIKey,
		Timeout:   cfg.UpstreamTimeout(),
		StatusTTL: cfg.StatusTTL(),
	}, logger)
	if err != nil {
		return fmt.Errorf("init upstream client: %w", err)
	}

	reconciler := reconcile.New(
		sessions,
		artifacts,
		jobs,
		publisher,
		sha256.New(),
		system.New(),
		uuid.NewUUIDGenerator(),
		reconcile.Config{
			MaxRuntime: cfg.MaxRuntime(),
			Topic:      cfg.Events.Topic,
		},
		logger,
	)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewServer(reconciler, cfg, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func buildSessionStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (session.Store, func(), error) {
	switch cfg.Sessions.Backend {
	case "postgres":
		logger.Info("using postgres session store")
		pool, err := postgres.Connect(ctx, cfg.Sessions.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("init session store: %w", err)
		}
		store, err := postgres.New(pool)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("init session store: %w", err)
		}
		return store, pool.Close, nil
	default:
		logger.Info("using in-memory session store")
		return memory.NewSessionStore(), func() {}, nil
	}
}

func buildArtifactStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (session.ArtifactStore, error) {
	switch cfg.Artifacts.Backend {
	case "local":
		logger.Info("using local artifact store", zap.String("base_dir", cfg.Artifacts.BaseDir))
		return local.New(local.Config{BaseDir: cfg.Artifacts.BaseDir})
	case "gcs":
		logger.Info("using GCS artifact store", zap.String("bucket", cfg.Artifacts.GCSBucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		return gcs.New(client, gcs.Config{
			Bucket: cfg.Artifacts.GCSBucket,
			Prefix: cfg.Artifacts.GCSPrefix,
		})
	default:
		logger.Info("using in-memory artifact store")
		return memory.NewArtifactStore(), nil
	}
}

func buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (session.Publisher, func(), error) {
	switch cfg.Events.Backend {
	case "pubsub":
		logger.Info("using pubsub completion publisher", zap.String("topic", cfg.Events.Topic))
		client, err := pubsub.Connect(ctx, cfg.Events.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("init publisher: %w", err)
		}
		pub, err := pubsub.New(client)
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("init publisher: %w", err)
		}
		return pub, func() {
			if err := pub.Close(); err != nil {
				logger.Warn("close publisher", zap.Error(err))
			}
		}, nil
	default:
		logger.Info("completion publishing disabled")
		return nil, func() {}, nil
	}
}
