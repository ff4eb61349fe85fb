// Package main wires together the listing crawler service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/orbitre/listing-crawler/internal/api"
	"github.com/orbitre/listing-crawler/internal/archive"
	"github.com/orbitre/listing-crawler/internal/clock/system"
	"github.com/orbitre/listing-crawler/internal/config"
	"github.com/orbitre/listing-crawler/internal/fetcher"
	"github.com/orbitre/listing-crawler/internal/listing"
	"github.com/orbitre/listing-crawler/internal/logging"
	"github.com/orbitre/listing-crawler/internal/metrics"
	"github.com/orbitre/listing-crawler/internal/normalizer"
	"github.com/orbitre/listing-crawler/internal/pipeline"
	memorypublisher "github.com/orbitre/listing-crawler/internal/publisher/memory"
	pubsubpublisher "github.com/orbitre/listing-crawler/internal/publisher/pubsub"
	"github.com/orbitre/listing-crawler/internal/retry"
	"github.com/orbitre/listing-crawler/internal/scheduler"
	"github.com/orbitre/listing-crawler/internal/search"
	"github.com/orbitre/listing-crawler/internal/storage/gcs"
	memorystorage "github.com/orbitre/listing-crawler/internal/storage/memory"
	"github.com/orbitre/listing-crawler/internal/storage/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()

	source := fetcher.New(fetcher.Config{
		URL:     cfg.Upstream.URL,
		APIKey:  cfg.Upstream.APIKey,
		Timeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		Retry: retry.NewPolicy(
			cfg.Upstream.MaxRetries,
			time.Duration(cfg.Upstream.BackoffInitialMs)*time.Millisecond,
		),
	}, logger.Named("fetcher"))

	blobs, err := newBlobStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("blob store init failed", zap.Error(err))
	}
	archiver := archive.New(blobs, archive.Config{
		Prefix: cfg.Archive.Prefix,
		Retry: retry.NewPolicy(
			cfg.Archive.MaxRetries,
			time.Duration(cfg.Archive.BackoffInitialMs)*time.Millisecond,
		),
	}, logger.Named("archive"))

	listingStore, jobStore, err := newStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}

	searchIndex, err := search.New(search.Config{
		Addresses: cfg.Search.Addresses,
		Username:  cfg.Search.Username,
		Password:  cfg.Search.Password,
		Index:     cfg.Search.Index,
		BatchSize: cfg.Pipeline.BatchSize,
		Workers:   cfg.Pipeline.IndexWorkers,
		Retry: retry.NewPolicy(
			cfg.Search.MaxRetries,
			time.Duration(cfg.Search.BackoffInitialMs)*time.Millisecond,
		),
	}, clock, logger.Named("search"))
	if err != nil {
		logger.Fatal("search client init failed", zap.Error(err))
	}
	if err := searchIndex.EnsureIndex(ctx); err != nil {
		// the run can still archive and persist; index errors surface per run
		logger.Warn("search index not ready", zap.Error(err))
	}

	publisher, err := newPublisher(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("publisher init failed", zap.Error(err))
	}

	orch, err := pipeline.New(
		pipeline.Config{
			Source:     "mls_api",
			MaxRecords: cfg.Pipeline.MaxRecordsPerRun,
			RunTimeout: cfg.RunTimeout(),
			Snapshot:   cfg.Snapshot(),
			Topic:      cfg.Publisher.TopicName,
		},
		pipeline.Deps{
			Source:     source,
			Archiver:   archiver,
			Normalizer: normalizer.New(normalizer.Config{ErrorTolerance: cfg.Pipeline.ErrorTolerance}, logger.Named("normalizer")),
			Listings:   listingStore,
			Jobs:       jobStore,
			Search:     searchIndex,
			Publisher:  publisher,
			Clock:      clock,
			Logger:     logger.Named("pipeline"),
		},
	)
	if err != nil {
		logger.Fatal("pipeline init failed", zap.Error(err))
	}

	apiServer := api.NewServer(ctx, jobStore, orch, cfg, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if cfg.Schedule.Enabled {
		sched, err := scheduler.New(cfg.Schedule.Cron, orch, clock, logger.Named("scheduler"))
		if err != nil {
			logger.Fatal("scheduler init failed", zap.Error(err))
		}
		go sched.Start(ctx)
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// newBlobStore picks GCS when a bucket is configured, otherwise an
// in-memory store for local development.
func newBlobStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (listing.BlobStore, error) {
	if cfg.Archive.GCSBucket == "" {
		logger.Warn("archive.gcs_bucket not set, archiving to memory")
		return memorystorage.NewBlobStore(), nil
	}
	client, err := gcsclient.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	store, err := gcs.New(ctx, client, gcs.Config{Bucket: cfg.Archive.GCSBucket})
	if err != nil {
		return nil, err
	}
	return store, nil
}

// newStores picks Postgres when a DSN is configured, otherwise
// in-memory stores for local development.
func newStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (listing.ListingStore, listing.JobStore, error) {
	if cfg.DB.DSN == "" {
		logger.Warn("db.dsn not set, persisting to memory")
		return memorystorage.NewListingStore(), memorystorage.NewJobStore(), nil
	}
	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		return nil, nil, err
	}
	listingStore, err := postgres.NewListingStore(pool, postgres.ListingStoreConfig{
		BatchSize: cfg.Pipeline.BatchSize,
		Workers:   cfg.Pipeline.PersistWorkers,
	}, logger.Named("postgres"))
	if err != nil {
		return nil, nil, err
	}
	jobStore, err := postgres.NewJobStore(pool)
	if err != nil {
		return nil, nil, err
	}
	return listingStore, jobStore, nil
}

// newPublisher picks Pub/Sub when enabled, otherwise a recording
// in-memory publisher.
func newPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (listing.Publisher, error) {
	if !cfg.Publisher.Enabled {
		logger.Info("publisher disabled, completion events stay in memory")
		return memorypublisher.New(), nil
	}
	pub, err := pubsubpublisher.New(ctx, cfg.Publisher.ProjectID, cfg.Publisher.TopicName)
	if err != nil {
		return nil, err
	}
	return pub, nil
}
