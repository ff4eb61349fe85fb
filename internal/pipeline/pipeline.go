// Package pipeline orchestrates one crawl run end to end: fetch, archive,
// normalize, persist, index.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/orbitre/listing-crawler/internal/jobid"
	"github.com/orbitre/listing-crawler/internal/listing"
	"github.com/orbitre/listing-crawler/internal/metrics"
)

// Config carries the run-scoped knobs for the orchestrator.
type Config struct {
	// Source labels archived batches, e.g. "mls_api".
	Source string
	// MaxRecords caps how many records one run ingests.
	MaxRecords int
	// RunTimeout bounds the wall-clock time of one run.
	RunTimeout time.Duration
	// Snapshot is stored on each job for post-hoc diagnosis.
	Snapshot map[string]any
	// Topic names the completion-event destination. Empty disables
	// publishing.
	Topic string
}

// Deps are the pipeline stages plus supporting services.
type Deps struct {
	Source     listing.Source
	Archiver   listing.Archiver
	Normalizer listing.Normalizer
	Listings   listing.ListingStore
	Jobs       listing.JobStore
	Search     listing.SearchIndex
	Publisher  listing.Publisher
	Clock      listing.Clock
	Logger     *zap.Logger
}

// Orchestrator drives crawl runs. At most one run is active at a time.
type Orchestrator struct {
	cfg     Config
	deps    Deps
	running atomic.Bool
}

// New constructs an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if cfg.Source == "" {
		cfg.Source = "mls_api"
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = 10000
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 30 * time.Minute
	}
	if deps.Source == nil || deps.Archiver == nil || deps.Normalizer == nil ||
		deps.Listings == nil || deps.Jobs == nil || deps.Search == nil ||
		deps.Clock == nil || deps.Logger == nil {
		return nil, fmt.Errorf("pipeline: missing dependency")
	}
	return &Orchestrator{cfg: cfg, deps: deps}, nil
}

// TryRun starts a run in the background and returns its job ID. It
// returns listing.ErrRunInProgress while another run is active. The
// provided context should outlive the caller; the run keeps going after
// TryRun returns.
func (o *Orchestrator) TryRun(ctx context.Context) (string, error) {
	if !o.running.CompareAndSwap(false, true) {
		return "", listing.ErrRunInProgress
	}

	started := o.deps.Clock.Now()
	jobID := jobid.New(started)
	job := listing.CrawlJob{
		JobID:          jobID,
		Status:         listing.JobStatusRunning,
		StartedAt:      started,
		ConfigSnapshot: o.cfg.Snapshot,
	}
	if err := o.deps.Jobs.CreateJob(ctx, job); err != nil {
		o.running.Store(false)
		return "", fmt.Errorf("create job record: %w", err)
	}

	go func() {
		defer o.running.Store(false)
		o.run(ctx, job)
	}()
	return jobID, nil
}

// Run executes a crawl synchronously and returns its job ID once the
// run reaches a terminal state.
func (o *Orchestrator) Run(ctx context.Context) (string, error) {
	if !o.running.CompareAndSwap(false, true) {
		return "", listing.ErrRunInProgress
	}
	defer o.running.Store(false)

	started := o.deps.Clock.Now()
	jobID := jobid.New(started)
	job := listing.CrawlJob{
		JobID:          jobID,
		Status:         listing.JobStatusRunning,
		StartedAt:      started,
		ConfigSnapshot: o.cfg.Snapshot,
	}
	if err := o.deps.Jobs.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job record: %w", err)
	}
	o.run(ctx, job)
	return jobID, nil
}

// Running reports whether a run is currently active.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

func (o *Orchestrator) run(ctx context.Context, job listing.CrawlJob) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RunTimeout)
	defer cancel()

	logger := o.deps.Logger.With(zap.String("job_id", job.JobID))
	logger.Info("crawl run started")

	// fetch
	stageStart := o.deps.Clock.Now()
	records, err := o.deps.Source.Fetch(ctx, o.cfg.MaxRecords)
	if err != nil {
		o.finishFailed(ctx, logger, job, "fetch", err)
		return
	}
	job.Counters.TotalFetched = len(records)
	metrics.ObserveStage("fetch", len(records), o.deps.Clock.Now().Sub(stageStart))

	if len(records) == 0 {
		logger.Info("upstream returned no records")
		o.finishCompleted(ctx, logger, job)
		return
	}

	// archive raw data before any interpretation
	stageStart = o.deps.Clock.Now()
	archiveKey, err := o.deps.Archiver.Archive(ctx, records, listing.ArchiveMeta{
		Source:      o.cfg.Source,
		RunID:       job.JobID,
		FetchedAt:   job.StartedAt,
		RecordCount: len(records),
	})
	if err != nil {
		o.finishFailed(ctx, logger, job, "archive", err)
		return
	}
	metrics.ObserveStage("archive", len(records), o.deps.Clock.Now().Sub(stageStart))
	logger.Info("raw batch archived", zap.String("archive_key", archiveKey))

	// normalize
	stageStart = o.deps.Clock.Now()
	normalized, skipped, err := o.deps.Normalizer.Normalize(records, archiveKey, o.deps.Clock.Now())
	if err != nil {
		job.Counters.TotalErrors += skipped
		o.finishFailed(ctx, logger, job, "normalize", err)
		return
	}
	job.Counters.TotalProcessed = len(normalized)
	job.Counters.TotalErrors += skipped
	metrics.ObserveStage("normalize", len(normalized), o.deps.Clock.Now().Sub(stageStart))

	// persist
	stageStart = o.deps.Clock.Now()
	saved, err := o.deps.Listings.Upsert(ctx, normalized)
	if err != nil {
		o.finishFailed(ctx, logger, job, "persist", err)
		return
	}
	job.Counters.TotalSaved = saved
	job.Counters.TotalErrors += len(normalized) - saved
	metrics.ObserveStage("persist", saved, o.deps.Clock.Now().Sub(stageStart))

	// index
	stageStart = o.deps.Clock.Now()
	stats, err := o.deps.Search.Index(ctx, normalized)
	if err != nil {
		o.finishFailed(ctx, logger, job, "index", err)
		return
	}
	job.Counters.TotalIndexed = stats.Indexed
	job.Counters.TotalErrors += stats.Failed
	if len(stats.Errors) > 0 {
		logger.Warn("some documents failed to index", zap.Strings("errors", stats.Errors))
	}
	metrics.ObserveStage("index", stats.Indexed, o.deps.Clock.Now().Sub(stageStart))

	// visibility is best effort; the documents are already durable
	if err := o.deps.Search.Refresh(ctx); err != nil {
		logger.Warn("index refresh failed", zap.Error(err))
	}

	o.finishCompleted(ctx, logger, job)
}

func (o *Orchestrator) finishCompleted(ctx context.Context, logger *zap.Logger, job listing.CrawlJob) {
	completed := o.deps.Clock.Now()
	job.Status = listing.JobStatusCompleted
	job.CompletedAt = &completed

	o.writeTerminal(ctx, logger, job)
	logger.Info("crawl run completed",
		zap.Int("total_fetched", job.Counters.TotalFetched),
		zap.Int("total_processed", job.Counters.TotalProcessed),
		zap.Int("total_saved", job.Counters.TotalSaved),
		zap.Int("total_indexed", job.Counters.TotalIndexed),
		zap.Int("total_errors", job.Counters.TotalErrors),
	)
}

func (o *Orchestrator) finishFailed(ctx context.Context, logger *zap.Logger, job listing.CrawlJob, stage string, cause error) {
	completed := o.deps.Clock.Now()
	job.Status = listing.JobStatusFailed
	job.CompletedAt = &completed
	job.ErrorMessage = fmt.Sprintf("%s: %v", stage, cause)
	job.ErrorDetails = map[string]any{
		"stage":    stage,
		"canceled": errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded),
	}

	o.writeTerminal(ctx, logger, job)
	logger.Error("crawl run failed", zap.String("stage", stage), zap.Error(cause))
}

// writeTerminal persists the terminal job record last so a completed row
// always reflects final counters, then emits the completion event.
func (o *Orchestrator) writeTerminal(ctx context.Context, logger *zap.Logger, job listing.CrawlJob) {
	// the run context may already be canceled; the record must land anyway
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := o.deps.Jobs.FinishJob(writeCtx, job); err != nil {
		logger.Error("failed to persist terminal job record", zap.Error(err))
	}
	metrics.ObserveRun(string(job.Status), job.CompletedAt.Sub(job.StartedAt))

	if o.deps.Publisher == nil || o.cfg.Topic == "" {
		return
	}
	event := map[string]any{
		"job_id":       job.JobID,
		"status":       string(job.Status),
		"started_at":   job.StartedAt,
		"completed_at": job.CompletedAt,
		"counters":     job.Counters,
	}
	if _, err := o.deps.Publisher.Publish(writeCtx, o.cfg.Topic, event); err != nil {
		logger.Warn("failed to publish completion event", zap.Error(err))
	}
}
