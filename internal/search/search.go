// Package search keeps the Elasticsearch index in sync with persisted
// listings. The index is a disposable projection and never the system of
// record.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"go.uber.org/zap"

	"github.com/orbitre/listing-crawler/internal/listing"
	"github.com/orbitre/listing-crawler/internal/retry"
)

// errorSampleLimit bounds how many per-document failures are kept for
// diagnostics.
const errorSampleLimit = 5

const indexMapping = `{
	"mappings": {
		"properties": {
			"external_id":   {"type": "keyword"},
			"beds":          {"type": "integer"},
			"baths":         {"type": "float"},
			"price":         {"type": "long"},
			"location":      {"type": "geo_point"},
			"property_type": {"type": "keyword"},
			"status":        {"type": "keyword"},
			"square_feet":   {"type": "integer"},
			"year_built":    {"type": "integer"},
			"city":          {"type": "keyword", "fields": {"text": {"type": "text"}}},
			"state":         {"type": "keyword"},
			"zip_code":      {"type": "keyword"},
			"description":   {"type": "text"},
			"crawled_at":    {"type": "date"},
			"last_updated":  {"type": "date"}
		}
	}
}`

// Config controls the Elasticsearch connection and bulk indexing.
type Config struct {
	Addresses []string
	Username  string
	Password  string
	Index     string
	BatchSize int
	Workers   int
	Retry     retry.Policy
}

// Synchronizer bulk-indexes listings into Elasticsearch.
type Synchronizer struct {
	es     *elasticsearch.Client
	cfg    Config
	clock  listing.Clock
	logger *zap.Logger
}

// New connects to Elasticsearch and constructs a Synchronizer. Transient
// transport failures (5xx, connection errors) are retried inside the client
// with the same backoff curve the other stages use.
func New(cfg Config, clock listing.Clock, logger *zap.Logger) (*Synchronizer, error) {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.NewPolicy(0, 0)
	}
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    cfg.Addresses,
		Username:     cfg.Username,
		Password:     cfg.Password,
		MaxRetries:   cfg.Retry.MaxAttempts - 1,
		DisableRetry: cfg.Retry.MaxAttempts <= 1,
		RetryBackoff: func(attempt int) time.Duration {
			// the transport numbers retries from 1
			return cfg.Retry.Backoff(attempt - 1)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return NewWithClient(es, cfg, clock, logger)
}

// NewWithClient constructs a Synchronizer from an existing client
// (primarily for testing).
func NewWithClient(es *elasticsearch.Client, cfg Config, clock listing.Clock, logger *zap.Logger) (*Synchronizer, error) {
	if es == nil {
		return nil, fmt.Errorf("elasticsearch client is required")
	}
	if cfg.Index == "" {
		cfg.Index = "listings"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	return &Synchronizer{es: es, cfg: cfg, clock: clock, logger: logger}, nil
}

// EnsureIndex creates the index with its mapping when it does not exist.
func (s *Synchronizer) EnsureIndex(ctx context.Context) error {
	res, err := s.es.Indices.Exists([]string{s.cfg.Index}, s.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("check index %s: %w", s.cfg.Index, err)
	}
	defer drain(res.Body)
	if res.StatusCode == 200 {
		return nil
	}
	if res.StatusCode != 404 {
		return fmt.Errorf("check index %s: unexpected status %d", s.cfg.Index, res.StatusCode)
	}

	created, err := s.es.Indices.Create(
		s.cfg.Index,
		s.es.Indices.Create.WithBody(bytes.NewReader([]byte(indexMapping))),
		s.es.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("create index %s: %w", s.cfg.Index, err)
	}
	defer drain(created.Body)
	if created.IsError() {
		return fmt.Errorf("create index %s: %s", s.cfg.Index, created.String())
	}
	s.logger.Info("search index created", zap.String("index", s.cfg.Index))
	return nil
}

// Index bulk-writes listings in batches. Per-document failures are
// tallied rather than aborting the whole call; a transport failure
// counts the entire batch as failed.
func (s *Synchronizer) Index(ctx context.Context, listings []listing.NormalizedListing) (listing.IndexStats, error) {
	if len(listings) == 0 {
		return listing.IndexStats{}, nil
	}
	now := s.clock.Now()

	batches := make([][]listing.NormalizedListing, 0, len(listings)/s.cfg.BatchSize+1)
	for start := 0; start < len(listings); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(listings) {
			end = len(listings)
		}
		batches = append(batches, listings[start:end])
	}

	var (
		mu    sync.Mutex
		stats listing.IndexStats
		wg    sync.WaitGroup
		sem   = make(chan struct{}, s.cfg.Workers)
	)
	record := func(batch listing.IndexStats) {
		mu.Lock()
		defer mu.Unlock()
		stats.Indexed += batch.Indexed
		stats.Failed += batch.Failed
		for _, e := range batch.Errors {
			if len(stats.Errors) >= errorSampleLimit {
				break
			}
			stats.Errors = append(stats.Errors, e)
		}
	}

	for _, batch := range batches {
		wg.Add(1)
		sem <- struct{}{}
		go func(batch []listing.NormalizedListing) {
			defer wg.Done()
			defer func() { <-sem }()
			record(s.indexBatch(ctx, batch, now))
		}(batch)
	}
	wg.Wait()

	s.logger.Info("bulk index finished",
		zap.Int("indexed", stats.Indexed),
		zap.Int("failed", stats.Failed),
	)
	return stats, nil
}

// bulkItem is one entry of the bulk response.
type bulkItem struct {
	Index struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"index"`
}

type bulkResponse struct {
	Errors bool       `json:"errors"`
	Items  []bulkItem `json:"items"`
}

func (s *Synchronizer) indexBatch(ctx context.Context, batch []listing.NormalizedListing, now time.Time) listing.IndexStats {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, l := range batch {
		action := map[string]map[string]string{"index": {"_id": l.ExternalID}}
		if err := enc.Encode(action); err != nil {
			return batchFailure(batch, fmt.Errorf("encode bulk action: %w", err))
		}
		if err := enc.Encode(listing.NewSearchDocument(l, now)); err != nil {
			return batchFailure(batch, fmt.Errorf("encode document %s: %w", l.ExternalID, err))
		}
	}

	res, err := s.es.Bulk(
		bytes.NewReader(buf.Bytes()),
		s.es.Bulk.WithIndex(s.cfg.Index),
		s.es.Bulk.WithContext(ctx),
	)
	if err != nil {
		return batchFailure(batch, fmt.Errorf("bulk request: %w", err))
	}
	defer drain(res.Body)
	if res.IsError() {
		return batchFailure(batch, fmt.Errorf("bulk request: status %s", res.Status()))
	}

	var parsed bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return batchFailure(batch, fmt.Errorf("decode bulk response: %w", err))
	}

	var stats listing.IndexStats
	for _, item := range parsed.Items {
		if item.Index.Status == 200 || item.Index.Status == 201 {
			stats.Indexed++
			continue
		}
		stats.Failed++
		if len(stats.Errors) < errorSampleLimit {
			stats.Errors = append(stats.Errors,
				fmt.Sprintf("%s: %s: %s", item.Index.ID, item.Index.Error.Type, item.Index.Error.Reason))
		}
	}
	return stats
}

func batchFailure(batch []listing.NormalizedListing, err error) listing.IndexStats {
	return listing.IndexStats{
		Failed: len(batch),
		Errors: []string{err.Error()},
	}
}

// Refresh makes recent writes visible to search.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	res, err := s.es.Indices.Refresh(
		s.es.Indices.Refresh.WithIndex(s.cfg.Index),
		s.es.Indices.Refresh.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("refresh index %s: %w", s.cfg.Index, err)
	}
	defer drain(res.Body)
	if res.IsError() {
		return fmt.Errorf("refresh index %s: status %s", s.cfg.Index, res.Status())
	}
	return nil
}

func drain(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
