package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/orbitre/listing-crawler/internal/listing"
)

const upsertListingSQL = `
INSERT INTO listings (
	external_id, price, beds, baths, square_feet, lot_size_acres, year_built,
	street_address, city, state, zip_code, latitude, longitude,
	property_type, status, description, listing_agent, photo_urls,
	source_updated_at, crawled_at, archive_key, is_active,
	created_at, updated_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,
	NOW(), NOW()
)
ON CONFLICT (external_id) DO UPDATE SET
	price = EXCLUDED.price,
	beds = EXCLUDED.beds,
	baths = EXCLUDED.baths,
	square_feet = EXCLUDED.square_feet,
	lot_size_acres = EXCLUDED.lot_size_acres,
	year_built = EXCLUDED.year_built,
	street_address = EXCLUDED.street_address,
	city = EXCLUDED.city,
	state = EXCLUDED.state,
	zip_code = EXCLUDED.zip_code,
	latitude = EXCLUDED.latitude,
	longitude = EXCLUDED.longitude,
	property_type = EXCLUDED.property_type,
	status = EXCLUDED.status,
	description = EXCLUDED.description,
	listing_agent = EXCLUDED.listing_agent,
	photo_urls = EXCLUDED.photo_urls,
	source_updated_at = EXCLUDED.source_updated_at,
	crawled_at = EXCLUDED.crawled_at,
	archive_key = EXCLUDED.archive_key,
	is_active = EXCLUDED.is_active,
	updated_at = NOW()`

// ListingStoreConfig controls batching and concurrency for upserts.
type ListingStoreConfig struct {
	BatchSize int
	Workers   int
}

// ListingStore upserts normalized listings into Postgres.
type ListingStore struct {
	pool   dbPool
	cfg    ListingStoreConfig
	logger *zap.Logger
}

// NewListingStore constructs a ListingStore over an existing pool.
func NewListingStore(pool dbPool, cfg ListingStoreConfig, logger *zap.Logger) (*ListingStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &ListingStore{pool: pool, cfg: cfg, logger: logger}, nil
}

// Upsert writes listings in batches, each batch in its own transaction.
// A failed batch is rolled back and logged without aborting the others;
// the returned count covers only rows that committed. An error is
// returned only when no batch committed at all.
func (s *ListingStore) Upsert(ctx context.Context, listings []listing.NormalizedListing) (int, error) {
	if len(listings) == 0 {
		return 0, nil
	}

	batches := make([][]listing.NormalizedListing, 0, len(listings)/s.cfg.BatchSize+1)
	for start := 0; start < len(listings); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(listings) {
			end = len(listings)
		}
		batches = append(batches, listings[start:end])
	}

	var (
		saved    atomic.Int64
		failures atomic.Int64
		wg       sync.WaitGroup
		sem      = make(chan struct{}, s.cfg.Workers)
	)
	for i, batch := range batches {
		wg.Add(1)
		sem <- struct{}{}
		go func(n int, batch []listing.NormalizedListing) {
			defer wg.Done()
			defer func() { <-sem }()

			count, err := s.upsertBatch(ctx, batch)
			if err != nil {
				failures.Add(1)
				s.logger.Error("listing batch failed",
					zap.Int("batch", n),
					zap.Int("size", len(batch)),
					zap.Error(err),
				)
				return
			}
			saved.Add(int64(count))
		}(i, batch)
	}
	wg.Wait()

	if int(failures.Load()) == len(batches) {
		return 0, fmt.Errorf("all %d listing batches failed", len(batches))
	}
	return int(saved.Load()), nil
}

func (s *ListingStore) upsertBatch(ctx context.Context, batch []listing.NormalizedListing) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, l := range batch {
		photos, err := json.Marshal(l.PhotoURLs)
		if err != nil {
			return 0, fmt.Errorf("marshal photo urls for %s: %w", l.ExternalID, err)
		}
		_, err = tx.Exec(ctx, upsertListingSQL,
			l.ExternalID,
			l.Price,
			l.Beds,
			l.Baths,
			l.SquareFeet,
			l.LotSizeAcres,
			l.YearBuilt,
			l.StreetAddress,
			l.City,
			l.State,
			l.ZipCode,
			l.Latitude,
			l.Longitude,
			string(l.PropertyType),
			string(l.Status),
			l.Description,
			l.ListingAgent,
			photos,
			l.SourceUpdatedAt,
			l.CrawledAt,
			l.ArchiveKey,
			isActive(l.Status),
		)
		if err != nil {
			return 0, fmt.Errorf("upsert listing %s: %w", l.ExternalID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return len(batch), nil
}

// isActive marks listings still on the market for the hot-path index.
func isActive(status listing.Status) bool {
	return status == listing.StatusActive || status == listing.StatusPending
}

// Close releases the underlying pool resources.
func (s *ListingStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
