package postgres

import (
	"context"
	"fmt"
)

// migrations are idempotent and safe to run on every startup.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS listings (
		external_id       TEXT PRIMARY KEY,
		price             BIGINT,
		beds              INTEGER,
		baths             DOUBLE PRECISION,
		square_feet       INTEGER,
		lot_size_acres    DOUBLE PRECISION,
		year_built        INTEGER,
		street_address    TEXT,
		city              TEXT,
		state             TEXT,
		zip_code          TEXT,
		latitude          DOUBLE PRECISION,
		longitude         DOUBLE PRECISION,
		property_type     TEXT,
		status            TEXT,
		description       TEXT,
		listing_agent     TEXT,
		photo_urls        JSONB,
		source_updated_at TIMESTAMPTZ,
		crawled_at        TIMESTAMPTZ NOT NULL,
		archive_key       TEXT,
		is_active         BOOLEAN NOT NULL DEFAULT TRUE,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_listings_price_beds_baths ON listings (price, beds, baths)`,
	`CREATE INDEX IF NOT EXISTS idx_listings_city_state ON listings (city, state)`,
	`CREATE INDEX IF NOT EXISTS idx_listings_lat_lon ON listings (latitude, longitude)`,
	`CREATE INDEX IF NOT EXISTS idx_listings_type_status ON listings (property_type, status)`,
	`CREATE INDEX IF NOT EXISTS idx_listings_crawled_active ON listings (crawled_at, is_active)`,
	`CREATE TABLE IF NOT EXISTS crawl_jobs (
		job_id          TEXT PRIMARY KEY,
		status          TEXT NOT NULL,
		started_at      TIMESTAMPTZ NOT NULL,
		completed_at    TIMESTAMPTZ,
		total_fetched   INTEGER NOT NULL DEFAULT 0,
		total_processed INTEGER NOT NULL DEFAULT 0,
		total_saved     INTEGER NOT NULL DEFAULT 0,
		total_indexed   INTEGER NOT NULL DEFAULT 0,
		total_errors    INTEGER NOT NULL DEFAULT 0,
		error_message   TEXT,
		error_details   JSONB,
		config_snapshot JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_crawl_jobs_started ON crawl_jobs (started_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_crawl_jobs_status ON crawl_jobs (status)`,
}

// Migrate creates the schema if it does not already exist.
func Migrate(ctx context.Context, pool dbPool) error {
	for _, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	return nil
}
