package listing

import (
	"context"
	"time"
)

// Source fetches raw records from the upstream listing API.
type Source interface {
	Fetch(ctx context.Context, maxRecords int) ([]RawRecord, error)
}

// BlobStore persists immutable raw artifacts in object storage.
type BlobStore interface {
	Put(ctx context.Context, key, contentType, contentEncoding string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string, limit int) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// Archiver writes a fetched batch durably and returns its storage key.
type Archiver interface {
	Archive(ctx context.Context, records []RawRecord, meta ArchiveMeta) (string, error)
}

// Normalizer maps raw records onto the canonical schema. It returns the
// normalized listings plus the number of records skipped as invalid.
type Normalizer interface {
	Normalize(records []RawRecord, archiveKey string, now time.Time) ([]NormalizedListing, int, error)
}

// ListingStore upserts normalized listings keyed by external ID and
// returns the number of rows actually saved.
type ListingStore interface {
	Upsert(ctx context.Context, listings []NormalizedListing) (int, error)
}

// JobStore persists crawl job records.
type JobStore interface {
	CreateJob(ctx context.Context, job CrawlJob) error
	FinishJob(ctx context.Context, job CrawlJob) error
	GetJob(ctx context.Context, jobID string) (CrawlJob, error)
	ListJobs(ctx context.Context, limit, offset int) ([]CrawlJob, error)
}

// SearchIndex synchronizes listings into the search engine.
type SearchIndex interface {
	EnsureIndex(ctx context.Context) error
	Index(ctx context.Context, listings []NormalizedListing) (IndexStats, error)
	Refresh(ctx context.Context) error
}

// Publisher pushes run-completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
