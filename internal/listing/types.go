// Package listing defines core types shared across the ingestion pipeline.
package listing

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrRunInProgress signals that a pipeline run is already active.
var ErrRunInProgress = errors.New("a crawl run is already in progress")

// RawRecord is one listing exactly as returned by the upstream source.
// It lives only inside a run's memory and the archived blob for that run.
type RawRecord map[string]any

// ExternalID extracts the upstream identifier, if present.
func (r RawRecord) ExternalID() string {
	for _, key := range []string{"id", "mls_id", "listing_id"} {
		if id, ok := r[key].(string); ok {
			if id = strings.TrimSpace(id); id != "" {
				return id
			}
		}
	}
	return ""
}

// ArchiveMeta describes one archived batch of raw records.
type ArchiveMeta struct {
	Source      string    `json:"source"`
	RunID       string    `json:"run_id"`
	FetchedAt   time.Time `json:"fetched_at"`
	RecordCount int       `json:"record_count"`
}

// NormalizedListing is the canonical representation of one property listing.
// ExternalID is the natural key for idempotent upsert. A listing carries
// either both coordinates within geographic bounds or neither.
type NormalizedListing struct {
	ExternalID   string       `json:"external_id"`
	Beds         *int         `json:"beds,omitempty"`
	Baths        *float64     `json:"baths,omitempty"`
	Price        *int64       `json:"price,omitempty"`
	Latitude     *float64     `json:"latitude,omitempty"`
	Longitude    *float64     `json:"longitude,omitempty"`
	PropertyType PropertyType `json:"property_type,omitempty"`
	Status       Status       `json:"status,omitempty"`
	SquareFeet   *int         `json:"square_feet,omitempty"`
	LotSizeAcres *float64     `json:"lot_size_acres,omitempty"`
	YearBuilt    *int         `json:"year_built,omitempty"`

	StreetAddress string `json:"street_address,omitempty"`
	City          string `json:"city,omitempty"`
	State         string `json:"state,omitempty"`
	ZipCode       string `json:"zip_code,omitempty"`

	Description  string   `json:"description,omitempty"`
	ListingAgent string   `json:"listing_agent,omitempty"`
	PhotoURLs    []string `json:"photo_urls,omitempty"`

	SourceUpdatedAt *time.Time `json:"source_updated_at,omitempty"`
	CrawledAt       time.Time  `json:"crawled_at"`

	// ArchiveKey points back to the raw archive object this listing came
	// from so raw data can be replayed after downstream failures.
	ArchiveKey string `json:"archive_key,omitempty"`
}

// HasCoordinates reports whether both latitude and longitude are set.
func (l NormalizedListing) HasCoordinates() bool {
	return l.Latitude != nil && l.Longitude != nil
}

// JobStatus represents the lifecycle state of a crawl run.
type JobStatus string

// Job status values persisted in crawl_jobs.status.
const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status ends a run.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobCounters tracks per-run record statistics. Each counter only grows
// within a run and is written together with the final status.
type JobCounters struct {
	TotalFetched   int `json:"total_fetched"`
	TotalProcessed int `json:"total_processed"`
	TotalSaved     int `json:"total_saved"`
	TotalIndexed   int `json:"total_indexed"`
	TotalErrors    int `json:"total_errors"`
}

// CrawlJob is the persisted record of one pipeline run.
type CrawlJob struct {
	JobID          string         `json:"job_id"`
	Status         JobStatus      `json:"status"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Counters       JobCounters    `json:"counters"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	ErrorDetails   map[string]any `json:"error_details,omitempty"`
	ConfigSnapshot map[string]any `json:"config_snapshot,omitempty"`
}

// GeoPoint is a flattened coordinate pair for the search index.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// SearchDocument is the disposable search projection of a listing. It is
// fully reconstructible from the persisted row and never the system of
// record.
type SearchDocument struct {
	ExternalID   string    `json:"external_id"`
	Beds         *int      `json:"beds,omitempty"`
	Baths        *float64  `json:"baths,omitempty"`
	Price        *int64    `json:"price,omitempty"`
	Location     *GeoPoint `json:"location,omitempty"`
	PropertyType string    `json:"property_type,omitempty"`
	Status       string    `json:"status,omitempty"`
	SquareFeet   *int      `json:"square_feet,omitempty"`
	YearBuilt    *int      `json:"year_built,omitempty"`
	City         string    `json:"city,omitempty"`
	State        string    `json:"state,omitempty"`
	ZipCode      string    `json:"zip_code,omitempty"`
	Description  string    `json:"description,omitempty"`
	CrawledAt    time.Time `json:"crawled_at"`
	LastUpdated  time.Time `json:"last_updated"`
}

// NewSearchDocument projects a normalized listing into its search form.
func NewSearchDocument(l NormalizedListing, now time.Time) SearchDocument {
	doc := SearchDocument{
		ExternalID:   l.ExternalID,
		Beds:         l.Beds,
		Baths:        l.Baths,
		Price:        l.Price,
		PropertyType: string(l.PropertyType),
		Status:       string(l.Status),
		SquareFeet:   l.SquareFeet,
		YearBuilt:    l.YearBuilt,
		City:         l.City,
		State:        l.State,
		ZipCode:      l.ZipCode,
		Description:  l.Description,
		CrawledAt:    l.CrawledAt,
		LastUpdated:  now,
	}
	if l.HasCoordinates() {
		doc.Location = &GeoPoint{Lat: *l.Latitude, Lon: *l.Longitude}
	}
	return doc
}

// IndexStats reports the per-item outcome of a bulk index operation.
// Errors holds a bounded sample of failure descriptions.
type IndexStats struct {
	Indexed int      `json:"indexed"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}
