package memory

import (
	"context"
	"sync"
	"time"

	"github.com/orbitre/listing-crawler/internal/listing"
)

// StoredListing is a persisted listing plus system columns.
type StoredListing struct {
	Listing   listing.NormalizedListing
	CreatedAt time.Time
	UpdatedAt time.Time
	IsActive  bool
}

// ListingStore keeps persisted listings in-memory, keyed by external ID.
type ListingStore struct {
	mu   sync.RWMutex
	rows map[string]StoredListing
}

// NewListingStore constructs a ListingStore.
func NewListingStore() *ListingStore {
	return &ListingStore{
		rows: make(map[string]StoredListing),
	}
}

// Upsert inserts or updates each listing by external ID.
func (s *ListingStore) Upsert(_ context.Context, listings []listing.NormalizedListing) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, l := range listings {
		row, exists := s.rows[l.ExternalID]
		if exists {
			row.Listing = l
			row.UpdatedAt = now
		} else {
			row = StoredListing{
				Listing:   l,
				CreatedAt: now,
				UpdatedAt: now,
				IsActive:  true,
			}
		}
		s.rows[l.ExternalID] = row
	}
	return len(listings), nil
}

// Get returns the stored row for an external ID (test helper).
func (s *ListingStore) Get(externalID string) (StoredListing, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[externalID]
	return row, ok
}

// Len reports the number of stored rows (test helper).
func (s *ListingStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}
