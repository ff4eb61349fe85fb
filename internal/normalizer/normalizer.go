// Package normalizer maps heterogeneous raw records onto the canonical
// listing schema.
package normalizer

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/orbitre/listing-crawler/internal/listing"
)

// ErrTooManyInvalid is returned when the share of skipped records exceeds
// the configured tolerance. It is fatal to the run: past this point the
// batch cannot be trusted.
var ErrTooManyInvalid = errors.New("too many invalid records in batch")

var zipCodePattern = regexp.MustCompile(`^\d{5}(-\d{4})?$`)

const (
	maxBeds      = 50
	maxBaths     = 50
	maxPriceUnit = int64(10_000_000_000) // $100M in cents
)

// Config controls normalization tolerances.
type Config struct {
	// ErrorTolerance is the maximum tolerated fraction of skipped records
	// per batch, e.g. 0.1 for 10%.
	ErrorTolerance float64
}

// Normalizer validates raw records and produces canonical listings.
type Normalizer struct {
	cfg    Config
	logger *zap.Logger
}

// New constructs a Normalizer.
func New(cfg Config, logger *zap.Logger) *Normalizer {
	if cfg.ErrorTolerance <= 0 {
		cfg.ErrorTolerance = 0.1
	}
	return &Normalizer{cfg: cfg, logger: logger}
}

// result is the per-record outcome: either a listing or a skip reason.
type result struct {
	ok      listing.NormalizedListing
	skipErr error
}

// Normalize maps each record, skipping malformed ones. It returns the
// normalized listings, the skip count, and ErrTooManyInvalid when skips
// exceed the tolerance share of the batch.
func (n *Normalizer) Normalize(records []listing.RawRecord, archiveKey string, now time.Time) ([]listing.NormalizedListing, int, error) {
	results := make([]result, 0, len(records))
	for _, raw := range records {
		results = append(results, n.normalizeOne(raw, archiveKey, now))
	}

	listings := make([]listing.NormalizedListing, 0, len(results))
	skipped := 0
	for _, res := range results {
		if res.skipErr != nil {
			skipped++
			n.logger.Warn("skipping malformed record", zap.Error(res.skipErr))
			continue
		}
		listings = append(listings, res.ok)
	}

	if len(records) > 0 && float64(skipped) > n.cfg.ErrorTolerance*float64(len(records)) {
		return nil, skipped, fmt.Errorf("%w: %d of %d records skipped", ErrTooManyInvalid, skipped, len(records))
	}

	n.logger.Info("batch normalized",
		zap.Int("input", len(records)),
		zap.Int("normalized", len(listings)),
		zap.Int("skipped", skipped),
	)
	return listings, skipped, nil
}

func (n *Normalizer) normalizeOne(raw listing.RawRecord, archiveKey string, now time.Time) result {
	id := raw.ExternalID()
	if id == "" {
		return result{skipErr: errors.New("missing required field id")}
	}

	l := listing.NormalizedListing{
		ExternalID: id,
		CrawledAt:  now,
		ArchiveKey: archiveKey,
	}

	var err error
	if l.Beds, err = optionalIntField(raw, "beds", 0, maxBeds); err != nil {
		return result{skipErr: fmt.Errorf("record %s: %w", id, err)}
	}
	if l.Baths, err = optionalFloatField(raw, "baths", 0, maxBaths); err != nil {
		return result{skipErr: fmt.Errorf("record %s: %w", id, err)}
	}
	if l.Price, err = priceField(raw); err != nil {
		return result{skipErr: fmt.Errorf("record %s: %w", id, err)}
	}
	if l.SquareFeet, err = optionalIntField(raw, "square_feet", 0, 1<<30); err != nil {
		return result{skipErr: fmt.Errorf("record %s: %w", id, err)}
	}
	if l.LotSizeAcres, err = optionalFloatField(raw, "lot_size", 0, 1e9); err != nil {
		return result{skipErr: fmt.Errorf("record %s: %w", id, err)}
	}
	if l.YearBuilt, err = optionalIntField(raw, "year_built", 1800, 2100); err != nil {
		return result{skipErr: fmt.Errorf("record %s: %w", id, err)}
	}

	lat, lon, err := coordinateFields(raw)
	if err != nil {
		return result{skipErr: fmt.Errorf("record %s: %w", id, err)}
	}
	l.Latitude, l.Longitude = lat, lon

	zip := stringField(raw, "zip_code")
	if zip != "" && !zipCodePattern.MatchString(zip) {
		return result{skipErr: fmt.Errorf("record %s: invalid zip code %q", id, zip)}
	}
	l.ZipCode = zip

	rawType := stringField(raw, "property_type")
	l.PropertyType = listing.NormalizePropertyType(rawType)
	if l.PropertyType == listing.PropertyOther && rawType != "" {
		n.logger.Debug("property type fallback", zap.String("external_id", id), zap.String("raw", rawType))
	}
	l.Status = listing.NormalizeStatus(stringField(raw, "status"))

	l.StreetAddress = stringField(raw, "address")
	l.City = stringField(raw, "city")
	l.State = stringField(raw, "state")
	l.Description = stringField(raw, "description")
	l.ListingAgent = stringField(raw, "listing_agent")
	l.PhotoURLs = stringSliceField(raw, "photos")
	l.SourceUpdatedAt = timeField(raw, "last_updated")

	return result{ok: l}
}

func stringField(raw listing.RawRecord, key string) string {
	s, _ := raw[key].(string)
	return s
}

func numberField(raw listing.RawRecord, key string) (float64, bool, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case float64:
		return n, true, nil
	case int:
		return float64(n), true, nil
	case int64:
		return float64(n), true, nil
	default:
		return 0, false, fmt.Errorf("field %s is not numeric", key)
	}
}

func optionalIntField(raw listing.RawRecord, key string, min, max float64) (*int, error) {
	f, ok, err := numberField(raw, key)
	if err != nil || !ok {
		return nil, err
	}
	if f < min || f > max {
		return nil, fmt.Errorf("field %s out of range: %v", key, f)
	}
	n := int(f)
	return &n, nil
}

func optionalFloatField(raw listing.RawRecord, key string, min, max float64) (*float64, error) {
	f, ok, err := numberField(raw, key)
	if err != nil || !ok {
		return nil, err
	}
	if f < min || f > max {
		return nil, fmt.Errorf("field %s out of range: %v", key, f)
	}
	return &f, nil
}

func priceField(raw listing.RawRecord) (*int64, error) {
	f, ok, err := numberField(raw, "price")
	if err != nil || !ok {
		return nil, err
	}
	p := int64(f)
	if p < 0 || p > maxPriceUnit {
		return nil, fmt.Errorf("price out of range: %d", p)
	}
	return &p, nil
}

// coordinateFields enforces the both-or-neither invariant: a lone
// coordinate is dropped, an out-of-range one rejects the record.
func coordinateFields(raw listing.RawRecord) (*float64, *float64, error) {
	lat, hasLat, err := numberField(raw, "lat")
	if err != nil {
		return nil, nil, err
	}
	lon, hasLon, err := numberField(raw, "lon")
	if err != nil {
		return nil, nil, err
	}
	if hasLat && (lat < -90 || lat > 90) {
		return nil, nil, fmt.Errorf("latitude out of range: %v", lat)
	}
	if hasLon && (lon < -180 || lon > 180) {
		return nil, nil, fmt.Errorf("longitude out of range: %v", lon)
	}
	if !hasLat || !hasLon {
		return nil, nil, nil
	}
	return &lat, &lon, nil
}

func stringSliceField(raw listing.RawRecord, key string) []string {
	v, ok := raw[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(v))
	for _, item := range v {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func timeField(raw listing.RawRecord, key string) *time.Time {
	s, ok := raw[key].(string)
	if !ok || s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
