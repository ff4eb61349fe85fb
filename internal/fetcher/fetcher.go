// Package fetcher retrieves raw listing records from the upstream API.
package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/orbitre/listing-crawler/internal/listing"
	"github.com/orbitre/listing-crawler/internal/retry"
)

// Config controls the upstream request behavior.
type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	Retry   retry.Policy
}

// Fetcher calls the upstream listing API with bounded retry.
type Fetcher struct {
	client *http.Client
	cfg    Config
	logger *zap.Logger
}

// New constructs a Fetcher. The client timeout bounds each attempt; the
// retry policy bounds the attempt count.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{
		client: &http.Client{Timeout: timeout},
		cfg:    cfg,
		logger: logger,
	}
}

// Fetch retrieves up to maxRecords raw records. Transient failures
// (timeouts, 5xx) are retried with backoff; client errors fail fast.
func (f *Fetcher) Fetch(ctx context.Context, maxRecords int) ([]listing.RawRecord, error) {
	var records []listing.RawRecord
	err := f.cfg.Retry.Do(ctx, "fetch upstream", func(ctx context.Context) error {
		fetched, err := f.fetchOnce(ctx, maxRecords)
		if err != nil {
			f.logger.Warn("upstream fetch attempt failed", zap.Error(err))
			return err
		}
		records = fetched
		return nil
	})
	if err != nil {
		return nil, err
	}
	f.logger.Info("fetched upstream records", zap.Int("count", len(records)))
	return records, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, maxRecords int) ([]listing.RawRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.URL, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	q := req.URL.Query()
	q.Set("limit", strconv.Itoa(maxRecords))
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "listing-crawler/1.0")
	if f.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.cfg.APIKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request upstream: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // drained below

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("upstream returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, retry.Permanent(fmt.Errorf("upstream returned %d", resp.StatusCode))
	}

	records, err := decodeRecords(body)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	if maxRecords > 0 && len(records) > maxRecords {
		records = records[:maxRecords]
	}
	return records, nil
}

// decodeRecords reduces the upstream's envelope variants (bare array, or
// an object wrapping records under listings/data) to one flat sequence.
func decodeRecords(body []byte) ([]listing.RawRecord, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty response body")
	}

	if trimmed[0] == '[' {
		var records []listing.RawRecord
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, fmt.Errorf("decode record array: %w", err)
		}
		return records, nil
	}

	var envelope struct {
		Listings []listing.RawRecord `json:"listings"`
		Data     []listing.RawRecord `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("decode response envelope: %w", err)
	}
	switch {
	case envelope.Listings != nil:
		return envelope.Listings, nil
	case envelope.Data != nil:
		return envelope.Data, nil
	}

	// An object with neither key is treated as a single record.
	var single listing.RawRecord
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, fmt.Errorf("decode single record: %w", err)
	}
	return []listing.RawRecord{single}, nil
}
