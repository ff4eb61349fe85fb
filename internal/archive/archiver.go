// Package archive writes fetched raw batches verbatim to object storage
// before any downstream processing can touch them.
package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orbitre/listing-crawler/internal/listing"
	"github.com/orbitre/listing-crawler/internal/retry"
)

const (
	contentTypeGzip = "application/gzip"
	encodingGzip    = "gzip"
)

// Config controls archive key layout and write retry behavior.
type Config struct {
	Prefix string
	Retry  retry.Policy
}

// Archiver gzips raw record batches into immutable, time-keyed blobs.
type Archiver struct {
	blobs  listing.BlobStore
	cfg    Config
	logger *zap.Logger
}

// New constructs an Archiver over the given blob store.
func New(blobs listing.BlobStore, cfg Config, logger *zap.Logger) *Archiver {
	if cfg.Prefix == "" {
		cfg.Prefix = "raw"
	}
	return &Archiver{
		blobs:  blobs,
		cfg:    cfg,
		logger: logger,
	}
}

type envelope struct {
	Meta    listing.ArchiveMeta `json:"meta"`
	Records []listing.RawRecord `json:"records"`
}

// Archive serializes and compresses the batch, then writes it under a
// time-partitioned key. Once the key is returned the object is durable;
// downstream stages reference the key, never the in-memory records.
func (a *Archiver) Archive(ctx context.Context, records []listing.RawRecord, meta listing.ArchiveMeta) (string, error) {
	meta.RecordCount = len(records)
	payload, err := json.Marshal(envelope{Meta: meta, Records: records})
	if err != nil {
		return "", fmt.Errorf("marshal archive payload: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return "", fmt.Errorf("compress archive payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("close gzip writer: %w", err)
	}

	key := a.buildKey(meta.FetchedAt)
	err = a.cfg.Retry.Do(ctx, "archive raw batch", func(ctx context.Context) error {
		return a.blobs.Put(ctx, key, contentTypeGzip, encodingGzip, buf.Bytes())
	})
	if err != nil {
		return "", err
	}

	a.logger.Info("raw batch archived",
		zap.String("key", key),
		zap.Int("record_count", len(records)),
		zap.Int("size_bytes", buf.Len()),
	)
	return key, nil
}

// Read loads an archived batch back for reprocessing or audit.
func (a *Archiver) Read(ctx context.Context, key string) ([]listing.RawRecord, listing.ArchiveMeta, error) {
	data, err := a.blobs.Get(ctx, key)
	if err != nil {
		return nil, listing.ArchiveMeta{}, err
	}
	// Some stores transparently decode gzip on download; only gunzip when
	// the magic bytes are still present.
	if len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b {
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, listing.ArchiveMeta{}, fmt.Errorf("open gzip reader for %q: %w", key, err)
		}
		defer gz.Close() //nolint:errcheck // read errors surface below
		if data, err = io.ReadAll(gz); err != nil {
			return nil, listing.ArchiveMeta{}, fmt.Errorf("decompress archive %q: %w", key, err)
		}
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, listing.ArchiveMeta{}, fmt.Errorf("decode archive %q: %w", key, err)
	}
	return env.Records, env.Meta, nil
}

// ListKeys returns archive keys for the given UTC hour range, inclusive.
func (a *Archiver) ListKeys(ctx context.Context, from, to time.Time, limit int) ([]string, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("time range end precedes start")
	}
	var keys []string
	for hour := from.UTC().Truncate(time.Hour); !hour.After(to.UTC()); hour = hour.Add(time.Hour) {
		prefix := fmt.Sprintf("%s/%s/", a.cfg.Prefix, hour.Format("2006/01/02/15"))
		hourKeys, err := a.blobs.List(ctx, prefix, limit-len(keys))
		if err != nil {
			return nil, err
		}
		keys = append(keys, hourKeys...)
		if limit > 0 && len(keys) >= limit {
			return keys[:limit], nil
		}
	}
	return keys, nil
}

// buildKey produces <prefix>/<yyyy>/<mm>/<dd>/<hh>/<ts>_<rand8>.json.gz.
// The random suffix keeps concurrent runs within the same second from
// colliding; the hour path enables range-listing by time.
func (a *Archiver) buildKey(at time.Time) string {
	at = at.UTC()
	prefix := strings.Trim(a.cfg.Prefix, "/")
	return fmt.Sprintf("%s/%s/%s_%s.json.gz",
		prefix,
		at.Format("2006/01/02/15"),
		at.Format("20060102_150405"),
		uuid.NewString()[:8],
	)
}
