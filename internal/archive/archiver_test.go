package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orbitre/listing-crawler/internal/listing"
	"github.com/orbitre/listing-crawler/internal/retry"
	"github.com/orbitre/listing-crawler/internal/storage/memory"
)

func testArchiver(blobs listing.BlobStore) *Archiver {
	return New(blobs, Config{
		Prefix: "raw",
		Retry:  retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}, zap.NewNop())
}

func TestArchiveRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	blobs := memory.NewBlobStore()
	a := testArchiver(blobs)

	records := []listing.RawRecord{
		{"id": "mls-1", "price": float64(45000000)},
		{"id": "mls-2", "status": "Active"},
	}
	meta := listing.ArchiveMeta{
		Source:    "mls_api",
		RunID:     "crawl_20240115_090000_abcd1234",
		FetchedAt: time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC),
	}

	key, err := a.Archive(ctx, records, meta)
	require.NoError(t, err)
	require.Regexp(t, regexp.MustCompile(`^raw/2024/01/15/09/20240115_090000_[0-9a-f]{8}\.json\.gz$`), key)

	got, gotMeta, err := a.Read(ctx, key)
	require.NoError(t, err)
	require.Equal(t, records, got)
	require.Equal(t, 2, gotMeta.RecordCount)
	require.Equal(t, meta.RunID, gotMeta.RunID)
}

func TestArchiveStoresGzip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	blobs := memory.NewBlobStore()
	a := testArchiver(blobs)

	key, err := a.Archive(ctx, []listing.RawRecord{{"id": "x"}}, listing.ArchiveMeta{FetchedAt: time.Now()})
	require.NoError(t, err)

	raw, err := blobs.Get(ctx, key)
	require.NoError(t, err)
	gz, err := gzip.NewReader(bytes.NewReader(raw))
	require.NoError(t, err, "stored object must be gzip")
	payload, err := io.ReadAll(gz)
	require.NoError(t, err)
	require.Contains(t, string(payload), `"id":"x"`)
}

func TestArchiveKeysAreCollisionFree(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	blobs := memory.NewBlobStore()
	a := testArchiver(blobs)

	at := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		key, err := a.Archive(ctx, []listing.RawRecord{{"id": "x"}}, listing.ArchiveMeta{FetchedAt: at})
		require.NoError(t, err)
		require.False(t, seen[key], "key %q repeated", key)
		seen[key] = true
	}
	require.Equal(t, 20, blobs.Len())
}

type flakyBlobStore struct {
	*memory.BlobStore
	failuresLeft int
	puts         int
}

func (s *flakyBlobStore) Put(ctx context.Context, key, contentType, contentEncoding string, data []byte) error {
	s.puts++
	if s.failuresLeft > 0 {
		s.failuresLeft--
		return errors.New("transient storage error")
	}
	return s.BlobStore.Put(ctx, key, contentType, contentEncoding, data)
}

func TestArchiveRetriesTransientWriteFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	blobs := &flakyBlobStore{BlobStore: memory.NewBlobStore(), failuresLeft: 2}
	a := testArchiver(blobs)

	key, err := a.Archive(ctx, []listing.RawRecord{{"id": "x"}}, listing.ArchiveMeta{FetchedAt: time.Now()})
	require.NoError(t, err)
	require.Equal(t, 3, blobs.puts)

	_, _, err = a.Read(ctx, key)
	require.NoError(t, err)
}

func TestArchiveFailsAfterExhaustedRetries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	blobs := &flakyBlobStore{BlobStore: memory.NewBlobStore(), failuresLeft: 10}
	a := testArchiver(blobs)

	_, err := a.Archive(ctx, []listing.RawRecord{{"id": "x"}}, listing.ArchiveMeta{FetchedAt: time.Now()})
	require.Error(t, err)
	require.Equal(t, 0, blobs.Len(), "no partial object on failure")
}

func TestListKeysByHourRange(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	blobs := memory.NewBlobStore()
	a := testArchiver(blobs)

	hours := []time.Time{
		time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
	}
	for _, h := range hours {
		_, err := a.Archive(ctx, []listing.RawRecord{{"id": "x"}}, listing.ArchiveMeta{FetchedAt: h})
		require.NoError(t, err)
	}

	keys, err := a.ListKeys(ctx, hours[0], hours[1], 0)
	require.NoError(t, err)
	require.Len(t, keys, 2, "range excludes the 10:00 archive")

	keys, err = a.ListKeys(ctx, hours[0], hours[2], 2)
	require.NoError(t, err)
	require.Len(t, keys, 2, "limit applies across hours")

	_, err = a.ListKeys(ctx, hours[2], hours[0], 0)
	require.Error(t, err)
}
