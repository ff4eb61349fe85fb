package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orbitre/listing-crawler/internal/retry"
)

func testPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func newTestFetcher(t *testing.T, url string) *Fetcher {
	t.Helper()
	return New(Config{
		URL:     url,
		APIKey:  "secret-token",
		Timeout: 5 * time.Second,
		Retry:   testPolicy(),
	}, zap.NewNop())
}

func TestFetchBareArray(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		require.Equal(t, "50", r.URL.Query().Get("limit"))
		w.Write([]byte(`[{"id":"a"},{"id":"b"}]`)) //nolint:errcheck
	}))
	defer srv.Close()

	records, err := newTestFetcher(t, srv.URL).Fetch(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "a", records[0].ExternalID())
}

func TestFetchEnvelopeVariants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want int
	}{
		{"listings key", `{"listings":[{"id":"a"},{"id":"b"},{"id":"c"}],"total_count":3}`, 3},
		{"data key", `{"data":[{"id":"a"}]}`, 1},
		{"single object", `{"id":"solo","price":100}`, 1},
		{"empty listings", `{"listings":[]}`, 0},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Write([]byte(tc.body)) //nolint:errcheck
			}))
			defer srv.Close()

			records, err := newTestFetcher(t, srv.URL).Fetch(context.Background(), 100)
			require.NoError(t, err)
			require.Len(t, records, tc.want)
		})
	}
}

func TestFetchTruncatesToMaxRecords(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`[{"id":"a"},{"id":"b"},{"id":"c"}]`)) //nolint:errcheck
	}))
	defer srv.Close()

	records, err := newTestFetcher(t, srv.URL).Fetch(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestFetchRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`[{"id":"a"}]`)) //nolint:errcheck
	}))
	defer srv.Close()

	records, err := newTestFetcher(t, srv.URL).Fetch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.EqualValues(t, 3, calls.Load())
}

func TestFetchFailsAfterExhaustedRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestFetcher(t, srv.URL).Fetch(context.Background(), 10)
	require.Error(t, err)
	require.Contains(t, err.Error(), "500")
	require.EqualValues(t, 3, calls.Load())
}

func TestFetchClientErrorDoesNotRetry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestFetcher(t, srv.URL).Fetch(context.Background(), 10)
	require.Error(t, err)
	require.EqualValues(t, 1, calls.Load())
}

func TestDecodeRecordsRejectsGarbage(t *testing.T) {
	t.Parallel()

	for _, body := range []string{"", "   ", "not json", `[{"id":1`} {
		_, err := decodeRecords([]byte(body))
		require.Error(t, err, "body %q", body)
	}
}
