package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orbitre/listing-crawler/internal/config"
	"github.com/orbitre/listing-crawler/internal/listing"
	"github.com/orbitre/listing-crawler/internal/metrics"
	"github.com/orbitre/listing-crawler/internal/storage/memory"
)

type fakeStarter struct {
	jobID string
	err   error
}

func (f *fakeStarter) TryRun(context.Context) (string, error) {
	return f.jobID, f.err
}

func newTestServer(t *testing.T, jobs listing.JobStore, starter RunStarter, cfg config.Config) *httptest.Server {
	t.Helper()
	metrics.Init()
	s := NewServer(context.Background(), jobs, starter, cfg, zap.NewNop())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func seedJob(t *testing.T, jobs *memory.JobStore, jobID string, status listing.JobStatus, startedAt time.Time) {
	t.Helper()
	job := listing.CrawlJob{JobID: jobID, Status: listing.JobStatusRunning, StartedAt: startedAt}
	require.NoError(t, jobs.CreateJob(context.Background(), job))
	if status != listing.JobStatusRunning {
		completed := startedAt.Add(time.Minute)
		job.Status = status
		job.CompletedAt = &completed
		job.Counters = listing.JobCounters{TotalFetched: 10, TotalSaved: 9, TotalIndexed: 9, TotalErrors: 1}
		require.NoError(t, jobs.FinishJob(context.Background(), job))
	}
}

func decodeBody(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	defer res.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	return body
}

func TestStartRunAccepted(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, memory.NewJobStore(),
		&fakeStarter{jobID: "crawl_20240115_090000_ab12cd34"}, config.Config{})

	res, err := http.Post(srv.URL+"/v1/runs", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	body := decodeBody(t, res)
	require.Equal(t, "crawl_20240115_090000_ab12cd34", body["job_id"])
}

func TestStartRunConflictWhileActive(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, memory.NewJobStore(),
		&fakeStarter{err: listing.ErrRunInProgress}, config.Config{})

	res, err := http.Post(srv.URL+"/v1/runs", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, res.StatusCode)
	body := decodeBody(t, res)
	require.Contains(t, body["error"], "in progress")
}

func TestGetJob(t *testing.T) {
	t.Parallel()

	jobs := memory.NewJobStore()
	seedJob(t, jobs, "crawl_a", listing.JobStatusCompleted, time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
	srv := newTestServer(t, jobs, &fakeStarter{}, config.Config{})

	res, err := http.Get(srv.URL + "/v1/jobs/crawl_a")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decodeBody(t, res)
	require.Equal(t, "crawl_a", body["job_id"])
	require.Equal(t, "completed", body["status"])

	counters, ok := body["counters"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, float64(10), counters["total_fetched"])
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, memory.NewJobStore(), &fakeStarter{}, config.Config{})

	res, err := http.Get(srv.URL + "/v1/jobs/nope")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	res.Body.Close()
}

func TestListJobsPagination(t *testing.T) {
	t.Parallel()

	jobs := memory.NewJobStore()
	base := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	seedJob(t, jobs, "crawl_old", listing.JobStatusCompleted, base)
	seedJob(t, jobs, "crawl_mid", listing.JobStatusFailed, base.Add(time.Hour))
	seedJob(t, jobs, "crawl_new", listing.JobStatusRunning, base.Add(2*time.Hour))
	srv := newTestServer(t, jobs, &fakeStarter{}, config.Config{})

	res, err := http.Get(srv.URL + "/v1/jobs?limit=2")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decodeBody(t, res)
	list, ok := body["jobs"].([]any)
	require.True(t, ok)
	require.Len(t, list, 2)
	first, ok := list[0].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "crawl_new", first["job_id"])

	res, err = http.Get(srv.URL + "/v1/jobs?limit=2&offset=2")
	require.NoError(t, err)
	body = decodeBody(t, res)
	list = body["jobs"].([]any)
	require.Len(t, list, 1)
}

func TestListJobsRejectsBadParams(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, memory.NewJobStore(), &fakeStarter{}, config.Config{})

	for _, query := range []string{"?limit=0", "?limit=999", "?limit=abc", "?offset=-1"} {
		res, err := http.Get(srv.URL + "/v1/jobs" + query)
		require.NoError(t, err)
		require.Equal(t, http.StatusBadRequest, res.StatusCode, "query %s", query)
		res.Body.Close()
	}
}

func TestAPIKeyGuardsV1Routes(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "sekret"
	srv := newTestServer(t, memory.NewJobStore(), &fakeStarter{jobID: "crawl_x"}, cfg)

	// health stays open
	res, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	res.Body.Close()

	res, err = http.Get(srv.URL + "/v1/jobs")
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, res.StatusCode)
	res.Body.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/jobs", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "sekret")
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	res.Body.Close()
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, memory.NewJobStore(), &fakeStarter{}, config.Config{})

	res, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decodeBody(t, res)
	require.Equal(t, "ok", body["status"])
}
