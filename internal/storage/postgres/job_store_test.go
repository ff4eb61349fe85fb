package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/orbitre/listing-crawler/internal/listing"
)

var jobColumns = []string{
	"job_id", "status", "started_at", "completed_at",
	"total_fetched", "total_processed", "total_saved", "total_indexed", "total_errors",
	"error_message", "error_details", "config_snapshot",
}

func TestCreateJobInsertsRunningRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStore(mock)
	require.NoError(t, err)

	started := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	job := listing.CrawlJob{
		JobID:          "crawl_20240115_090000_ab12cd34",
		Status:         listing.JobStatusRunning,
		StartedAt:      started,
		ConfigSnapshot: map[string]any{"batch_size": 100},
	}

	mock.ExpectExec("INSERT INTO crawl_jobs").
		WithArgs(job.JobID, "running", started, []byte(`{"batch_size":100}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateJob(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishJobWritesCountersAndStatus(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStore(mock)
	require.NoError(t, err)

	completed := time.Date(2024, 1, 15, 9, 5, 0, 0, time.UTC)
	job := listing.CrawlJob{
		JobID:       "crawl_20240115_090000_ab12cd34",
		Status:      listing.JobStatusCompleted,
		CompletedAt: &completed,
		Counters: listing.JobCounters{
			TotalFetched:   100,
			TotalProcessed: 98,
			TotalSaved:     98,
			TotalIndexed:   97,
			TotalErrors:    3,
		},
	}

	mock.ExpectExec("UPDATE crawl_jobs").
		WithArgs("completed", &completed, 100, 98, 98, 97, 3, "", []byte(nil), job.JobID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.FinishJob(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishJobMissingRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStore(mock)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE crawl_jobs").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.FinishJob(context.Background(), listing.CrawlJob{JobID: "missing"})
	require.ErrorIs(t, err, listing.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobRoundTrip(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStore(mock)
	require.NoError(t, err)

	started := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	completed := started.Add(5 * time.Minute)
	errMsg := "normalize: too many invalid records in batch"

	mock.ExpectQuery("FROM crawl_jobs").
		WithArgs("crawl_20240115_090000_ab12cd34").
		WillReturnRows(pgxmock.NewRows(jobColumns).AddRow(
			"crawl_20240115_090000_ab12cd34", "failed", started, &completed,
			50, 0, 0, 0, 50,
			&errMsg, []byte(`{"stage":"normalize"}`), []byte(`{"batch_size":100}`),
		))

	job, err := store.GetJob(context.Background(), "crawl_20240115_090000_ab12cd34")
	require.NoError(t, err)
	require.Equal(t, listing.JobStatusFailed, job.Status)
	require.Equal(t, 50, job.Counters.TotalFetched)
	require.Zero(t, job.Counters.TotalSaved)
	require.Equal(t, errMsg, job.ErrorMessage)
	require.Equal(t, "normalize", job.ErrorDetails["stage"])
	require.Equal(t, float64(100), job.ConfigSnapshot["batch_size"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("FROM crawl_jobs").
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err = store.GetJob(context.Background(), "nope")
	require.ErrorIs(t, err, listing.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListJobsMostRecentFirst(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStore(mock)
	require.NoError(t, err)

	t1 := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	t2 := t1.Add(4 * time.Hour)

	mock.ExpectQuery("FROM crawl_jobs").
		WithArgs(20, 0).
		WillReturnRows(pgxmock.NewRows(jobColumns).
			AddRow("crawl_b", "running", t2, (*time.Time)(nil), 0, 0, 0, 0, 0, (*string)(nil), []byte(nil), []byte(nil)).
			AddRow("crawl_a", "completed", t1, &t1, 10, 10, 10, 10, 0, (*string)(nil), []byte(nil), []byte(nil)))

	jobs, err := store.ListJobs(context.Background(), 20, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, "crawl_b", jobs[0].JobID)
	require.Equal(t, listing.JobStatusRunning, jobs[0].Status)
	require.Nil(t, jobs[0].CompletedAt)
	require.Equal(t, "crawl_a", jobs[1].JobID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateAppliesAllStatements(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	for range migrations {
		mock.ExpectExec("CREATE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}

	require.NoError(t, Migrate(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
}
