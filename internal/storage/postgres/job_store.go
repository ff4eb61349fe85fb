package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/orbitre/listing-crawler/internal/listing"
)

const selectJobColumns = `
	job_id, status, started_at, completed_at,
	total_fetched, total_processed, total_saved, total_indexed, total_errors,
	error_message, error_details, config_snapshot`

// JobStore persists crawl job records in Postgres.
type JobStore struct {
	pool dbPool
}

// NewJobStore constructs a JobStore over an existing pool.
func NewJobStore(pool dbPool) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

// CreateJob inserts the initial running record for a run.
func (s *JobStore) CreateJob(ctx context.Context, job listing.CrawlJob) error {
	snapshot, err := marshalNullable(job.ConfigSnapshot)
	if err != nil {
		return fmt.Errorf("marshal config snapshot: %w", err)
	}
	query := `
		INSERT INTO crawl_jobs (job_id, status, started_at, config_snapshot)
		VALUES ($1, $2, $3, $4)`
	if _, err := s.pool.Exec(ctx, query, job.JobID, string(job.Status), job.StartedAt, snapshot); err != nil {
		return fmt.Errorf("insert crawl job: %w", err)
	}
	return nil
}

// FinishJob writes the terminal status, counters, and error detail.
func (s *JobStore) FinishJob(ctx context.Context, job listing.CrawlJob) error {
	details, err := marshalNullable(job.ErrorDetails)
	if err != nil {
		return fmt.Errorf("marshal error details: %w", err)
	}
	query := `
		UPDATE crawl_jobs
		SET status = $1, completed_at = $2,
			total_fetched = $3, total_processed = $4, total_saved = $5,
			total_indexed = $6, total_errors = $7,
			error_message = NULLIF($8, ''), error_details = $9
		WHERE job_id = $10`
	tag, err := s.pool.Exec(ctx, query,
		string(job.Status),
		job.CompletedAt,
		job.Counters.TotalFetched,
		job.Counters.TotalProcessed,
		job.Counters.TotalSaved,
		job.Counters.TotalIndexed,
		job.Counters.TotalErrors,
		job.ErrorMessage,
		details,
		job.JobID,
	)
	if err != nil {
		return fmt.Errorf("finish crawl job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish crawl job %s: %w", job.JobID, listing.ErrNotFound)
	}
	return nil
}

// GetJob loads a single job or returns listing.ErrNotFound.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (listing.CrawlJob, error) {
	query := `SELECT ` + selectJobColumns + ` FROM crawl_jobs WHERE job_id = $1`
	job, err := scanJob(s.pool.QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return listing.CrawlJob{}, listing.ErrNotFound
		}
		return listing.CrawlJob{}, fmt.Errorf("get crawl job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs most recent first.
func (s *JobStore) ListJobs(ctx context.Context, limit, offset int) ([]listing.CrawlJob, error) {
	query := `SELECT ` + selectJobColumns + `
		FROM crawl_jobs
		ORDER BY started_at DESC
		LIMIT $1 OFFSET $2`
	rows, err := s.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list crawl jobs: %w", err)
	}
	defer rows.Close()

	var jobs []listing.CrawlJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan crawl job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate crawl jobs: %w", err)
	}
	return jobs, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func scanJob(row pgx.Row) (listing.CrawlJob, error) {
	var (
		job      listing.CrawlJob
		status   string
		errMsg   *string
		details  []byte
		snapshot []byte
	)
	err := row.Scan(
		&job.JobID,
		&status,
		&job.StartedAt,
		&job.CompletedAt,
		&job.Counters.TotalFetched,
		&job.Counters.TotalProcessed,
		&job.Counters.TotalSaved,
		&job.Counters.TotalIndexed,
		&job.Counters.TotalErrors,
		&errMsg,
		&details,
		&snapshot,
	)
	if err != nil {
		return listing.CrawlJob{}, err
	}
	job.Status = listing.JobStatus(status)
	if errMsg != nil {
		job.ErrorMessage = *errMsg
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &job.ErrorDetails); err != nil {
			return listing.CrawlJob{}, fmt.Errorf("unmarshal error details: %w", err)
		}
	}
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &job.ConfigSnapshot); err != nil {
			return listing.CrawlJob{}, fmt.Errorf("unmarshal config snapshot: %w", err)
		}
	}
	return job, nil
}

func marshalNullable(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}
