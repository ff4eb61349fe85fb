package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/orbitre/listing-crawler/internal/listing"
)

// JobStore provides an in-memory crawl job store for development/testing.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]listing.CrawlJob
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]listing.CrawlJob),
	}
}

// CreateJob stores a new job record.
func (s *JobStore) CreateJob(_ context.Context, job listing.CrawlJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.JobID]; exists {
		return fmt.Errorf("job %q already exists", job.JobID)
	}
	s.jobs[job.JobID] = job
	return nil
}

// FinishJob writes the terminal state and counters for a job.
func (s *JobStore) FinishJob(_ context.Context, job listing.CrawlJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.JobID]; !ok {
		return fmt.Errorf("job %q: %w", job.JobID, listing.ErrNotFound)
	}
	s.jobs[job.JobID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (listing.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return listing.CrawlJob{}, fmt.Errorf("job %q: %w", jobID, listing.ErrNotFound)
	}
	return job, nil
}

// ListJobs returns jobs ordered most recent first.
func (s *JobStore) ListJobs(_ context.Context, limit, offset int) ([]listing.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]listing.CrawlJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].StartedAt.After(jobs[j].StartedAt)
	})
	if offset >= len(jobs) {
		return nil, nil
	}
	jobs = jobs[offset:]
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}
