package jobstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/deepbin/backend/internal/models"
	"github.com/deepbin/backend/internal/pricing"
)

// MemoryStore is the in-process backend for development and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*models.Job
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*models.Job)}
}

func cloneJob(j *models.Job) *models.Job {
	cp := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	if j.CreditBreakdown != nil {
		b := *j.CreditBreakdown
		cp.CreditBreakdown = &b
	}
	if j.Results != nil {
		r := *j.Results
		cp.Results = &r
	}
	if j.Error != nil {
		e := *j.Error
		cp.Error = &e
	}
	return &cp
}

func (s *MemoryStore) Insert(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("jobstore: duplicate job id %s", job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) mutable(id string) (*models.Job, error) {
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := checkMutable(job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status models.JobStatus, jobErr *models.JobError) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.mutable(id)
	if err != nil {
		return err
	}

	now := time.Now()
	job.Status = status
	if jobErr != nil {
		e := *jobErr
		job.Error = &e
	}
	if status == models.JobProcessing && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if status.Terminal() {
		job.CompletedAt = &now
	}
	if status == models.JobCompleted {
		job.Progress = 100
	}
	return nil
}

func (s *MemoryStore) UpdateProgress(ctx context.Context, id string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.mutable(id)
	if err != nil {
		return err
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	job.Progress = progress
	return nil
}

func (s *MemoryStore) AttachResults(ctx context.Context, id string, results *models.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.mutable(id)
	if err != nil {
		return err
	}
	r := *results
	job.Results = &r
	return nil
}

func (s *MemoryStore) SetCreditCharge(ctx context.Context, id string, credits int, breakdown pricing.Breakdown, processingSeconds float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.mutable(id)
	if err != nil {
		return err
	}
	job.CreditsCharged = credits
	job.CreditBreakdown = &breakdown
	job.ProcessingSeconds = processingSeconds
	return nil
}

func (s *MemoryStore) FindByOwnerAndHash(ctx context.Context, owner, hash string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *models.Job
	for _, job := range s.jobs {
		if job.Owner != owner || job.Hash != hash || job.Status != models.JobCompleted {
			continue
		}
		if latest == nil || after(job.CompletedAt, latest.CompletedAt) {
			latest = job
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: owner=%s hash=%s", ErrNotFound, owner, hash)
	}
	return cloneJob(latest), nil
}

func after(a, b *time.Time) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.After(*b)
}

func (s *MemoryStore) ListByOwner(ctx context.Context, owner string, page, limit int) ([]*models.Job, int, error) {
	page, limit = normalizePage(page, limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*models.Job
	for _, job := range s.jobs {
		if job.Owner == owner {
			all = append(all, job)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].QueuedAt.After(all[j].QueuedAt) })

	total := len(all)
	start := (page - 1) * limit
	if start >= total {
		return nil, total, nil
	}
	end := start + limit
	if end > total {
		end = total
	}

	out := make([]*models.Job, 0, end-start)
	for _, job := range all[start:end] {
		out = append(out, cloneJob(job))
	}
	return out, total, nil
}

func (s *MemoryStore) DeleteTerminalOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().Add(-age)

	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, job := range s.jobs {
		if job.Status.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}
