// Package ingest is the upload path: admission gate, blob persist, dedup
// against prior completed work, then job creation and queue submission.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/deepbin/backend/internal/blobstore"
	"github.com/deepbin/backend/internal/jobstore"
	"github.com/deepbin/backend/internal/ledger"
	"github.com/deepbin/backend/internal/metrics"
	"github.com/deepbin/backend/internal/models"
	"github.com/deepbin/backend/internal/queue"
	"github.com/deepbin/backend/internal/users"
)

const (
	// DefaultThreshold is the admission gate: a fixed floor instead of a
	// cost estimate, because the true cost depends on processing time that
	// is unknown until the analyzer finishes. Balances may therefore dip
	// below zero by up to one job's cost.
	DefaultThreshold = 5

	// DefaultBatchCap bounds one batch request.
	DefaultBatchCap = 50
)

var (
	// ErrInsufficientCredits gates uploads below the admission threshold.
	ErrInsufficientCredits = errors.New("ingest: insufficient credits")

	// ErrTooManyFiles rejects a batch over the cap before any upload begins.
	ErrTooManyFiles = errors.New("ingest: too many files in batch")
)

// InsufficientCreditsError carries the balance snapshot the API reports.
type InsufficientCreditsError struct {
	Required  int
	Available int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: need %d, have %d", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

func (e *InsufficientCreditsError) Deficit() int {
	if d := e.Required - e.Available; d > 0 {
		return d
	}
	return 0
}

// Upload is one file offered to the pipeline.
type Upload struct {
	Owner    string
	APIKeyID string
	Filename string
	Size     int64
	Source   string
	Reader   io.Reader
	Meta     models.UploadMeta
}

// Receipt is the outcome of one accepted upload.
type Receipt struct {
	Job    *models.Job
	Cached bool
}

// BatchItem is the per-file outcome of a batch; Err is set when that file
// failed without affecting its siblings.
type BatchItem struct {
	Filename string
	Receipt  *Receipt
	Err      error
}

// Service runs the ingestion path.
type Service struct {
	jobs      jobstore.Store
	blobs     blobstore.Store
	queue     queue.Queue
	ledger    *ledger.Service
	users     users.Directory
	metrics   *metrics.Metrics
	threshold int
	batchCap  int
	logger    *log.Logger
}

// New wires the service. m may be nil; non-positive knobs take defaults.
func New(jobs jobstore.Store, blobs blobstore.Store, q queue.Queue, led *ledger.Service,
	dir users.Directory, m *metrics.Metrics, threshold, batchCap int) *Service {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if batchCap <= 0 {
		batchCap = DefaultBatchCap
	}
	return &Service{
		jobs:      jobs,
		blobs:     blobs,
		queue:     q,
		ledger:    led,
		users:     dir,
		metrics:   m,
		threshold: threshold,
		batchCap:  batchCap,
		logger:    log.New(log.Writer(), "[Ingest] ", log.LstdFlags),
	}
}

// Ingest admits one upload. Cache hits return the prior completed job and
// charge nothing; misses enqueue a fresh job.
func (s *Service) Ingest(ctx context.Context, up *Upload) (*Receipt, error) {
	ok, balance, err := s.ledger.HasAtLeast(ctx, up.Owner, s.threshold)
	if err != nil {
		return nil, fmt.Errorf("admission check: %w", err)
	}
	if !ok {
		return nil, &InsufficientCreditsError{Required: s.threshold, Available: balance.Remaining}
	}

	handle, urlHint, digest, err := s.blobs.Put(ctx, up.Owner, up.Filename, up.Reader, up.Size)
	if err != nil {
		return nil, fmt.Errorf("persist upload: %w", err)
	}

	tier := s.tierFor(ctx, up.Owner)

	cached, err := s.jobs.FindByOwnerAndHash(ctx, up.Owner, digest)
	if err == nil {
		if derr := s.blobs.Delete(ctx, handle); derr != nil {
			s.logger.Printf("⚠️ Duplicate blob cleanup for %s: %v", up.Owner, derr)
		}
		if s.metrics != nil {
			s.metrics.RecordIngest(string(cached.Tier), up.Source, true)
		}
		s.logger.Printf("↩️ Cache hit for %s (%s), reusing job %s", up.Filename, shortHash(digest), cached.ID)
		return &Receipt{Job: cached, Cached: true}, nil
	}
	if !errors.Is(err, jobstore.ErrNotFound) {
		return nil, fmt.Errorf("dedup lookup: %w", err)
	}

	job := &models.Job{
		ID:         models.NewID(),
		Owner:      up.Owner,
		APIKeyID:   up.APIKeyID,
		Filename:   up.Filename,
		SizeBytes:  up.Size,
		Hash:       digest,
		BlobHandle: handle,
		BlobURL:    urlHint,
		Tier:       tier,
		Priority:   models.PriorityFor(tier),
		Source:     up.Source,
		Status:     models.JobQueued,
		QueuedAt:   time.Now().UTC(),
		Meta:       up.Meta,
	}
	if err := s.jobs.Insert(ctx, job); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	task := &queue.Task{JobID: job.ID, Tier: job.Tier, Priority: job.Priority, EnqueuedAt: job.QueuedAt}
	if err := s.queue.Submit(ctx, task); err != nil {
		s.abandon(ctx, job, err)
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordIngest(string(job.Tier), up.Source, false)
	}
	s.logger.Printf("📤 Queued job %s (%s, %d bytes, %s)", job.ID, up.Filename, up.Size, job.Tier)
	return &Receipt{Job: job}, nil
}

// IngestBatch admits up to the cap; each file succeeds or fails on its own.
func (s *Service) IngestBatch(ctx context.Context, uploads []*Upload) ([]BatchItem, error) {
	if len(uploads) > s.batchCap {
		return nil, fmt.Errorf("%w: %d files exceeds cap of %d", ErrTooManyFiles, len(uploads), s.batchCap)
	}

	items := make([]BatchItem, 0, len(uploads))
	for _, up := range uploads {
		receipt, err := s.Ingest(ctx, up)
		items = append(items, BatchItem{Filename: up.Filename, Receipt: receipt, Err: err})
	}
	return items, nil
}

// CheckHash reports the cached completed job for the digest, or
// jobstore.ErrNotFound.
func (s *Service) CheckHash(ctx context.Context, owner, hash string) (*models.Job, error) {
	return s.jobs.FindByOwnerAndHash(ctx, owner, hash)
}

// abandon marks a job the queue never accepted. Leaving it queued would
// strand the row forever; the blob goes with it.
func (s *Service) abandon(ctx context.Context, job *models.Job, cause error) {
	s.logger.Printf("🚨 Queue rejected job %s: %v", job.ID, cause)
	jobErr := &models.JobError{Message: cause.Error(), Code: "QUEUE_UNAVAILABLE"}
	if err := s.jobs.UpdateStatus(ctx, job.ID, models.JobFailed, jobErr); err != nil {
		s.logger.Printf("❌ Could not mark abandoned job %s failed: %v", job.ID, err)
	}
	if err := s.blobs.Delete(ctx, job.BlobHandle); err != nil {
		s.logger.Printf("⚠️ Blob cleanup for abandoned job %s: %v", job.ID, err)
	}
}

func (s *Service) tierFor(ctx context.Context, owner string) models.Tier {
	if s.users == nil {
		return models.TierTwo
	}
	u, err := s.users.GetUser(ctx, owner)
	if err != nil {
		s.logger.Printf("⚠️ Tier lookup for %s: %v", owner, err)
		return models.TierTwo
	}
	if u != nil && u.Tier == models.TierOne {
		return models.TierOne
	}
	return models.TierTwo
}

func shortHash(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}
