// Package jobstore is the durable record of every analysis job. Terminal
// rows (completed, failed) are immutable except for janitor deletion.
package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/deepbin/backend/internal/models"
	"github.com/deepbin/backend/internal/pricing"
)

var (
	// ErrNotFound reports an unknown job id (or a dedup miss).
	ErrNotFound = errors.New("jobstore: job not found")

	// ErrTerminal rejects mutation of a completed or failed row. Callers
	// treat this as an invariant violation, not a retryable failure.
	ErrTerminal = errors.New("jobstore: job already terminal")
)

// Store persists jobs. The worker and the HTTP tier write disjoint fields;
// implementations must be safe under concurrent writers.
type Store interface {
	Insert(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id string) (*models.Job, error)

	// UpdateStatus moves the lifecycle forward. Entering processing stamps
	// started_at once; entering a terminal state stamps completed_at, and
	// completion forces progress to 100.
	UpdateStatus(ctx context.Context, id string, status models.JobStatus, jobErr *models.JobError) error

	UpdateProgress(ctx context.Context, id string, progress int) error
	AttachResults(ctx context.Context, id string, results *models.Result) error
	SetCreditCharge(ctx context.Context, id string, credits int, breakdown pricing.Breakdown, processingSeconds float64) error

	// FindByOwnerAndHash returns the latest completed job for (owner, hash),
	// or ErrNotFound. This is the dedup cache lookup.
	FindByOwnerAndHash(ctx context.Context, owner, hash string) (*models.Job, error)

	// ListByOwner pages the owner's history, newest first. page starts at 1.
	ListByOwner(ctx context.Context, owner string, page, limit int) ([]*models.Job, int, error)

	DeleteTerminalOlderThan(ctx context.Context, age time.Duration) (int, error)
}

// NewStore selects a backend: Postgres when a database handle is supplied,
// in-memory otherwise.
func NewStore(db *sql.DB) (Store, error) {
	if db == nil {
		return NewMemoryStore(), nil
	}
	return NewPostgresStore(db)
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return page, limit
}

func checkMutable(job *models.Job) error {
	if job.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, job.ID, job.Status)
	}
	return nil
}
