package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/deepbin/backend/internal/models"
	"github.com/deepbin/backend/internal/pricing"
)

// PostgresStore is the production job store. DDL lives in
// scripts/schema.sql.
type PostgresStore struct {
	db     *sql.DB
	logger *log.Logger
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("jobstore: nil database handle")
	}
	return &PostgresStore{
		db:     db,
		logger: log.New(log.Writer(), "[JobStore] ", log.LstdFlags),
	}, nil
}

const jobColumns = `id, owner, api_key_id, filename, size_bytes, hash, blob_handle, blob_url,
	tier, priority, source, status, progress, queued_at, started_at, completed_at,
	processing_seconds, credits_charged, credit_breakdown, results, error, meta`

func (s *PostgresStore) Insert(ctx context.Context, job *models.Job) error {
	breakdown, err := marshalNullable(job.CreditBreakdown)
	if err != nil {
		return fmt.Errorf("jobstore: encode breakdown: %w", err)
	}
	results, err := marshalNullable(job.Results)
	if err != nil {
		return fmt.Errorf("jobstore: encode results: %w", err)
	}
	jobErr, err := marshalNullable(job.Error)
	if err != nil {
		return fmt.Errorf("jobstore: encode error: %w", err)
	}
	meta, err := json.Marshal(job.Meta)
	if err != nil {
		return fmt.Errorf("jobstore: encode meta: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		job.ID, job.Owner, job.APIKeyID, job.Filename, job.SizeBytes, job.Hash,
		job.BlobHandle, job.BlobURL, string(job.Tier), job.Priority, job.Source,
		string(job.Status), job.Progress, job.QueuedAt, job.StartedAt, job.CompletedAt,
		job.ProcessingSeconds, job.CreditsCharged, breakdown, results, jobErr, meta,
	)
	if err != nil {
		return fmt.Errorf("jobstore: insert: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job, err
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status models.JobStatus, jobErr *models.JobError) error {
	encoded, err := marshalNullable(jobErr)
	if err != nil {
		return fmt.Errorf("jobstore: encode error: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = $2,
			error = COALESCE($3, error),
			started_at = CASE WHEN $2 = 'processing' AND started_at IS NULL THEN now() ELSE started_at END,
			completed_at = CASE WHEN $2 IN ('completed','failed') THEN now() ELSE completed_at END,
			progress = CASE WHEN $2 = 'completed' THEN 100 ELSE progress END
		WHERE id = $1 AND status NOT IN ('completed','failed')`,
		id, string(status), encoded,
	)
	if err != nil {
		return fmt.Errorf("jobstore: update status: %w", err)
	}
	return s.mutationOutcome(ctx, id, res)
}

func (s *PostgresStore) UpdateProgress(ctx context.Context, id string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET progress = $2
		WHERE id = $1 AND status NOT IN ('completed','failed')`,
		id, progress,
	)
	if err != nil {
		return fmt.Errorf("jobstore: update progress: %w", err)
	}
	return s.mutationOutcome(ctx, id, res)
}

func (s *PostgresStore) AttachResults(ctx context.Context, id string, results *models.Result) error {
	encoded, err := marshalNullable(results)
	if err != nil {
		return fmt.Errorf("jobstore: encode results: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET results = $2
		WHERE id = $1 AND status NOT IN ('completed','failed')`,
		id, encoded,
	)
	if err != nil {
		return fmt.Errorf("jobstore: attach results: %w", err)
	}
	return s.mutationOutcome(ctx, id, res)
}

func (s *PostgresStore) SetCreditCharge(ctx context.Context, id string, credits int, breakdown pricing.Breakdown, processingSeconds float64) error {
	encoded, err := json.Marshal(breakdown)
	if err != nil {
		return fmt.Errorf("jobstore: encode breakdown: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET credits_charged = $2, credit_breakdown = $3, processing_seconds = $4
		WHERE id = $1 AND status NOT IN ('completed','failed')`,
		id, credits, encoded, processingSeconds,
	)
	if err != nil {
		return fmt.Errorf("jobstore: set charge: %w", err)
	}
	return s.mutationOutcome(ctx, id, res)
}

// mutationOutcome distinguishes a missing row from a terminal one after a
// guarded UPDATE matched nothing.
func (s *PostgresStore) mutationOutcome(ctx context.Context, id string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("jobstore: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("jobstore: lookup after update: %w", err)
	}
	return fmt.Errorf("%w: %s is %s", ErrTerminal, id, status)
}

func (s *PostgresStore) FindByOwnerAndHash(ctx context.Context, owner, hash string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE owner = $1 AND hash = $2 AND status = 'completed'
		ORDER BY completed_at DESC
		LIMIT 1`,
		owner, hash,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: owner=%s hash=%s", ErrNotFound, owner, hash)
	}
	return job, err
}

func (s *PostgresStore) ListByOwner(ctx context.Context, owner string, page, limit int) ([]*models.Job, int, error) {
	page, limit = normalizePage(page, limit)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM jobs WHERE owner = $1`, owner).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("jobstore: count: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE owner = $1
		ORDER BY queued_at DESC
		LIMIT $2 OFFSET $3`,
		owner, limit, (page-1)*limit,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("jobstore: list: %w", err)
	}
	defer rows.Close()

	var out []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, job)
	}
	return out, total, rows.Err()
}

func (s *PostgresStore) DeleteTerminalOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().Add(-age)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed','failed') AND completed_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("jobstore: delete terminal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("jobstore: rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Printf("🧹 Pruned %d terminal jobs older than %s", n, age)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job        models.Job
		tier       string
		status     string
		startedAt  sql.NullTime
		completed  sql.NullTime
		breakdown  []byte
		results    []byte
		jobErr     []byte
		meta       []byte
	)

	err := row.Scan(
		&job.ID, &job.Owner, &job.APIKeyID, &job.Filename, &job.SizeBytes, &job.Hash,
		&job.BlobHandle, &job.BlobURL, &tier, &job.Priority, &job.Source,
		&status, &job.Progress, &job.QueuedAt, &startedAt, &completed,
		&job.ProcessingSeconds, &job.CreditsCharged, &breakdown, &results, &jobErr, &meta,
	)
	if err != nil {
		return nil, err
	}

	job.Tier = models.Tier(tier)
	job.Status = models.JobStatus(status)
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		job.CompletedAt = &t
	}
	if len(breakdown) > 0 {
		var b pricing.Breakdown
		if err := json.Unmarshal(breakdown, &b); err != nil {
			return nil, fmt.Errorf("jobstore: decode breakdown: %w", err)
		}
		job.CreditBreakdown = &b
	}
	if len(results) > 0 {
		var r models.Result
		if err := json.Unmarshal(results, &r); err != nil {
			return nil, fmt.Errorf("jobstore: decode results: %w", err)
		}
		job.Results = &r
	}
	if len(jobErr) > 0 {
		var e models.JobError
		if err := json.Unmarshal(jobErr, &e); err != nil {
			return nil, fmt.Errorf("jobstore: decode error: %w", err)
		}
		job.Error = &e
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &job.Meta); err != nil {
			return nil, fmt.Errorf("jobstore: decode meta: %w", err)
		}
	}
	return &job, nil
}

// marshalNullable returns NULL for nil pointers so COALESCE guards work.
func marshalNullable(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case *pricing.Breakdown:
		if x == nil {
			return nil, nil
		}
	case *models.Result:
		if x == nil {
			return nil, nil
		}
	case *models.JobError:
		if x == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
