// Package worker runs the per-job pipeline: fetch the artifact, call the
// analyzer, persist results, charge credits, publish lifecycle events. One
// worker owns one job at a time; the queue schedules N of them per tier.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/deepbin/backend/internal/alerts"
	"github.com/deepbin/backend/internal/analyzer"
	"github.com/deepbin/backend/internal/blobstore"
	"github.com/deepbin/backend/internal/events"
	"github.com/deepbin/backend/internal/jobstore"
	"github.com/deepbin/backend/internal/ledger"
	"github.com/deepbin/backend/internal/metrics"
	"github.com/deepbin/backend/internal/models"
	"github.com/deepbin/backend/internal/pricing"
	"github.com/deepbin/backend/internal/queue"
)

const (
	defaultAttemptCap = 3
	cleanupTimeout    = 30 * time.Second
)

// Analyzer is the slice of the analyzer client the worker needs.
type Analyzer interface {
	Analyze(ctx context.Context, path, filename string) (*models.Result, error)
}

// Worker processes queued jobs.
type Worker struct {
	jobs     jobstore.Store
	blobs    blobstore.Store
	analyzer Analyzer
	ledger   *ledger.Service
	emitter  events.Emitter
	alerts   *alerts.Recorder
	metrics  *metrics.Metrics
	attempts int
	logger   *log.Logger
}

// New wires a worker. emitter, rec, and m may be nil; attemptCap <= 0 uses
// the queue default so both sides agree on which delivery is the last one.
func New(jobs jobstore.Store, blobs blobstore.Store, az Analyzer, led *ledger.Service,
	emitter events.Emitter, rec *alerts.Recorder, m *metrics.Metrics, attemptCap int) *Worker {
	if attemptCap <= 0 {
		attemptCap = defaultAttemptCap
	}
	return &Worker{
		jobs:     jobs,
		blobs:    blobs,
		analyzer: az,
		ledger:   led,
		emitter:  emitter,
		alerts:   rec,
		metrics:  m,
		attempts: attemptCap,
		logger:   log.New(log.Writer(), "[Worker] ", log.LstdFlags),
	}
}

// Handle is the queue handler. A returned error asks the queue to retry.
func (w *Worker) Handle(ctx context.Context, task *queue.Task) error {
	start := time.Now()
	err := w.process(ctx, task)

	if w.metrics != nil {
		outcome := "completed"
		if err != nil {
			outcome = "failed"
		}
		w.metrics.RecordJobOutcome(string(task.Tier), outcome, time.Since(start).Seconds())
	}
	return err
}

func (w *Worker) process(ctx context.Context, task *queue.Task) error {
	job, err := w.jobs.Get(ctx, task.JobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		w.logger.Printf("⚠️ Job %s vanished, dropping stale delivery", task.JobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", task.JobID, err)
	}

	if job.Charged() || job.Status == models.JobCompleted {
		w.logger.Printf("↩️ Job %s already completed, dropping redelivery", job.ID)
		return nil
	}
	if job.CreditsCharged > 0 {
		// The previous attempt died between persisting the charge and the
		// completion flip. Results and charge are on the row; finishing
		// without recharging keeps the ledger single-debit per job.
		return w.finishRecovered(ctx, job)
	}

	if err := w.jobs.UpdateStatus(ctx, job.ID, models.JobProcessing, nil); err != nil {
		return w.attemptFailed(ctx, task, job, fmt.Errorf("mark processing: %w", err))
	}
	w.setProgress(ctx, job, 10)
	w.emit(ctx, events.Processing(job.ID, job.Owner))

	w.setProgress(ctx, job, 20)
	w.emit(ctx, events.Progress(job.ID, job.Owner, 20))
	tmpPath, err := w.blobs.GetToTempFile(ctx, job.BlobHandle, job.Filename)
	if err != nil {
		return w.attemptFailed(ctx, task, job, fmt.Errorf("fetch artifact: %w", err))
	}
	defer os.Remove(tmpPath)

	w.setProgress(ctx, job, 40)
	w.emit(ctx, events.Progress(job.ID, job.Owner, 40))
	t0 := time.Now()
	result, err := w.analyzer.Analyze(ctx, tmpPath, job.Filename)
	if err != nil {
		return w.attemptFailed(ctx, task, job, fmt.Errorf("analyze: %w", err))
	}
	elapsed := time.Since(t0).Seconds()

	if err := w.jobs.AttachResults(ctx, job.ID, result); err != nil {
		return w.attemptFailed(ctx, task, job, fmt.Errorf("store results: %w", err))
	}
	w.setProgress(ctx, job, 75)
	w.emit(ctx, events.Progress(job.ID, job.Owner, 75))
	w.setProgress(ctx, job, 90)
	w.emit(ctx, events.Progress(job.ID, job.Owner, 90))

	breakdown := pricing.Price(job.SizeBytes, elapsed)
	if err := w.jobs.SetCreditCharge(ctx, job.ID, breakdown.Total, breakdown, elapsed); err != nil {
		return w.attemptFailed(ctx, task, job, fmt.Errorf("persist charge: %w", err))
	}
	w.charge(ctx, job, breakdown.Total)

	if err := w.jobs.UpdateStatus(ctx, job.ID, models.JobCompleted, nil); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	w.emit(ctx, events.Completed(job.ID, job.Owner, result, breakdown.Total))
	w.logger.Printf("✅ Job %s completed in %.1fs (%d credits, %s/%s)",
		job.ID, elapsed, breakdown.Total, breakdown.SizeTier, breakdown.TimeTier)
	return nil
}

// charge debits the ledger. A ledger failure never fails the job: the user
// still gets results, and the miss is surfaced through alerts and metrics.
func (w *Worker) charge(ctx context.Context, job *models.Job, credits int) {
	description := "SDK Binary Analysis"
	if job.Source == models.SourceDashboard {
		description = "Dashboard Binary Analysis"
	}

	if _, err := w.ledger.DeductUsage(ctx, job.Owner, credits, job.ID, job.APIKeyID, description); err != nil {
		w.logger.Printf("🚨 Ledger charge of %d credits failed for job %s: %v", credits, job.ID, err)
		if w.alerts != nil {
			w.alerts.Record(alerts.KindLedgerFailure,
				fmt.Sprintf("charge of %d credits for job %s failed: %v", credits, job.ID, err),
				"worker.charge", alerts.SeverityCritical)
		}
		if w.metrics != nil {
			w.metrics.RecordLedgerFailure()
		}
		return
	}
	if w.metrics != nil {
		w.metrics.RecordCharge(job.Source, credits)
	}
}

// finishRecovered flips a crash-interrupted job to completed without
// touching the ledger again.
func (w *Worker) finishRecovered(ctx context.Context, job *models.Job) error {
	w.logger.Printf("↩️ Job %s recovered mid-completion, finishing without recharge", job.ID)
	if err := w.jobs.UpdateStatus(ctx, job.ID, models.JobCompleted, nil); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	w.emit(ctx, events.Completed(job.ID, job.Owner, job.Results, job.CreditsCharged))
	return nil
}

// attemptFailed handles an attempt that died before completion. Non-final
// attempts keep the row and blob intact so the redelivery can run the full
// pipeline again; the last attempt marks the job failed and reclaims storage.
func (w *Worker) attemptFailed(ctx context.Context, task *queue.Task, job *models.Job, cause error) error {
	if task.Attempt < w.attempts {
		w.logger.Printf("↩️ Job %s attempt %d/%d failed: %v", job.ID, task.Attempt, w.attempts, cause)
		return cause
	}

	// The attempt context may already be dead (timeouts land here), so
	// cleanup runs on its own deadline.
	cctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	jobErr := &models.JobError{Message: cause.Error(), Code: errorCode(cause)}
	if err := w.jobs.UpdateStatus(cctx, job.ID, models.JobFailed, jobErr); err != nil {
		w.logger.Printf("❌ Could not mark job %s failed: %v", job.ID, err)
	}
	w.emit(cctx, events.Failed(job.ID, job.Owner, jobErr))

	if job.BlobHandle != "" {
		if err := w.blobs.Delete(cctx, job.BlobHandle); err != nil {
			w.logger.Printf("⚠️ Blob cleanup for failed job %s: %v", job.ID, err)
		}
	}

	w.logger.Printf("❌ Job %s failed permanently after %d attempts: %v", job.ID, task.Attempt, cause)
	return cause
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, analyzer.ErrUnavailable):
		return "ANALYZER_UNAVAILABLE"
	case errors.Is(err, analyzer.ErrTimeout):
		return "ANALYZER_TIMEOUT"
	case errors.Is(err, blobstore.ErrNotFound):
		return "ARTIFACT_MISSING"
	default:
		return "PROCESSING_ERROR"
	}
}

func (w *Worker) setProgress(ctx context.Context, job *models.Job, progress int) {
	if err := w.jobs.UpdateProgress(ctx, job.ID, progress); err != nil {
		w.logger.Printf("⚠️ Progress %d for job %s: %v", progress, job.ID, err)
	}
}

func (w *Worker) emit(ctx context.Context, e *events.Event) {
	if w.emitter == nil {
		return
	}
	w.emitter.Emit(ctx, e)
}
