// Package janitor prunes stale state on a wall-clock schedule: analyzed
// blobs past retention, terminal job rows past retention, and expired OTP
// codes.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deepbin/backend/internal/blobstore"
	"github.com/deepbin/backend/internal/config"
	"github.com/deepbin/backend/internal/jobstore"
	"github.com/deepbin/backend/internal/otp"
)

const (
	defaultHour          = 2
	defaultMinute        = 0
	defaultBlobRetention = 24 * time.Hour
	defaultJobRetention  = 7 * 24 * time.Hour
)

// ErrAlreadyRunning rejects a sweep while another is active.
var ErrAlreadyRunning = errors.New("janitor: sweep already running")

// Report summarizes one sweep.
type Report struct {
	StartedAt    time.Time `json:"started_at"`
	BlobsDeleted int       `json:"blobs_deleted"`
	JobsDeleted  int       `json:"jobs_deleted"`
	OTPsDeleted  int       `json:"otps_deleted"`
	DurationMS   int64     `json:"duration_ms"`
}

// Janitor owns the schedule and the re-entrancy guard.
type Janitor struct {
	blobs blobstore.Store
	jobs  jobstore.Store
	otps  *otp.Service

	blobRetention time.Duration
	jobRetention  time.Duration
	hour, minute  int

	running atomic.Bool
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *log.Logger
}

// New builds a janitor from config. otps may be nil to skip the OTP pass.
func New(blobs blobstore.Store, jobs jobstore.Store, otps *otp.Service, cfg config.JanitorConfig) (*Janitor, error) {
	hour, minute, err := parseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}

	blobRetention := cfg.BlobRetention()
	if blobRetention <= 0 {
		blobRetention = defaultBlobRetention
	}
	jobRetention := cfg.JobRetention()
	if jobRetention <= 0 {
		jobRetention = defaultJobRetention
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Janitor{
		blobs:         blobs,
		jobs:          jobs,
		otps:          otps,
		blobRetention: blobRetention,
		jobRetention:  jobRetention,
		hour:          hour,
		minute:        minute,
		baseCtx:       ctx,
		cancel:        cancel,
		logger:        log.New(log.Writer(), "[Janitor] ", log.LstdFlags),
	}, nil
}

// Start launches the daily loop.
func (j *Janitor) Start() {
	j.wg.Add(1)
	go j.loop()
}

// Close stops the loop and waits for an in-flight sweep.
func (j *Janitor) Close() error {
	j.cancel()
	j.wg.Wait()
	return nil
}

func (j *Janitor) loop() {
	defer j.wg.Done()
	for {
		next := nextRun(time.Now(), j.hour, j.minute)
		j.logger.Printf("🧹 Next sweep at %s", next.Format(time.RFC3339))

		select {
		case <-j.baseCtx.Done():
			return
		case <-time.After(time.Until(next)):
			if _, err := j.RunOnce(j.baseCtx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
				j.logger.Printf("❌ Scheduled sweep: %v", err)
			}
		}
	}
}

// TriggerNow starts a sweep in the background unless one is active.
func (j *Janitor) TriggerNow() bool {
	if j.running.Load() {
		return false
	}
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		if _, err := j.RunOnce(j.baseCtx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			j.logger.Printf("❌ Manual sweep: %v", err)
		}
	}()
	return true
}

// RunOnce performs one guarded sweep.
func (j *Janitor) RunOnce(ctx context.Context) (*Report, error) {
	if !j.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer j.running.Store(false)

	report := &Report{StartedAt: time.Now().UTC()}

	handles, err := j.blobs.ListOlderThan(ctx, j.blobRetention, blobstore.HandlePrefix)
	if err != nil {
		return nil, fmt.Errorf("janitor: list stale blobs: %w", err)
	}
	for _, handle := range handles {
		if err := j.blobs.Delete(ctx, handle); err != nil {
			j.logger.Printf("⚠️ Delete %s: %v", handle, err)
			continue
		}
		report.BlobsDeleted++
	}

	deleted, err := j.jobs.DeleteTerminalOlderThan(ctx, j.jobRetention)
	if err != nil {
		return nil, fmt.Errorf("janitor: prune jobs: %w", err)
	}
	report.JobsDeleted = deleted

	if j.otps != nil {
		swept, err := j.otps.SweepExpired(ctx)
		if err != nil {
			j.logger.Printf("⚠️ OTP sweep: %v", err)
		} else {
			report.OTPsDeleted = swept
		}
	}

	report.DurationMS = time.Since(report.StartedAt).Milliseconds()
	j.logger.Printf("🧹 Sweep done: %d blobs, %d jobs, %d otps in %dms",
		report.BlobsDeleted, report.JobsDeleted, report.OTPsDeleted, report.DurationMS)
	return report, nil
}

// nextRun finds the next wall-clock occurrence of hour:minute after now.
func nextRun(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

func parseSchedule(s string) (hour, minute int, err error) {
	if s == "" {
		return defaultHour, defaultMinute, nil
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("janitor: schedule %q is not HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("janitor: schedule %q has a bad hour", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("janitor: schedule %q has a bad minute", s)
	}
	return hour, minute, nil
}
