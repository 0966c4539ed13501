// Package queue hands analysis tasks from the ingestion API to the worker
// pools. Two tiers run as separate pools so paid traffic never waits behind
// free traffic. Delivery is at least once; the worker is idempotent by job
// id.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/deepbin/backend/internal/alerts"
	"github.com/deepbin/backend/internal/config"
	"github.com/deepbin/backend/internal/models"
)

var (
	// ErrUnavailable reports an unreachable backend. Submit callers surface
	// it as retryable backpressure, never as a dropped job.
	ErrUnavailable = errors.New("queue: backend unavailable")

	// ErrClosed reports use after Close.
	ErrClosed = errors.New("queue: closed")
)

// Task is the queue payload. It stays byte-identical across redeliveries;
// the attempt number lives in the attempts ledger, not the payload.
type Task struct {
	JobID      string      `json:"job_id"`
	Tier       models.Tier `json:"tier"`
	Priority   int         `json:"priority"`
	EnqueuedAt time.Time   `json:"enqueued_at"`

	// Attempt is stamped at delivery, 1-based.
	Attempt int `json:"-"`
}

// Handler processes one delivery. A nil return acknowledges the task; an
// error schedules a retry until the attempt cap.
type Handler func(ctx context.Context, task *Task) error

// Counts is the per-tier depth snapshot.
type Counts struct {
	Active    int64 `json:"active"`
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Failed    int64 `json:"failed"`
	Completed int64 `json:"completed"`
}

// Queue is the transport between ingestion and the workers.
type Queue interface {
	Submit(ctx context.Context, task *Task) error

	// Consume starts the tier's worker pool and returns. Deliveries stop
	// when the queue closes.
	Consume(tier models.Tier, handler Handler) error

	Counts(ctx context.Context, tier models.Tier) (Counts, error)

	// ClearAll drops every task in every tier, in-flight leases included.
	ClearAll(ctx context.Context) error

	Close() error
}

// New selects a backend from config.
func New(cfg config.QueueConfig, rdb *redis.Client, rec *alerts.Recorder) (Queue, error) {
	cfg = withDefaults(cfg)
	switch cfg.Backend {
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("queue: redis backend requires a client")
		}
		return NewRedisQueue(rdb, cfg, rec), nil
	case "memory", "":
		return NewMemoryQueue(cfg), nil
	default:
		return nil, fmt.Errorf("queue: unknown backend %q", cfg.Backend)
	}
}

func withDefaults(cfg config.QueueConfig) config.QueueConfig {
	if cfg.Tier1Concurrency <= 0 {
		cfg.Tier1Concurrency = 10
	}
	if cfg.Tier2Concurrency <= 0 {
		cfg.Tier2Concurrency = 5
	}
	if cfg.AttemptCap <= 0 {
		cfg.AttemptCap = 3
	}
	if cfg.JobTimeoutSeconds <= 0 {
		cfg.JobTimeoutSeconds = 600
	}
	if cfg.BackoffBaseSeconds <= 0 {
		cfg.BackoffBaseSeconds = 10
	}
	if cfg.LeaseSeconds <= 0 {
		cfg.LeaseSeconds = 90
	}
	return cfg
}

func concurrencyFor(cfg config.QueueConfig, tier models.Tier) int {
	if tier == models.TierOne {
		return cfg.Tier1Concurrency
	}
	return cfg.Tier2Concurrency
}

// backoff doubles per failed attempt: base, 2×base, 4×base...
func backoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
