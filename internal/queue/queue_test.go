package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepbin/backend/internal/config"
	"github.com/deepbin/backend/internal/models"
)

func testConfig() config.QueueConfig {
	return config.QueueConfig{
		Backend:          "memory",
		Tier1Concurrency: 2,
		Tier2Concurrency: 1,
		AttemptCap:       3,
	}
}

// immediate retries keep the tests fast.
func newTestQueue(t *testing.T) *MemoryQueue {
	t.Helper()
	q := NewMemoryQueue(testConfig())
	q.cfg.BackoffBaseSeconds = 0
	t.Cleanup(func() { q.Close() })
	return q
}

func submit(t *testing.T, q Queue, tier models.Tier, jobID string) {
	t.Helper()
	require.NoError(t, q.Submit(context.Background(), &Task{
		JobID:      jobID,
		Tier:       tier,
		Priority:   models.PriorityFor(tier),
		EnqueuedAt: time.Now(),
	}))
}

func TestSubmitAndConsume(t *testing.T) {
	q := newTestQueue(t)

	var got atomic.Value
	done := make(chan struct{})
	require.NoError(t, q.Consume(models.TierOne, func(_ context.Context, task *Task) error {
		got.Store(*task)
		close(done)
		return nil
	}))

	submit(t, q, models.TierOne, "job-1")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task was not delivered")
	}

	task := got.Load().(Task)
	assert.Equal(t, "job-1", task.JobID)
	assert.Equal(t, 1, task.Attempt)

	assert.Eventually(t, func() bool {
		c, err := q.Counts(context.Background(), models.TierOne)
		return err == nil && c.Completed == 1 && c.Active == 0
	}, time.Second, 10*time.Millisecond)
}

func TestRetryThenSucceed(t *testing.T) {
	q := newTestQueue(t)

	var calls int32
	require.NoError(t, q.Consume(models.TierOne, func(_ context.Context, task *Task) error {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return errors.New("analyzer hiccup")
		}
		return nil
	}))

	submit(t, q, models.TierOne, "job-1")

	assert.Eventually(t, func() bool {
		c, _ := q.Counts(context.Background(), models.TierOne)
		return c.Completed == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestAttemptCapParksTask(t *testing.T) {
	q := newTestQueue(t)

	var calls int32
	require.NoError(t, q.Consume(models.TierOne, func(_ context.Context, _ *Task) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("always broken")
	}))

	submit(t, q, models.TierOne, "job-1")

	assert.Eventually(t, func() bool {
		c, _ := q.Counts(context.Background(), models.TierOne)
		return c.Failed == 1
	}, 3*time.Second, 10*time.Millisecond)

	// The cap bounds handler invocations, not just requeues.
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))

	c, err := q.Counts(context.Background(), models.TierOne)
	require.NoError(t, err)
	assert.Zero(t, c.Completed)
	assert.Zero(t, c.Waiting)
}

func TestAttemptNumbersAscend(t *testing.T) {
	q := newTestQueue(t)

	var mu sync.Mutex
	var attempts []int
	require.NoError(t, q.Consume(models.TierOne, func(_ context.Context, task *Task) error {
		mu.Lock()
		attempts = append(attempts, task.Attempt)
		mu.Unlock()
		return errors.New("nope")
	}))

	submit(t, q, models.TierOne, "job-1")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) == 3
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestTiersDoNotShareWorkers(t *testing.T) {
	q := newTestQueue(t)

	var tier1, tier2 int32
	require.NoError(t, q.Consume(models.TierOne, func(_ context.Context, _ *Task) error {
		atomic.AddInt32(&tier1, 1)
		return nil
	}))
	require.NoError(t, q.Consume(models.TierTwo, func(_ context.Context, _ *Task) error {
		atomic.AddInt32(&tier2, 1)
		return nil
	}))

	submit(t, q, models.TierOne, "fast")
	submit(t, q, models.TierTwo, "slow")

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&tier1) == 1 && atomic.LoadInt32(&tier2) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestFIFOWithinTier(t *testing.T) {
	cfg := testConfig()
	cfg.Tier1Concurrency = 1
	q := NewMemoryQueue(cfg)
	defer q.Close()

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	require.NoError(t, q.Consume(models.TierOne, func(_ context.Context, task *Task) error {
		mu.Lock()
		order = append(order, task.JobID)
		if len(order) == 3 {
			close(done)
		}
		mu.Unlock()
		return nil
	}))

	submit(t, q, models.TierOne, "a")
	submit(t, q, models.TierOne, "b")
	submit(t, q, models.TierOne, "c")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tasks were not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestClearAllDropsEverything(t *testing.T) {
	q := newTestQueue(t)

	// No consumer attached; tasks pile up in waiting.
	for i := 0; i < 5; i++ {
		submit(t, q, models.TierOne, models.NewID())
	}
	c, err := q.Counts(context.Background(), models.TierOne)
	require.NoError(t, err)
	require.EqualValues(t, 5, c.Waiting)

	require.NoError(t, q.ClearAll(context.Background()))

	c, err = q.Counts(context.Background(), models.TierOne)
	require.NoError(t, err)
	assert.Equal(t, Counts{}, c)
}

func TestSubmitAfterCloseFails(t *testing.T) {
	q := NewMemoryQueue(testConfig())
	require.NoError(t, q.Close())

	err := q.Submit(context.Background(), &Task{JobID: "x", Tier: models.TierOne})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSubmitBackpressureWhenFull(t *testing.T) {
	q := newTestQueue(t)

	for i := 0; i < memoryBuffer; i++ {
		require.NoError(t, q.Submit(context.Background(), &Task{JobID: models.NewID(), Tier: models.TierTwo}))
	}
	err := q.Submit(context.Background(), &Task{JobID: "overflow", Tier: models.TierTwo})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestBackoffDoubles(t *testing.T) {
	base := 10 * time.Second
	assert.Equal(t, 10*time.Second, backoff(base, 1))
	assert.Equal(t, 20*time.Second, backoff(base, 2))
	assert.Equal(t, 40*time.Second, backoff(base, 3))
}

func TestTaskPayloadOmitsAttempt(t *testing.T) {
	payload, err := json.Marshal(&Task{JobID: "j", Tier: models.TierOne, Attempt: 2})
	require.NoError(t, err)
	assert.NotContains(t, string(payload), "attempt")

	var decoded Task
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Zero(t, decoded.Attempt)
}

func TestRedisKeyLayout(t *testing.T) {
	q := NewRedisQueue(nil, testConfig(), nil)
	defer q.Close()

	assert.Equal(t, "deepbin:queue:tier1:waiting", q.key(models.TierOne, "waiting"))
	assert.Equal(t, "deepbin:queue:tier2:active", q.key(models.TierTwo, "active"))
}

func TestNewSelectsBackend(t *testing.T) {
	q, err := New(config.QueueConfig{Backend: "memory"}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryQueue{}, q)
	q.Close()

	_, err = New(config.QueueConfig{Backend: "redis"}, nil, nil)
	assert.Error(t, err, "redis backend needs a client")

	_, err = New(config.QueueConfig{Backend: "kafka"}, nil, nil)
	assert.Error(t, err)
}
