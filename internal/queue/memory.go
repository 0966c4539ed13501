package queue

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/deepbin/backend/internal/config"
	"github.com/deepbin/backend/internal/models"
)

const memoryBuffer = 4096

// MemoryQueue is the single-process backend for dev and tests. Retry timing
// runs on timers instead of a delayed zset; lease reaping is unnecessary
// because a crashed process takes the whole queue with it.
type MemoryQueue struct {
	cfg    config.QueueConfig
	logger *log.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu         sync.Mutex
	tiers      map[models.Tier]*memTier
	generation int
	closed     bool
}

type memTier struct {
	waiting chan *Task

	mu        sync.Mutex
	attempts  map[string]int
	active    int64
	delayed   int64
	failed    []*Task
	completed int64
}

var _ Queue = (*MemoryQueue)(nil)

func NewMemoryQueue(cfg config.QueueConfig) *MemoryQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryQueue{
		cfg:     withDefaults(cfg),
		logger:  log.New(log.Writer(), "[Queue] ", log.LstdFlags),
		baseCtx: ctx,
		cancel:  cancel,
		tiers:   make(map[models.Tier]*memTier),
	}
}

func (q *MemoryQueue) tier(t models.Tier) *memTier {
	q.mu.Lock()
	defer q.mu.Unlock()
	mt, ok := q.tiers[t]
	if !ok {
		mt = &memTier{
			waiting:  make(chan *Task, memoryBuffer),
			attempts: make(map[string]int),
		}
		q.tiers[t] = mt
	}
	return mt
}

func (q *MemoryQueue) Submit(_ context.Context, task *Task) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.mu.Unlock()

	cp := *task
	select {
	case q.tier(task.Tier).waiting <- &cp:
		return nil
	default:
		return ErrUnavailable
	}
}

func (q *MemoryQueue) Consume(tier models.Tier, handler Handler) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.mu.Unlock()

	workers := concurrencyFor(q.cfg, tier)
	mt := q.tier(tier)
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.consumeLoop(mt, handler)
	}
	q.logger.Printf("✅ Consuming %s with %d workers", tier, workers)
	return nil
}

func (q *MemoryQueue) consumeLoop(mt *memTier, handler Handler) {
	defer q.wg.Done()

	for {
		select {
		case <-q.baseCtx.Done():
			return
		case task := <-mt.waiting:
			q.deliver(mt, task, handler)
		}
	}
}

func (q *MemoryQueue) deliver(mt *memTier, task *Task, handler Handler) {
	mt.mu.Lock()
	mt.attempts[task.JobID]++
	task.Attempt = mt.attempts[task.JobID]
	if task.Attempt > q.cfg.AttemptCap {
		delete(mt.attempts, task.JobID)
		mt.failed = append(mt.failed, task)
		mt.mu.Unlock()
		q.logger.Printf("❌ Job %s exhausted %d attempts, moved to failed", task.JobID, q.cfg.AttemptCap)
		return
	}
	mt.active++
	mt.mu.Unlock()

	runCtx, cancel := context.WithTimeout(context.Background(), q.cfg.JobTimeout())
	err := handler(runCtx, task)
	cancel()

	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.active--

	if err == nil {
		delete(mt.attempts, task.JobID)
		mt.completed++
		return
	}

	if task.Attempt >= q.cfg.AttemptCap {
		delete(mt.attempts, task.JobID)
		mt.failed = append(mt.failed, task)
		q.logger.Printf("❌ Job %s failed after %d attempts: %v", task.JobID, task.Attempt, err)
		return
	}

	delay := backoff(q.cfg.BackoffBase(), task.Attempt)
	mt.delayed++
	q.scheduleRetry(mt, task, delay)
	q.logger.Printf("↩️ Job %s attempt %d failed, retrying in %s: %v", task.JobID, task.Attempt, delay, err)
}

func (q *MemoryQueue) scheduleRetry(mt *memTier, task *Task, delay time.Duration) {
	q.mu.Lock()
	gen := q.generation
	q.mu.Unlock()

	time.AfterFunc(delay, func() {
		mt.mu.Lock()
		mt.delayed--
		mt.mu.Unlock()

		q.mu.Lock()
		stale := q.closed || gen != q.generation
		q.mu.Unlock()
		if stale {
			return
		}

		select {
		case mt.waiting <- task:
		case <-q.baseCtx.Done():
		}
	})
}

func (q *MemoryQueue) Counts(_ context.Context, tier models.Tier) (Counts, error) {
	mt := q.tier(tier)
	mt.mu.Lock()
	defer mt.mu.Unlock()

	return Counts{
		Active:    mt.active,
		Waiting:   int64(len(mt.waiting)),
		Delayed:   mt.delayed,
		Failed:    int64(len(mt.failed)),
		Completed: mt.completed,
	}, nil
}

func (q *MemoryQueue) ClearAll(_ context.Context) error {
	q.mu.Lock()
	q.generation++
	tiers := make([]*memTier, 0, len(q.tiers))
	for _, mt := range q.tiers {
		tiers = append(tiers, mt)
	}
	q.mu.Unlock()

	for _, mt := range tiers {
		for {
			select {
			case <-mt.waiting:
				continue
			default:
			}
			break
		}
		mt.mu.Lock()
		mt.attempts = make(map[string]int)
		mt.delayed = 0
		mt.failed = nil
		mt.completed = 0
		mt.mu.Unlock()
	}

	q.logger.Printf("🧹 Cleared all queues")
	return nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	return nil
}
