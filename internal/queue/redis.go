package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/deepbin/backend/internal/alerts"
	"github.com/deepbin/backend/internal/config"
	"github.com/deepbin/backend/internal/models"
)

const keyPrefix = "deepbin:queue:"

// popToLease atomically moves the oldest waiting payload into the active
// lease set. Without the script a crash between pop and lease would strand
// the task.
var popToLease = redis.NewScript(`
local payload = redis.call('RPOP', KEYS[1])
if payload then
  redis.call('ZADD', KEYS[2], ARGV[1], payload)
end
return payload
`)

// RedisQueue is the production backend: a waiting list, a delayed zset, an
// active lease zset, an attempts hash, a failed list, and a completed
// counter per tier. Leases are renewed by heartbeat while the handler runs;
// the reaper returns expired leases to waiting.
type RedisQueue struct {
	rdb    *redis.Client
	cfg    config.QueueConfig
	alerts *alerts.Recorder
	logger *log.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	tending map[models.Tier]bool
	closed  bool

	pollInterval time.Duration
}

var _ Queue = (*RedisQueue)(nil)

func NewRedisQueue(rdb *redis.Client, cfg config.QueueConfig, rec *alerts.Recorder) *RedisQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisQueue{
		rdb:          rdb,
		cfg:          withDefaults(cfg),
		alerts:       rec,
		logger:       log.New(log.Writer(), "[Queue] ", log.LstdFlags),
		baseCtx:      ctx,
		cancel:       cancel,
		tending:      make(map[models.Tier]bool),
		pollInterval: 250 * time.Millisecond,
	}
}

func (q *RedisQueue) key(tier models.Tier, part string) string {
	return keyPrefix + string(tier) + ":" + part
}

func (q *RedisQueue) Submit(ctx context.Context, task *Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("queue: marshal task: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.key(task.Tier, "waiting"), payload).Err(); err != nil {
		if q.alerts != nil {
			q.alerts.Record(alerts.KindQueueBackend, err.Error(), "queue.submit", alerts.SeverityHigh)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (q *RedisQueue) Consume(tier models.Tier, handler Handler) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	startTender := !q.tending[tier]
	q.tending[tier] = true
	q.mu.Unlock()

	workers := concurrencyFor(q.cfg, tier)
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.consumeLoop(tier, handler)
	}
	if startTender {
		q.wg.Add(1)
		go q.tendLoop(tier)
	}

	q.logger.Printf("✅ Consuming %s with %d workers", tier, workers)
	return nil
}

func (q *RedisQueue) consumeLoop(tier models.Tier, handler Handler) {
	defer q.wg.Done()

	waiting := q.key(tier, "waiting")
	active := q.key(tier, "active")

	for {
		select {
		case <-q.baseCtx.Done():
			return
		default:
		}

		deadline := time.Now().Add(q.cfg.Lease()).UnixMilli()
		payload, err := popToLease.Run(q.baseCtx, q.rdb, []string{waiting, active}, deadline).Text()
		if errors.Is(err, redis.Nil) {
			q.sleep(q.pollInterval)
			continue
		}
		if err != nil {
			if q.baseCtx.Err() != nil {
				return
			}
			q.logger.Printf("⚠️ Pop failed on %s: %v", tier, err)
			q.sleep(time.Second)
			continue
		}

		q.deliver(tier, payload, handler)
	}
}

func (q *RedisQueue) deliver(tier models.Tier, payload string, handler Handler) {
	active := q.key(tier, "active")
	attempts := q.key(tier, "attempts")
	failed := q.key(tier, "failed")
	ctx := context.Background()

	var task Task
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		// Poison payload: park it in failed where an operator can see it.
		q.rdb.ZRem(ctx, active, payload)
		q.rdb.LPush(ctx, failed, payload)
		q.logger.Printf("❌ Undecodable task parked in %s failed: %v", tier, err)
		return
	}

	attempt, err := q.rdb.HIncrBy(ctx, attempts, task.JobID, 1).Result()
	if err != nil {
		// Leave the lease alone; the reaper redelivers once it expires.
		q.logger.Printf("⚠️ Attempt bump failed for job %s: %v", task.JobID, err)
		return
	}
	task.Attempt = int(attempt)

	if task.Attempt > q.cfg.AttemptCap {
		pipe := q.rdb.Pipeline()
		pipe.ZRem(ctx, active, payload)
		pipe.LPush(ctx, failed, payload)
		pipe.HDel(ctx, attempts, task.JobID)
		if _, err := pipe.Exec(ctx); err != nil {
			q.logger.Printf("⚠️ Park failed for job %s: %v", task.JobID, err)
		}
		q.logger.Printf("❌ Job %s exhausted %d attempts, moved to failed", task.JobID, q.cfg.AttemptCap)
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(q.baseCtx)
	go q.heartbeat(hbCtx, active, payload)

	runCtx, cancel := context.WithTimeout(context.Background(), q.cfg.JobTimeout())
	handlerErr := handler(runCtx, &task)
	cancel()
	stopHeartbeat()

	if handlerErr == nil {
		pipe := q.rdb.Pipeline()
		pipe.ZRem(ctx, active, payload)
		pipe.HDel(ctx, attempts, task.JobID)
		pipe.Incr(ctx, q.key(tier, "completed"))
		if _, err := pipe.Exec(ctx); err != nil {
			q.logger.Printf("⚠️ Ack failed for job %s: %v", task.JobID, err)
		}
		return
	}

	if task.Attempt >= q.cfg.AttemptCap {
		pipe := q.rdb.Pipeline()
		pipe.ZRem(ctx, active, payload)
		pipe.LPush(ctx, failed, payload)
		pipe.HDel(ctx, attempts, task.JobID)
		if _, err := pipe.Exec(ctx); err != nil {
			q.logger.Printf("⚠️ Park failed for job %s: %v", task.JobID, err)
		}
		q.logger.Printf("❌ Job %s failed after %d attempts: %v", task.JobID, task.Attempt, handlerErr)
		return
	}

	delay := backoff(q.cfg.BackoffBase(), task.Attempt)
	pipe := q.rdb.Pipeline()
	pipe.ZRem(ctx, active, payload)
	pipe.ZAdd(ctx, q.key(tier, "delayed"), redis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: payload,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Printf("⚠️ Requeue failed for job %s: %v", task.JobID, err)
	}
	q.logger.Printf("↩️ Job %s attempt %d failed, retrying in %s: %v", task.JobID, task.Attempt, delay, handlerErr)
}

// heartbeat renews the lease while the handler runs. ZAddXX only touches an
// existing member, so a lease the reaper already reclaimed stays reclaimed.
func (q *RedisQueue) heartbeat(ctx context.Context, activeKey, payload string) {
	interval := q.cfg.Lease() / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := float64(time.Now().Add(q.cfg.Lease()).UnixMilli())
			if err := q.rdb.ZAddXX(ctx, activeKey, redis.Z{Score: deadline, Member: payload}).Err(); err != nil && ctx.Err() == nil {
				q.logger.Printf("⚠️ Lease renewal failed: %v", err)
			}
		}
	}
}

// tendLoop promotes due delayed tasks and reclaims expired leases.
func (q *RedisQueue) tendLoop(tier models.Tier) {
	defer q.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-q.baseCtx.Done():
			return
		case <-ticker.C:
			q.promoteDelayed(tier)
			q.reapStalled(tier)
		}
	}
}

func (q *RedisQueue) promoteDelayed(tier models.Tier) {
	ctx := q.baseCtx
	delayed := q.key(tier, "delayed")
	waiting := q.key(tier, "waiting")
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	members, err := q.rdb.ZRangeByScore(ctx, delayed, &redis.ZRangeBy{
		Min: "-inf", Max: now, Offset: 0, Count: 100,
	}).Result()
	if err != nil || len(members) == 0 {
		return
	}

	for _, m := range members {
		// ZRem is the claim: whichever pod removes the member owns the
		// promotion.
		removed, err := q.rdb.ZRem(ctx, delayed, m).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, waiting, m).Err(); err != nil {
			q.logger.Printf("⚠️ Promote failed on %s: %v", tier, err)
		}
	}
}

func (q *RedisQueue) reapStalled(tier models.Tier) {
	ctx := q.baseCtx
	active := q.key(tier, "active")
	waiting := q.key(tier, "waiting")
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	members, err := q.rdb.ZRangeByScore(ctx, active, &redis.ZRangeBy{
		Min: "-inf", Max: now, Offset: 0, Count: 100,
	}).Result()
	if err != nil || len(members) == 0 {
		return
	}

	for _, m := range members {
		removed, err := q.rdb.ZRem(ctx, active, m).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, waiting, m).Err(); err != nil {
			q.logger.Printf("⚠️ Reclaim failed on %s: %v", tier, err)
			continue
		}
		var task Task
		if err := json.Unmarshal([]byte(m), &task); err == nil {
			q.logger.Printf("⚠️ Reclaimed stalled lease for job %s on %s", task.JobID, tier)
		}
	}
}

func (q *RedisQueue) Counts(ctx context.Context, tier models.Tier) (Counts, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.LLen(ctx, q.key(tier, "waiting"))
	delayed := pipe.ZCard(ctx, q.key(tier, "delayed"))
	active := pipe.ZCard(ctx, q.key(tier, "active"))
	failed := pipe.LLen(ctx, q.key(tier, "failed"))
	completed := pipe.Get(ctx, q.key(tier, "completed"))

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Counts{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var done int64
	if raw, err := completed.Result(); err == nil {
		done, _ = strconv.ParseInt(raw, 10, 64)
	}

	return Counts{
		Active:    active.Val(),
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Failed:    failed.Val(),
		Completed: done,
	}, nil
}

func (q *RedisQueue) ClearAll(ctx context.Context) error {
	keys := make([]string, 0, 12)
	for _, tier := range []models.Tier{models.TierOne, models.TierTwo} {
		for _, part := range []string{"waiting", "delayed", "active", "attempts", "failed", "completed"} {
			keys = append(keys, q.key(tier, part))
		}
	}
	if err := q.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	q.logger.Printf("🧹 Cleared all queues")
	return nil
}

func (q *RedisQueue) Close() error {
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

func (q *RedisQueue) sleep(d time.Duration) {
	select {
	case <-q.baseCtx.Done():
	case <-time.After(d):
	}
}
