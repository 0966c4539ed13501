package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/deepbin/backend/internal/config"
	"github.com/deepbin/backend/internal/metrics"
	"github.com/deepbin/backend/internal/models"
)

const (
	maxAttempts    = 3
	defaultWorkers = 4
	queueDepth     = 1000
)

// Notification is the payload POSTed to an endpoint.
type Notification struct {
	ID        string                 `json:"id"`
	Event     string                 `json:"event"`
	Owner     string                 `json:"owner"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Dispatcher fans one event out to the owner's matching endpoints.
type Dispatcher interface {
	Dispatch(owner, event string, data map[string]interface{})
	Shutdown()
}

// New selects a dispatcher: Cloud Tasks when a project is configured, the
// in-process pool otherwise.
func New(cfg config.NotifyConfig, reg *Registry, m *metrics.Metrics) (Dispatcher, error) {
	pool := NewPoolDispatcher(reg, cfg.Workers, m)
	if cfg.CloudTasksProject == "" {
		return pool, nil
	}
	return NewCloudTasksDispatcher(reg, cfg.CloudTasksProject, cfg.CloudTasksLocation, cfg.CloudTasksQueue, pool, m)
}

// PoolDispatcher delivers from an in-process worker pool.
type PoolDispatcher struct {
	registry   *Registry
	httpClient *http.Client
	queue      chan *delivery
	metrics    *metrics.Metrics
	backoff    func(attempt int) time.Duration
	logger     *log.Logger
	wg         sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

type delivery struct {
	endpoint *models.NotificationEndpoint
	note     *Notification
	payload  []byte
	attempt  int
}

// NewPoolDispatcher starts the worker pool. m may be nil.
func NewPoolDispatcher(reg *Registry, workers int, m *metrics.Metrics) *PoolDispatcher {
	if workers <= 0 {
		workers = defaultWorkers
	}
	d := &PoolDispatcher{
		registry:   reg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		queue:      make(chan *delivery, queueDepth),
		metrics:    m,
		backoff: func(attempt int) time.Duration {
			return time.Duration(attempt*attempt) * time.Second
		},
		logger: log.New(log.Writer(), "[Notify] ", log.LstdFlags),
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

func (d *PoolDispatcher) Dispatch(owner, event string, data map[string]interface{}) {
	endpoints := d.registry.Matching(owner, event)
	if len(endpoints) == 0 {
		return
	}

	note := &Notification{
		ID:        models.NewID(),
		Event:     event,
		Owner:     owner,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	payload, err := json.Marshal(note)
	if err != nil {
		d.logger.Printf("❌ Marshal notification %s: %v", note.ID, err)
		return
	}

	for _, ep := range endpoints {
		d.enqueue(&delivery{endpoint: ep, note: note, payload: payload, attempt: 1})
	}
}

// enqueue never blocks and never sends on a closed queue; retries racing a
// shutdown are dropped.
func (d *PoolDispatcher) enqueue(job *delivery) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- job:
	default:
		d.logger.Printf("⚠️ Delivery queue full, dropping %s for %s", job.note.ID, job.endpoint.ID)
	}
}

func (d *PoolDispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *PoolDispatcher) deliver(job *delivery) {
	req, err := http.NewRequest(http.MethodPost, job.endpoint.URL, bytes.NewReader(job.payload))
	if err != nil {
		d.logger.Printf("❌ Build request for %s: %v", job.endpoint.ID, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", job.note.Event)
	req.Header.Set("X-Webhook-Id", job.note.ID)
	req.Header.Set("X-Webhook-Attempt", fmt.Sprintf("%d", job.attempt))
	req.Header.Set("X-Webhook-Signature", SignPayload(job.payload, job.endpoint.Secret))

	resp, err := d.httpClient.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode < 400 {
			d.registry.MarkDelivered(job.endpoint.ID)
			d.record("delivered")
			d.logger.Printf("✅ Delivered %s → %s (%s)", job.note.Event, job.endpoint.URL, job.note.ID)
			return
		}
		err = fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}

	d.logger.Printf("❌ Delivery %s → %s attempt %d: %v", job.note.ID, job.endpoint.URL, job.attempt, err)
	if disabled := d.registry.MarkFailed(job.endpoint.ID); disabled {
		d.record("disabled")
		return
	}
	d.record("failed")

	if job.attempt < maxAttempts {
		time.Sleep(d.backoff(job.attempt))
		job.attempt++
		d.enqueue(job)
	}
}

func (d *PoolDispatcher) record(status string) {
	if d.metrics != nil {
		d.metrics.RecordWebhookDelivery(status)
	}
}

// Shutdown drains the queue and stops the workers. Safe to call twice.
func (d *PoolDispatcher) Shutdown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}
