package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"

	"github.com/deepbin/backend/internal/metrics"
	"github.com/deepbin/backend/internal/models"
)

// CloudTasksDispatcher hands deliveries to Cloud Tasks for durable,
// at-least-once delivery with queue-level retry and dead-lettering. The
// in-process pool covers outages of the task queue itself.
type CloudTasksDispatcher struct {
	registry  *Registry
	client    *cloudtasks.Client
	queuePath string
	fallback  *PoolDispatcher
	metrics   *metrics.Metrics
	logger    *log.Logger
}

// NewCloudTasksDispatcher connects to the configured queue. fallback and m
// may be nil.
func NewCloudTasksDispatcher(reg *Registry, projectID, locationID, queueID string,
	fallback *PoolDispatcher, m *metrics.Metrics) (*CloudTasksDispatcher, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("notify: cloudtasks client: %w", err)
	}

	d := &CloudTasksDispatcher{
		registry:  reg,
		client:    client,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		fallback:  fallback,
		metrics:   m,
		logger:    log.New(log.Writer(), "[Notify] ", log.LstdFlags),
	}
	d.logger.Printf("✅ Connected to Cloud Tasks queue: %s", d.queuePath)
	return d, nil
}

func (d *CloudTasksDispatcher) Dispatch(owner, event string, data map[string]interface{}) {
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
		d.enqueueTask(ep, note, payload)
	}
}

func (d *CloudTasksDispatcher) enqueueTask(ep *models.NotificationEndpoint, note *Notification, payload []byte) {
	req := &taskspb.CreateTaskRequest{
		Parent: d.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        ep.URL,
					Headers: map[string]string{
						"Content-Type":        "application/json",
						"X-Webhook-Event":     note.Event,
						"X-Webhook-Id":        note.ID,
						"X-Webhook-Attempt":   "1",
						"X-Webhook-Signature": SignPayload(payload, ep.Secret),
					},
					Body: payload,
				},
			},
		},
	}

	// Off the hot path: the emitting worker never waits on the queue RPC.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		task, err := d.client.CreateTask(ctx, req)
		if err != nil {
			d.logger.Printf("❌ Cloud Task enqueue %s → %s: %v", note.ID, ep.URL, err)
			if d.fallback != nil {
				d.logger.Printf("↩️ Falling back to in-process delivery for %s", note.ID)
				d.fallback.enqueue(&delivery{endpoint: ep, note: note, payload: payload, attempt: 1})
			}
			return
		}
		if d.metrics != nil {
			d.metrics.RecordWebhookDelivery("delivered")
		}
		d.logger.Printf("📤 Enqueued Cloud Task %s → %s (task=%s)", note.ID, ep.URL, task.GetName())
	}()
}

// Shutdown closes the queue client and the fallback pool.
func (d *CloudTasksDispatcher) Shutdown() {
	if d.fallback != nil {
		d.fallback.Shutdown()
	}
	if err := d.client.Close(); err != nil {
		d.logger.Printf("⚠️ Cloud Tasks client close: %v", err)
	}
	d.logger.Printf("🔌 Cloud Tasks dispatcher closed")
}
