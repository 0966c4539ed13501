package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubExporter decorates an Emitter and mirrors every event to a GCP
// Pub/Sub topic for durable downstream consumers. Messages for one user are
// ordered by keying on the owner id.
//
// Export is strictly best effort: publish results are checked off the hot
// path and failures only log.
type PubSubExporter struct {
	inner  Emitter
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

var _ Emitter = (*PubSubExporter)(nil)

// NewPubSubExporter connects to the topic, creating it if missing.
func NewPubSubExporter(inner Emitter, projectID, topicID string) (*PubSubExporter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("Created Pub/Sub topic", "topic", topicID)
	}

	topic.EnableMessageOrdering = true

	exporter := &PubSubExporter{
		inner:  inner,
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[PubSub] ", log.LstdFlags),
	}
	exporter.logger.Printf("✅ Connected to Pub/Sub topic: projects/%s/topics/%s", projectID, topicID)
	return exporter, nil
}

// Emit forwards to the wrapped emitter, then mirrors to the topic.
func (x *PubSubExporter) Emit(ctx context.Context, event *Event) {
	x.inner.Emit(ctx, event)
	x.export(event)
}

func (x *PubSubExporter) export(event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		x.logger.Printf("❌ Failed to marshal event %s: %v", event.ID, err)
		return
	}

	result := x.topic.Publish(context.Background(), &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"kind":   string(event.Kind),
			"job_id": event.JobID,
			"owner":  event.Owner,
			"time":   event.Timestamp.Format(time.RFC3339Nano),
		},
		OrderingKey: event.Owner,
	})

	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			x.logger.Printf("❌ Pub/Sub publish failed: %s → %v", event.ID, err)
			// A failed publish poisons the ordering key until resumed.
			x.topic.ResumePublish(event.Owner)
		}
	}()
}

// Close stops the topic's publisher and the client, then the inner emitter.
func (x *PubSubExporter) Close() error {
	x.topic.Stop()
	if err := x.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	x.logger.Printf("🔌 Pub/Sub exporter closed")
	return x.inner.Close()
}

// TopicPath returns the fully qualified topic name.
func (x *PubSubExporter) TopicPath() string {
	return x.topic.String()
}
