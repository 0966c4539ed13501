package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/deepbin/backend/internal/redisx"
)

// DefaultChannelPrefix namespaces our pub/sub traffic on a shared Redis.
const DefaultChannelPrefix = "deepbin:events:"

// RedisBus distributes events across pods over Redis Pub/Sub. Local
// subscribers receive published events through the Redis round trip, so a
// single pod sees each event exactly once; if the publish fails the event is
// fanned out locally instead and the pod degrades to single-node delivery.
type RedisBus struct {
	local  *Bus
	pubsub redisx.PubSubClient
	prefix string

	mu        sync.Mutex
	redisSubs map[string]func() // channel name -> unsubscribe
	closed    bool
}

var _ Emitter = (*RedisBus)(nil)

func NewRedisBus(client redisx.PubSubClient, channelPrefix string) *RedisBus {
	if channelPrefix == "" {
		channelPrefix = DefaultChannelPrefix
	}
	return &RedisBus{
		local:     NewBus(),
		pubsub:    client,
		prefix:    channelPrefix,
		redisSubs: make(map[string]func()),
	}
}

// Emit publishes the event to Redis for every channel it belongs to.
func (b *RedisBus) Emit(ctx context.Context, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Warn("[RedisBus] Marshal failed", "kind", event.Kind, "error", err)
		return
	}

	for _, name := range event.Channels() {
		if err := b.pubsub.Publish(ctx, b.prefix+name, payload); err != nil {
			slog.Warn("[RedisBus] Publish failed, falling back to local",
				"channel", name, "error", err)
			b.local.dispatch(name, event)
		}
	}
}

// Subscribe attaches a local receiver and lazily opens the matching Redis
// subscriptions so remote pods' events arrive too.
func (b *RedisBus) Subscribe(channels ...string) chan *Event {
	ch := b.local.Subscribe(channels...)
	for _, name := range channels {
		b.ensureRedisSub(name)
	}
	return ch
}

// Unsubscribe detaches a receiver and drops Redis subscriptions nobody
// listens to anymore.
func (b *RedisBus) Unsubscribe(ch chan *Event) {
	b.local.Unsubscribe(ch)

	b.mu.Lock()
	defer b.mu.Unlock()
	for name, unsub := range b.redisSubs {
		if !b.local.hasSubscribers(name) {
			unsub()
			delete(b.redisSubs, name)
		}
	}
}

func (b *RedisBus) ensureRedisSub(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if _, ok := b.redisSubs[name]; ok {
		return
	}

	unsub, err := b.pubsub.Subscribe(context.Background(), b.prefix+name, func(payload []byte) {
		var event Event
		if err := json.Unmarshal(payload, &event); err != nil {
			slog.Warn("[RedisBus] Bad event payload", "channel", name, "error", err)
			return
		}
		b.local.dispatch(name, &event)
	})
	if err != nil {
		// Local-only from here; remote pods' events are lost for this
		// channel until the next Subscribe retries.
		slog.Warn("[RedisBus] Redis subscribe failed, local-only", "channel", name, "error", err)
		return
	}
	b.redisSubs[name] = unsub
}

// Close tears down the Redis subscriptions and the local bus.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.redisSubs
	b.redisSubs = make(map[string]func())
	b.mu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
	if err := b.local.Close(); err != nil {
		return fmt.Errorf("close local bus: %w", err)
	}
	return nil
}
