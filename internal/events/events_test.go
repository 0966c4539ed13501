package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepbin/backend/internal/models"
)

func recv(t *testing.T, ch chan *Event) *Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBusFansOutToJobAndUserChannels(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	jobCh := bus.Subscribe(ChannelJob("j1"))
	userCh := bus.Subscribe(ChannelUser("u1"))

	bus.Emit(context.Background(), Progress("j1", "u1", 40))

	got := recv(t, jobCh)
	assert.Equal(t, KindProgress, got.Kind)
	assert.Equal(t, 40, got.Data["progress"])

	got = recv(t, userCh)
	assert.Equal(t, "j1", got.JobID)
}

func TestBusDropsWhenSubscriberSaturated(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	bus.bufferSize = 1

	ch := bus.Subscribe(ChannelJob("j1"))

	bus.Emit(context.Background(), Progress("j1", "u1", 10))
	bus.Emit(context.Background(), Progress("j1", "u1", 20))

	got := recv(t, ch)
	assert.Equal(t, 10, got.Data["progress"])
	select {
	case ev := <-ch:
		t.Fatalf("expected second event dropped, got %v", ev.Data)
	default:
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(ChannelJob("j1"), ChannelUser("u1"))
	assert.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, bus.SubscriberCount())

	// Emitting after unsubscribe must not panic.
	bus.Emit(context.Background(), Processing("j1", "u1"))
}

func TestEventConstructors(t *testing.T) {
	results := &models.Result{
		Vulnerabilities: models.VulnerabilityAssessment{Severity: models.SeverityHigh},
	}

	completed := Completed("j1", "u1", results, 7)
	assert.Equal(t, KindCompleted, completed.Kind)
	assert.Equal(t, 7, completed.Data["creditsCharged"])
	assert.NotEmpty(t, completed.ID)
	assert.False(t, completed.Timestamp.IsZero())
	assert.Equal(t, []string{"job:j1", "user:u1"}, completed.Channels())

	failed := Failed("j1", "u1", &models.JobError{Message: "boom", Code: "INTERNAL_ERROR"})
	assert.Equal(t, KindFailed, failed.Kind)
}

// fakePubSub is an in-memory stand-in for the Redis pub/sub surface.
type fakePubSub struct {
	mu       sync.Mutex
	handlers map[string][]func([]byte)
	failPub  bool
	failSub  bool
}

func newFakePubSub() *fakePubSub {
	return &fakePubSub{handlers: make(map[string][]func([]byte))}
}

func (f *fakePubSub) Publish(_ context.Context, channel string, message []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPub {
		return errors.New("redis down")
	}
	for _, h := range f.handlers[channel] {
		h(message)
	}
	return nil
}

func (f *fakePubSub) Subscribe(_ context.Context, channel string, handler func([]byte)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSub {
		return nil, errors.New("redis down")
	}
	f.handlers[channel] = append(f.handlers[channel], handler)
	return func() {}, nil
}

func TestRedisBusRoundTrip(t *testing.T) {
	fake := newFakePubSub()
	bus := NewRedisBus(fake, "")
	defer bus.Close()

	ch := bus.Subscribe(ChannelJob("j1"))
	bus.Emit(context.Background(), Progress("j1", "u1", 75))

	got := recv(t, ch)
	assert.Equal(t, KindProgress, got.Kind)
	// Data came back through JSON, so numbers are float64 now.
	assert.EqualValues(t, 75, got.Data["progress"])
}

func TestRedisBusDeliversOncePerSubscriber(t *testing.T) {
	fake := newFakePubSub()
	bus := NewRedisBus(fake, "")
	defer bus.Close()

	// Subscribed to both channels the event lands on.
	ch := bus.Subscribe(ChannelJob("j1"), ChannelUser("u1"))
	bus.Emit(context.Background(), Processing("j1", "u1"))

	first := recv(t, ch)
	assert.Equal(t, "j1", first.JobID)

	second := recv(t, ch)
	assert.Equal(t, "j1", second.JobID)

	select {
	case ev := <-ch:
		t.Fatalf("unexpected third delivery: %v", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRedisBusFallsBackToLocalOnPublishFailure(t *testing.T) {
	fake := newFakePubSub()
	bus := NewRedisBus(fake, "")
	defer bus.Close()

	ch := bus.Subscribe(ChannelJob("j1"))
	fake.failPub = true

	bus.Emit(context.Background(), Progress("j1", "u1", 90))

	got := recv(t, ch)
	assert.EqualValues(t, 90, got.Data["progress"])
}

func TestRedisBusSurvivesSubscribeFailure(t *testing.T) {
	fake := newFakePubSub()
	fake.failSub = true
	bus := NewRedisBus(fake, "")
	defer bus.Close()

	ch := bus.Subscribe(ChannelJob("j1"))

	// Publish also fails, so delivery degrades to pure local fanout.
	fake.failPub = true
	bus.Emit(context.Background(), Progress("j1", "u1", 10))
	got := recv(t, ch)
	assert.EqualValues(t, 10, got.Data["progress"])
}

func TestRedisBusUnsubscribeDropsIdleRedisSubs(t *testing.T) {
	fake := newFakePubSub()
	bus := NewRedisBus(fake, "")
	defer bus.Close()

	ch := bus.Subscribe(ChannelJob("j1"))
	require.Len(t, bus.redisSubs, 1)

	bus.Unsubscribe(ch)
	assert.Empty(t, bus.redisSubs)
}

func TestEventJSONShape(t *testing.T) {
	ev := Completed("j1", "u1", &models.Result{}, 2)
	payload, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "job:completed", decoded["kind"])
	assert.Equal(t, "j1", decoded["jobId"])
	assert.Contains(t, decoded, "timestamp")
}
