package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepbin/backend/internal/events"
	"github.com/deepbin/backend/internal/models"
)

type delivery struct {
	channel string
	kind    events.Kind
}

type captureSink struct {
	ch chan delivery
}

func newCaptureSink() *captureSink {
	return &captureSink{ch: make(chan delivery, 32)}
}

func (s *captureSink) Deliver(channel string, event *events.Event) {
	s.ch <- delivery{channel: channel, kind: event.Kind}
}

func (s *captureSink) next(t *testing.T) delivery {
	t.Helper()
	select {
	case d := <-s.ch:
		return d
	case <-time.After(time.Second):
		t.Fatal("no delivery arrived")
		return delivery{}
	}
}

func (s *captureSink) quiet(t *testing.T) {
	t.Helper()
	select {
	case d := <-s.ch:
		t.Fatalf("unexpected delivery on %s", d.channel)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestGateway(t *testing.T) (*Gateway, *events.Bus, *captureSink) {
	t.Helper()
	bus := events.NewBus()
	gw := New(bus)
	sink := newCaptureSink()
	gw.AttachSink(sink)
	t.Cleanup(func() {
		gw.Close()
		bus.Close()
	})
	return gw, bus, sink
}

func TestWatchedChannelReachesSink(t *testing.T) {
	gw, bus, sink := newTestGateway(t)

	gw.Watch("job:j1")
	bus.Emit(context.Background(), events.Progress("j1", "u1", 40))

	d := sink.next(t)
	assert.Equal(t, "job:j1", d.channel)
	assert.Equal(t, events.KindProgress, d.kind)
}

func TestUnwatchedChannelStaysSilent(t *testing.T) {
	gw, bus, sink := newTestGateway(t)

	gw.Watch("job:j1")
	bus.Emit(context.Background(), events.Processing("j2", "u2"))

	sink.quiet(t)
}

func TestFeedsAreRefcounted(t *testing.T) {
	gw, bus, sink := newTestGateway(t)

	gw.Watch("user:u1")
	gw.Watch("user:u1")
	require.Equal(t, 1, gw.Watched(), "one upstream feed regardless of watchers")

	gw.Unwatch("user:u1")
	assert.Equal(t, 1, gw.Watched(), "feed survives while a watcher remains")

	bus.Emit(context.Background(), events.Failed("j1", "u1", &models.JobError{Code: "ANALYZER_ERROR", Message: "boom"}))
	d := sink.next(t)
	assert.Equal(t, "user:u1", d.channel)
	assert.Equal(t, events.KindFailed, d.kind)

	gw.Unwatch("user:u1")
	assert.Equal(t, 0, gw.Watched())

	bus.Emit(context.Background(), events.Processing("j1", "u1"))
	sink.quiet(t)
}

func TestUnwatchUnknownChannelIsNoop(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	gw.Unwatch("job:never-watched")
	assert.Equal(t, 0, gw.Watched())
}

func TestEventLandsOnBothChannels(t *testing.T) {
	gw, bus, sink := newTestGateway(t)

	gw.Watch("job:j1")
	gw.Watch("user:u1")
	bus.Emit(context.Background(), events.Completed("j1", "u1", nil, 5))

	seen := map[string]bool{}
	seen[sink.next(t).channel] = true
	seen[sink.next(t).channel] = true
	assert.True(t, seen["job:j1"])
	assert.True(t, seen["user:u1"])
}

func TestCloseReleasesFeeds(t *testing.T) {
	bus := events.NewBus()
	t.Cleanup(func() { bus.Close() })

	gw := New(bus)
	sink := newCaptureSink()
	gw.AttachSink(sink)

	gw.Watch("job:j1")
	require.NoError(t, gw.Close())
	assert.Equal(t, 0, gw.Watched())

	// Watch after Close must not reopen a feed.
	gw.Watch("job:j2")
	assert.Equal(t, 0, gw.Watched())

	bus.Emit(context.Background(), events.Processing("j1", "u1"))
	sink.quiet(t)
}

func TestValidChannel(t *testing.T) {
	assert.True(t, ValidChannel("job:abc"))
	assert.True(t, ValidChannel("user:u1"))
	assert.False(t, ValidChannel("job:"))
	assert.False(t, ValidChannel("user:"))
	assert.False(t, ValidChannel("jobs:abc"))
	assert.False(t, ValidChannel("admin"))
	assert.False(t, ValidChannel(""))
}
