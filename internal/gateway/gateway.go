// Package gateway fans job lifecycle events out to realtime clients. Two
// transports ride one core: a Socket.IO bridge for browser dashboards and a
// raw WebSocket hub for SDK consumers. Clients subscribe to job:<id> or
// user:<id> channels; the gateway holds a single upstream subscription per
// distinct channel no matter how many clients watch it.
package gateway

import (
	"log"
	"strings"
	"sync"

	"github.com/deepbin/backend/internal/events"
)

// Source is the upstream event feed. The in-process bus and the Redis bus
// both satisfy it.
type Source interface {
	Subscribe(channels ...string) chan *events.Event
	Unsubscribe(ch chan *events.Event)
}

// Sink receives every event of a watched channel. Deliver must not block;
// transports drop frames for saturated clients.
type Sink interface {
	Deliver(channel string, event *events.Event)
}

// ValidChannel reports whether clients may subscribe to name.
func ValidChannel(name string) bool {
	switch {
	case strings.HasPrefix(name, "job:"):
		return len(name) > len("job:")
	case strings.HasPrefix(name, "user:"):
		return len(name) > len("user:")
	}
	return false
}

type feed struct {
	ch   chan *events.Event
	refs int
}

// Gateway bridges the event source to the attached sinks. Each watched
// channel owns one pump goroutine; the pump ends when the upstream
// subscription closes.
type Gateway struct {
	source Source
	logger *log.Logger

	mu     sync.Mutex
	feeds  map[string]*feed
	sinks  []Sink
	closed bool

	wg sync.WaitGroup
}

func New(source Source) *Gateway {
	return &Gateway{
		source: source,
		logger: log.New(log.Writer(), "[Gateway] ", log.LstdFlags),
		feeds:  make(map[string]*feed),
	}
}

// AttachSink registers a transport. Attach all sinks before the first Watch;
// a late sink misses events already in flight.
func (g *Gateway) AttachSink(s Sink) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sinks = append(g.sinks, s)
}

// Watch adds one reference to the channel. The first reference opens the
// upstream subscription and starts the pump.
func (g *Gateway) Watch(channel string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return
	}
	if f, ok := g.feeds[channel]; ok {
		f.refs++
		return
	}

	f := &feed{ch: g.source.Subscribe(channel), refs: 1}
	g.feeds[channel] = f
	g.wg.Add(1)
	go g.pump(channel, f.ch)
}

// Unwatch drops one reference. The last reference closes the upstream
// subscription, which ends the pump.
func (g *Gateway) Unwatch(channel string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	f, ok := g.feeds[channel]
	if !ok {
		return
	}
	f.refs--
	if f.refs > 0 {
		return
	}
	delete(g.feeds, channel)
	g.source.Unsubscribe(f.ch)
}

func (g *Gateway) pump(channel string, ch chan *events.Event) {
	defer g.wg.Done()
	for event := range ch {
		g.mu.Lock()
		sinks := append([]Sink(nil), g.sinks...)
		g.mu.Unlock()
		for _, s := range sinks {
			s.Deliver(channel, event)
		}
	}
}

// Watched reports the number of distinct channels with live feeds.
func (g *Gateway) Watched() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.feeds)
}

// Close releases every feed and waits for the pumps to drain.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	feeds := g.feeds
	g.feeds = make(map[string]*feed)
	g.mu.Unlock()

	for _, f := range feeds {
		g.source.Unsubscribe(f.ch)
	}
	g.wg.Wait()
	g.logger.Printf("✅ Gateway closed (%d feeds released)", len(feeds))
	return nil
}
