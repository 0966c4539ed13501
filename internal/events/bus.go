package events

import (
	"context"
	"log"
	"sync"
)

// Bus is the in-process fanout for single-pod deployments. Subscribers get a
// buffered channel; when it is full the event is dropped for that subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event // channel name -> receivers
	logger      *log.Logger
	bufferSize  int
	closed      bool
}

var _ Emitter = (*Bus)(nil)

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *Event),
		logger:      log.New(log.Writer(), "[Events] ", log.LstdFlags),
		bufferSize:  100,
	}
}

// Subscribe returns a channel receiving events published on any of the named
// channels. Callers must Unsubscribe when done.
func (b *Bus) Subscribe(channels ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)
	if b.closed {
		close(ch)
		return ch
	}
	for _, name := range channels {
		b.subscribers[name] = append(b.subscribers[name], ch)
	}
	return ch
}

// Unsubscribe detaches and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	found := false
	for name, subs := range b.subscribers {
		filtered := subs[:0]
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			} else {
				found = true
			}
		}
		if len(filtered) == 0 {
			delete(b.subscribers, name)
		} else {
			b.subscribers[name] = filtered
		}
	}
	if found {
		close(ch)
	}
}

// Emit fans the event out to the subscribers of both its channels.
func (b *Bus) Emit(_ context.Context, event *Event) {
	for _, name := range event.Channels() {
		b.dispatch(name, event)
	}
}

// dispatch delivers to the subscribers of one named channel.
func (b *Bus) dispatch(name string, event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subscribers[name] {
		select {
		case ch <- event:
		default:
			// Receiver is saturated. Dropping keeps the worker moving.
		}
	}
}

func (b *Bus) hasSubscribers(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[name]) > 0
}

// SubscriberCount reports the number of live subscriptions across channels.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[chan *Event]struct{})
	for _, subs := range b.subscribers {
		for _, ch := range subs {
			seen[ch] = struct{}{}
		}
	}
	return len(seen)
}

// Close shuts the bus and closes every subscriber channel.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	seen := make(map[chan *Event]struct{})
	for _, subs := range b.subscribers {
		for _, ch := range subs {
			if _, dup := seen[ch]; !dup {
				seen[ch] = struct{}{}
				close(ch)
			}
		}
	}
	b.subscribers = make(map[string][]chan *Event)
	return nil
}
