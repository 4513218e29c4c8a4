// Package bus is the in-process fan-out used between the push channel, the
// sync engine and API watchers.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Bus delivers events to every subscriber whose prefix matches the event
// kind. Delivery to a Subscribe channel never blocks: a full subscriber
// misses the event. A SubscribeBlocking channel is never skipped; Publish
// waits for room until that subscription is removed.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscription
	next    int
	dropped atomic.Uint64
	now     func() time.Time
}

type subscription struct {
	prefix string
	ch     chan Event
	// Set for blocking subscriptions; closed on unsubscribe.
	done chan struct{}
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
		now:  time.Now,
	}
}

// Publish sends evt to matching subscribers. A zero Timestamp is stamped.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = b.now()
	}
	var blocking []*subscription
	b.mu.RLock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.prefix) {
			continue
		}
		if sub.done != nil {
			blocking = append(blocking, sub)
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
	b.mu.RUnlock()

	// Waiting happens outside the lock so a slow consumer cannot stall
	// Subscribe or unsubscribe.
	for _, sub := range blocking {
		select {
		case sub.ch <- evt:
		case <-sub.done:
		}
	}
}

// Emit publishes payload under kind.
func (b *Bus) Emit(kind string, payload any) {
	b.Publish(Event{Kind: kind, Payload: payload})
}

// Subscribe returns a channel of events whose kind starts with prefix, and a
// function that removes the subscription and closes the channel. An empty
// prefix matches everything.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	id := b.add(&subscription{prefix: prefix, ch: ch})

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.remove(id)
			close(ch)
		})
	}
}

// SubscribeBlocking is Subscribe for a consumer that must see every event.
// Publishers wait while the channel is full, so the consumer has to keep
// reading until it unsubscribes. The channel is not closed on unsubscribe.
func (b *Bus) SubscribeBlocking(prefix string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	done := make(chan struct{})
	id := b.add(&subscription{prefix: prefix, ch: ch, done: done})

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			close(done)
			b.remove(id)
		})
	}
}

func (b *Bus) add(sub *subscription) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.subs[id] = sub
	return id
}

func (b *Bus) remove(id int) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Dropped is the number of deliveries skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Subscribers is the current subscription count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
