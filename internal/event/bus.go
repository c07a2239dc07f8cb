package event

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Sentinel errors for the event bus.
var (
	ErrBusClosed            = errors.New("event bus is closed")
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// DefaultBuffer is the channel capacity used when Subscribe is given none.
const DefaultBuffer = 64

// Stats reports bus counters.
type Stats struct {
	Published   uint64
	Delivered   uint64
	Dropped     uint64
	Subscribers int
}

// Subscription receives events on C until it is unsubscribed or the bus is
// closed, at which point C is closed.
type Subscription struct {
	id      uint64
	ch      chan Event
	topics  map[Topic]bool
	dropped atomic.Uint64
}

// C returns the delivery channel.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// ID returns the subscription identifier.
func (s *Subscription) ID() uint64 {
	return s.id
}

// Dropped returns how many events were discarded because C was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) wants(t Topic) bool {
	return len(s.topics) == 0 || s.topics[t]
}

// Bus fans events out to subscribers. It is safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
	logger *slog.Logger

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		logger: logger,
	}
}

// Subscribe registers a subscriber with the given channel capacity. With no
// topics the subscriber receives every event.
func (b *Bus) Subscribe(buffer int, topics ...Topic) (*Subscription, error) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	b.nextID++
	sub := &Subscription{
		id: b.nextID,
		ch: make(chan Event, buffer),
	}
	if len(topics) > 0 {
		sub.topics = make(map[Topic]bool, len(topics))
		for _, t := range topics {
			sub.topics[t] = true
		}
	}
	b.subs[sub.id] = sub
	return sub, nil
}

// Unsubscribe removes sub and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return ErrSubscriptionNotFound
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(b.subs, sub.id)
	close(sub.ch)
	return nil
}

// Publish delivers ev to every interested subscriber without blocking.
func (b *Bus) Publish(ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	b.published.Add(1)
	topic := ev.Topic()
	for _, sub := range b.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
			b.delivered.Add(1)
		default:
			if sub.dropped.Add(1) == 1 {
				b.logger.Warn("event subscriber is falling behind", "subscription", sub.id, "topic", topic)
			}
			b.dropped.Add(1)
		}
	}
	return nil
}

// Close closes every subscription. Later calls to Publish and Subscribe
// return ErrBusClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// Stats returns the current counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: n,
	}
}
