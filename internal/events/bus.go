package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const (
	DefaultCapacity        = 100
	DefaultSubscriberSlack = 256
)

// BusOptions configures a Bus
type BusOptions struct {
	// Capacity is the number of events retained for replay
	Capacity int
	// SubscriberSlack is how many live events a subscriber may fall behind
	// (on top of a full replay) before it is dropped
	SubscriberSlack int
}

// Subscription is a live stream of events. Events arrive in publish order.
// The channel is closed on Unsubscribe, on bus Close, or when the
// subscriber falls too far behind.
type Subscription struct {
	id     string
	ch     chan Event
	bus    *Bus
	active bool // guarded by bus.mu
}

// ID returns the subscription's unique id
func (s *Subscription) ID() string {
	return s.id
}

// Events returns the delivery channel
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Unsubscribe is shorthand for bus.Unsubscribe(s)
func (s *Subscription) Unsubscribe() {
	s.bus.Unsubscribe(s)
}

// Bus is an in-process publisher with a bounded replay buffer.
//
// Publish and Subscribe are serialized by one mutex, so a subscriber sees
// the replayed events followed by every later event with no gap and no
// duplicate. Publish never blocks: a subscriber whose channel is full is
// dropped and its channel closed.
type Bus struct {
	logger *logrus.Logger

	mu       sync.Mutex
	seq      uint64
	capacity int
	slack    int
	buffer   *orderedmap.OrderedMap[uint64, Event]
	subs     *orderedmap.OrderedMap[string, *Subscription]
	closed   bool
}

// NewBus creates a bus. A nil logger falls back to logrus.New().
func NewBus(opts BusOptions, logger *logrus.Logger) *Bus {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.SubscriberSlack <= 0 {
		opts.SubscriberSlack = DefaultSubscriberSlack
	}
	return &Bus{
		logger:   logger,
		capacity: opts.Capacity,
		slack:    opts.SubscriberSlack,
		buffer:   orderedmap.New[uint64, Event](),
		subs:     orderedmap.New[string, *Subscription](),
	}
}

// Publish stamps, retains and fans out an event, returning it.
// Snapshot events are never retained.
func (b *Bus) Publish(typ Type, data any) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev := Event{Seq: b.seq, Type: typ, Ts: time.Now(), Data: data}
	if b.closed {
		return ev
	}

	if typ != TypeSnapshot {
		b.buffer.Set(ev.Seq, ev)
		for b.buffer.Len() > b.capacity {
			b.buffer.Delete(b.buffer.Oldest().Key)
		}
	}

	var slow []*Subscription
	for pair := b.subs.Oldest(); pair != nil; pair = pair.Next() {
		select {
		case pair.Value.ch <- ev:
		default:
			slow = append(slow, pair.Value)
		}
	}
	for _, sub := range slow {
		b.logger.WithFields(logrus.Fields{
			"subscription": sub.id,
			"seq":          ev.Seq,
		}).Warn("Subscriber fell behind, dropping it")
		b.removeLocked(sub)
	}

	return ev
}

// Snapshot builds a one-shot snapshot event without publishing or retaining it
func (b *Bus) Snapshot(data SnapshotData) Event {
	return Event{Type: TypeSnapshot, Ts: time.Now(), Data: data}
}

// Subscribe attaches a subscriber. Its channel first yields the retained
// events in publish order, then live events.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		id:     uuid.NewString(),
		ch:     make(chan Event, b.capacity+b.slack),
		bus:    b,
		active: !b.closed,
	}
	if b.closed {
		close(sub.ch)
		return sub
	}

	for pair := b.buffer.Oldest(); pair != nil; pair = pair.Next() {
		sub.ch <- pair.Value
	}
	b.subs.Set(sub.id, sub)

	b.logger.WithFields(logrus.Fields{
		"subscription": sub.id,
		"replayed":     b.buffer.Len(),
	}).Debug("Subscriber attached")
	return sub
}

// Unsubscribe detaches a subscriber and closes its channel. Idempotent.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub)
}

// Recent returns a copy of the retained events in publish order
func (b *Bus) Recent() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := make([]Event, 0, b.buffer.Len())
	for pair := b.buffer.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, pair.Value)
	}
	return result
}

// SubscriberCount returns the number of attached subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs.Len()
}

// Close detaches every subscriber. Later publishes are stamped but not delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for pair := b.subs.Oldest(); pair != nil; {
		next := pair.Next()
		b.removeLocked(pair.Value)
		pair = next
	}
}

func (b *Bus) removeLocked(sub *Subscription) {
	if !sub.active {
		return
	}
	sub.active = false
	b.subs.Delete(sub.id)
	close(sub.ch)
}
