// Package fanout is the per-session publisher (SPEC_FULL §4.6): a
// mutex-guarded subscriber registry keyed by session id, with a bounded
// channel per subscriber and an atomic sequence counter, grounded on the
// per-session hub shape in the broader example pack (mine-and-die's
// Hub/subscriber map) adapted to a session-keyed registry instead of a
// single-world hub.
package fanout

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/alttpr-multiworld/server/internal/event"
	"github.com/alttpr-multiworld/server/pkg/metrics"
)

// subscriberBufferSize bounds the per-subscriber channel; a slow consumer
// past this depth is dropped rather than allowed to stall the publisher.
const subscriberBufferSize = 64

// Subscription is a single subscriber's handle, returned by Subscribe.
type Subscription struct {
	ID      uint64
	Events  <-chan *event.Event
	session int
	ch      chan *event.Event
}

// Bus is the in-memory publisher. One Bus instance serves every session;
// subscribers are partitioned by sessionID internally.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]map[uint64]chan *event.Event
	nextID      atomic.Uint64
	logger      *slog.Logger
	metrics     *metrics.MultiworldMetrics
}

// New creates an empty Bus. metrics may be nil in tests.
func New(logger *slog.Logger, m *metrics.MultiworldMetrics) *Bus {
	return &Bus{
		subscribers: make(map[int]map[uint64]chan *event.Event),
		logger:      logger,
		metrics:     m,
	}
}

// Subscribe registers a new subscriber for sessionID and returns its handle.
func (b *Bus) Subscribe(sessionID int) *Subscription {
	id := b.nextID.Add(1)
	ch := make(chan *event.Event, subscriberBufferSize)

	b.mu.Lock()
	if b.subscribers[sessionID] == nil {
		b.subscribers[sessionID] = make(map[uint64]chan *event.Event)
	}
	b.subscribers[sessionID][id] = ch
	b.mu.Unlock()

	return &Subscription{ID: id, Events: ch, session: sessionID, ch: ch}
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if subs, ok := b.subscribers[sub.session]; ok {
		if ch, ok := subs[sub.ID]; ok {
			delete(subs, sub.ID)
			close(ch)
		}
		if len(subs) == 0 {
			delete(b.subscribers, sub.session)
		}
	}
	b.mu.Unlock()
}

// Publish implements event.Publisher: called by the Event Store after
// every successful append on sessionID. The publisher emits every event to
// every subscriber of that session, FIFO per channel; filtering happens at
// the subscriber (SPEC_FULL §4.6), not here. A subscriber whose channel is
// full is dropped rather than allowed to block the publisher.
func (b *Bus) Publish(sessionID int, e *event.Event) {
	b.mu.Lock()
	subs := b.subscribers[sessionID]
	var toDrop []uint64
	for id, ch := range subs {
		select {
		case ch <- e:
		default:
			toDrop = append(toDrop, id)
		}
	}
	for _, id := range toDrop {
		if ch, ok := subs[id]; ok {
			delete(subs, id)
			close(ch)
		}
	}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.FanoutPublishedTotal.Inc()
	}
	for range toDrop {
		if b.logger != nil {
			b.logger.Warn("fanout: dropped slow subscriber", "session_id", sessionID, "event_id", e.ID)
		}
		if b.metrics != nil {
			b.metrics.FanoutDroppedTotal.Inc()
		}
	}
}

// SubscriberCount reports the number of live subscribers for a session.
func (b *Bus) SubscriberCount(sessionID int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[sessionID])
}
