// Package bus is the in-process topic broker between ingest, the DJ
// pipeline and the push channel. Delivery is lossy: subscribers get bounded
// buffers, the oldest message is dropped when a buffer is full, and the
// store remains the ordered source of truth.
package bus

import (
	"sync"
	"sync/atomic"
)

// Topics.
const (
	TopicTrackChanged    = "track_changed"
	TopicHistoryAppended = "history_appended"
	TopicDJState         = "dj_state"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 32

// Message is one published item.
type Message struct {
	Topic   string
	Payload any
}

type subscriber struct {
	ch      chan Message
	topics  map[string]bool // empty = all topics
	dropped atomic.Uint64
}

// Bus fans published messages out to subscribers. Publishers never block.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	buffer int

	drops atomic.Uint64
}

// New creates a bus with the given per-subscriber buffer capacity.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{subs: make(map[uint64]*subscriber), buffer: buffer}
}

// Subscription is a live subscriber handle.
type Subscription struct {
	C      <-chan Message
	cancel func()
	sub    *subscriber
}

// Cancel removes the subscription. The channel is not closed; readers
// should select on their own done signal.
func (s *Subscription) Cancel() { s.cancel() }

// Dropped returns how many messages this subscriber has lost to back-pressure.
func (s *Subscription) Dropped() uint64 { return s.sub.dropped.Load() }

// Subscribe registers a subscriber for the given topics (none = all).
func (b *Bus) Subscribe(topics ...string) *Subscription {
	sub := &subscriber{
		ch:     make(chan Message, b.buffer),
		topics: make(map[string]bool, len(topics)),
	}
	for _, t := range topics {
		sub.topics[t] = true
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	return &Subscription{
		C:   sub.ch,
		sub: sub,
		cancel: func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		},
	}
}

// Publish delivers msg to every matching subscriber. When a subscriber's
// buffer is full the oldest buffered message is discarded to make room;
// presentation channels tolerate loss.
func (b *Bus) Publish(topic string, payload any) {
	msg := Message{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if len(sub.topics) > 0 && !sub.topics[topic] {
			continue
		}
		for {
			select {
			case sub.ch <- msg:
			default:
				select {
				case <-sub.ch:
					sub.dropped.Add(1)
					b.drops.Add(1)
				default:
				}
				continue
			}
			break
		}
	}
}

// Drops returns the total number of messages dropped across all subscribers.
func (b *Bus) Drops() uint64 { return b.drops.Load() }
