// Package pubsub provides the best-effort event bus contract used to fan
// normalized live events out to session processors and UI subscribers.
// Delivery is best-effort only; durability comes from persistence, not the bus.
package pubsub

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/onnwee/capture-tender/event"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind starts losing events rather than blocking publishers.
const subscriberBuffer = 256

// Bus delivers events to topic subscribers.
type Bus interface {
	// Publish sends ev to every current subscriber of topic. It never blocks
	// on slow subscribers.
	Publish(ctx context.Context, topic string, ev event.Event)
	// Subscribe returns a channel of events for topic and a cancel func that
	// releases the subscription. The channel is closed on cancel.
	Subscribe(topic string) (<-chan event.Event, func())
}

type subscriber struct {
	id string
	ch chan event.Event
}

// MemoryBus is the in-process Bus used when no Redis address is configured.
type MemoryBus struct {
	mu     sync.RWMutex
	topics map[string][]subscriber
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{topics: make(map[string][]subscriber)}
}

// Publish delivers ev to subscribers of topic, dropping for any subscriber
// whose buffer is full.
func (b *MemoryBus) Publish(_ context.Context, topic string, ev event.Event) {
	// Sends stay under the read lock so cancel (which closes the channel
	// under the write lock) can never race a send. They never block.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.topics[topic] {
		select {
		case s.ch <- ev:
		default:
			// best-effort: slow subscriber loses this event
		}
	}
}

// Subscribe registers a new subscriber on topic.
func (b *MemoryBus) Subscribe(topic string) (<-chan event.Event, func()) {
	s := subscriber{id: uuid.NewString(), ch: make(chan event.Event, subscriberBuffer)}
	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], s)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		subs := b.topics[topic]
		for i := range subs {
			if subs[i].id == s.id {
				b.topics[topic] = append(subs[:i], subs[i+1:]...)
				close(s.ch)
				break
			}
		}
		if len(b.topics[topic]) == 0 {
			delete(b.topics, topic)
		}
		b.mu.Unlock()
	}
	return s.ch, cancel
}
