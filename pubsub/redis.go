package pubsub

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/go-redis/redis/v8"

	"github.com/onnwee/capture-tender/event"
)

// RedisBus is a Bus backed by Redis pub/sub so UI subscribers in other
// processes can observe live events. Semantics match Redis pub/sub:
// fire-and-forget, no replay.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(ctx context.Context, addr, password string) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisBus{client: client}, nil
}

// Publish JSON-encodes ev onto the topic channel. Failures are logged, not
// returned: the bus is best-effort by contract.
func (b *RedisBus) Publish(ctx context.Context, topic string, ev event.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("redis bus: marshal event", slog.Any("err", err), slog.String("topic", topic))
		return
	}
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		slog.Warn("redis bus: publish", slog.Any("err", err), slog.String("topic", topic))
	}
}

// Subscribe opens a Redis subscription on topic and decodes messages into
// events. Undecodable messages are dropped and logged.
func (b *RedisBus) Subscribe(topic string) (<-chan event.Event, func()) {
	sub := b.client.Subscribe(context.Background(), topic)
	out := make(chan event.Event, subscriberBuffer)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev event.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Warn("redis bus: decode event", slog.Any("err", err), slog.String("topic", topic))
				continue
			}
			select {
			case out <- ev:
			default:
				// best-effort: slow subscriber loses this event
			}
		}
	}()
	cancel := func() {
		if err := sub.Close(); err != nil {
			slog.Warn("redis bus: close subscription", slog.Any("err", err), slog.String("topic", topic))
		}
	}
	return out, cancel
}

// Close releases the underlying Redis client.
func (b *RedisBus) Close() error { return b.client.Close() }
