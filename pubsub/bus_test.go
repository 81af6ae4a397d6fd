package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/onnwee/capture-tender/event"
)

func TestMemoryBusDeliversToTopicSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	ch, cancel := bus.Subscribe("events:abc")
	defer cancel()

	other, cancelOther := bus.Subscribe("events:other")
	defer cancelOther()

	bus.Publish(context.Background(), "events:abc", event.Event{Kind: event.KindComment, BroadcastID: "abc"})

	select {
	case ev := <-ch:
		if ev.Kind != event.KindComment || ev.BroadcastID != "abc" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}

	select {
	case ev := <-other:
		t.Errorf("other topic received event %+v", ev)
	default:
	}
}

func TestMemoryBusFanOutOrderPreserved(t *testing.T) {
	bus := NewMemoryBus()
	ch, cancel := bus.Subscribe("live:1")
	defer cancel()

	for i := 0; i < 10; i++ {
		bus.Publish(context.Background(), "live:1", event.Event{Kind: event.KindComment, MessageID: string(rune('a' + i))})
	}
	for i := 0; i < 10; i++ {
		ev := <-ch
		if ev.MessageID != string(rune('a'+i)) {
			t.Fatalf("event %d out of order: got %q", i, ev.MessageID)
		}
	}
}

func TestMemoryBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewMemoryBus()
	ch, cancel := bus.Subscribe("events")
	defer cancel()

	// Overfill the buffer without reading; publishes must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+50; i++ {
			bus.Publish(context.Background(), "events", event.Event{Kind: event.KindLike})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if got := len(ch); got != subscriberBuffer {
		t.Errorf("buffered events = %d, want %d (excess dropped)", got, subscriberBuffer)
	}
}

func TestMemoryBusCancelClosesChannel(t *testing.T) {
	bus := NewMemoryBus()
	ch, cancel := bus.Subscribe("events")
	cancel()
	if _, ok := <-ch; ok {
		t.Error("expected closed channel after cancel")
	}
	// Publishing after cancel must not panic.
	bus.Publish(context.Background(), "events", event.Event{Kind: event.KindJoin})
}
