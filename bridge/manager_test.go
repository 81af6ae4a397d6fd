package bridge

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/capture-tender/event"
	"github.com/onnwee/capture-tender/pubsub"
	"github.com/onnwee/capture-tender/testutil"
)

func TestManagerInertWithoutBridge(t *testing.T) {
	m := NewManager(&Client{}, pubsub.NewMemoryBus(), time.Millisecond, 1)
	done := make(chan struct{})
	go func() {
		m.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("manager with no bridge URL must return immediately")
	}
}

func TestManagerPublishesAndDropsFrames(t *testing.T) {
	srv := testutil.NewMockBridgeServer(t)
	srv.MockEventStream(
		`{"kind":"comment","broadcast_id":"b1","user":{"id":"u1","username":"alice"},"data":{"message_id":"m1","text":"hi"}}`,
		`this is not json`,
		`{"kind":"viewer_count","broadcast_id":"b1","data":{"count":7}}`,
	)

	bus := pubsub.NewMemoryBus()
	global, cancelGlobal := bus.Subscribe(event.GlobalTopic)
	defer cancelGlobal()
	scoped, cancelScoped := bus.Subscribe(event.BroadcastTopic("b1"))
	defer cancelScoped()

	m := NewManager(&Client{BaseURL: srv.URL}, bus, time.Millisecond, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	want := []event.Kind{event.KindComment, event.KindViewerCount}
	for i, kind := range want {
		select {
		case ev := <-global:
			if ev.Kind != kind {
				t.Fatalf("global event %d kind = %s, want %s", i, ev.Kind, kind)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("global event %d never arrived", i)
		}
		select {
		case ev := <-scoped:
			if ev.Kind != kind {
				t.Fatalf("scoped event %d kind = %s, want %s", i, ev.Kind, kind)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("scoped event %d never arrived", i)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop on context cancellation")
	}
}

func TestManagerReconnectBudgetResetsAfterConnect(t *testing.T) {
	srv := testutil.NewMockBridgeServer(t)
	var requests atomic.Int32
	srv.Handlers["/events"] = func(w http.ResponseWriter, r *http.Request) {
		// Second request streams successfully; everything else fails at
		// connect time.
		if requests.Add(1) != 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = w.Write([]byte(`{"kind":"viewer_count","broadcast_id":"b1","data":{"count":3}}` + "\n"))
	}

	m := NewManager(&Client{BaseURL: srv.URL}, pubsub.NewMemoryBus(), time.Millisecond, 2)
	done := make(chan struct{})
	go func() {
		m.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not give up")
	}
	// Request 2's successful stream resets the budget, so requests 3 and 4
	// spend fresh attempts before the manager gives up. Without the reset
	// the cumulative count breaches MaxReconnects after request 3.
	if got := requests.Load(); got != 4 {
		t.Fatalf("bridge saw %d /events requests, want 4", got)
	}
}

func TestClientControlPlane(t *testing.T) {
	srv := testutil.NewMockBridgeServer(t)
	srv.MockStatusResponse("b1", "r1", true, true)
	c := &Client{BaseURL: srv.URL}
	ctx := context.Background()

	if err := c.Connect(ctx, "b1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Disconnect(ctx, "b1"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if got := srv.Connects(); len(got) != 1 || got[0] != "b1" {
		t.Fatalf("connects = %v", got)
	}
	if got := srv.Disconnects(); len(got) != 1 || got[0] != "b1" {
		t.Fatalf("disconnects = %v", got)
	}

	st, err := c.Status(ctx, "b1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.BroadcastID != "b1" || st.RoomID != "r1" || !st.Live || !st.Connected {
		t.Fatalf("status = %+v", st)
	}

	if err := c.Connect(ctx, ""); err == nil {
		t.Fatal("Connect with empty broadcast id must fail")
	}
}

func TestClientUnconfigured(t *testing.T) {
	var c *Client
	if c.Configured() {
		t.Fatal("nil client reports configured")
	}
	if (&Client{}).Configured() {
		t.Fatal("empty client reports configured")
	}
	if !(&Client{BaseURL: "http://bridge:9000"}).Configured() {
		t.Fatal("client with URL reports unconfigured")
	}
}
