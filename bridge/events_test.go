package bridge

import (
	"testing"
	"time"

	"github.com/onnwee/capture-tender/event"
)

func TestNormalizeComment(t *testing.T) {
	line := []byte(`{"kind":"comment","broadcast_id":"b1","room_id":"r1",` +
		`"timestamp":"2026-08-01T12:00:00Z",` +
		`"user":{"id":"u1","username":"alice","nickname":"Alice"},` +
		`"data":{"message_id":"m1","text":"hello"}}`)
	ev, err := normalize(line)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.Kind != event.KindComment {
		t.Fatalf("kind = %s", ev.Kind)
	}
	if ev.BroadcastID != "b1" || ev.RoomID != "r1" {
		t.Fatalf("ids = %s/%s", ev.BroadcastID, ev.RoomID)
	}
	if ev.UserID != "u1" || ev.Username != "alice" || ev.Nickname != "Alice" {
		t.Fatalf("user = %s/%s/%s", ev.UserID, ev.Username, ev.Nickname)
	}
	if ev.MessageID != "m1" || ev.Message != "hello" {
		t.Fatalf("message = %s/%s", ev.MessageID, ev.Message)
	}
	if ev.Timestamp != time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) {
		t.Fatalf("timestamp = %s", ev.Timestamp)
	}
	if string(ev.Payload) != string(line) {
		t.Fatal("raw payload not retained")
	}
}

func TestNormalizeUnknownKindKept(t *testing.T) {
	ev, err := normalize([]byte(`{"kind":"hologram","broadcast_id":"b1"}`))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.Kind != event.KindUnknown {
		t.Fatalf("kind = %s, want unknown", ev.Kind)
	}
}

func TestNormalizeZeroTimestampDefaults(t *testing.T) {
	before := time.Now().UTC()
	ev, err := normalize([]byte(`{"kind":"join","broadcast_id":"b1"}`))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.Timestamp.Before(before) {
		t.Fatalf("timestamp %s not defaulted to now", ev.Timestamp)
	}
}

func TestNormalizeRejectsBrokenFrames(t *testing.T) {
	cases := map[string]string{
		"not json":             `{{{`,
		"missing broadcast id": `{"kind":"comment","data":{"text":"hi"}}`,
		"comment without text": `{"kind":"comment","broadcast_id":"b1","data":{"message_id":"m1"}}`,
		"viewer bad data":      `{"kind":"viewer_count","broadcast_id":"b1","data":"nope"}`,
		"gift bad data":        `{"kind":"gift","broadcast_id":"b1","data":[1]}`,
	}
	for name, line := range cases {
		if _, err := normalize([]byte(line)); err == nil {
			t.Errorf("%s: normalize accepted a broken frame", name)
		}
	}
}

func TestNormalizeViewerAndGift(t *testing.T) {
	ev, err := normalize([]byte(`{"kind":"viewer_count","broadcast_id":"b1","data":{"count":42}}`))
	if err != nil {
		t.Fatalf("viewer: %v", err)
	}
	if ev.ViewerCount != 42 {
		t.Fatalf("viewer count = %d", ev.ViewerCount)
	}

	ev, err = normalize([]byte(`{"kind":"gift","broadcast_id":"b1",` +
		`"data":{"name":"rose","value":5,"count":3,"total_value":150}}`))
	if err != nil {
		t.Fatalf("gift: %v", err)
	}
	if ev.GiftName != "rose" || ev.GiftValue != 5 || ev.GiftCount != 3 || ev.GiftTotalValue != 150 {
		t.Fatalf("gift = %+v", ev)
	}
}

func TestNormalizeLikeDataOptional(t *testing.T) {
	ev, err := normalize([]byte(`{"kind":"like","broadcast_id":"b1"}`))
	if err != nil {
		t.Fatalf("like without data: %v", err)
	}
	if ev.LikeCount != 0 || ev.LikeTotal != 0 {
		t.Fatalf("like = %+v", ev)
	}
}
