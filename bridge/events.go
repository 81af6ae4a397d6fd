package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/onnwee/capture-tender/event"
)

// frame is the bridge's wire shape for one event on the NDJSON stream.
type frame struct {
	Kind        string          `json:"kind"`
	BroadcastID string          `json:"broadcast_id"`
	RoomID      string          `json:"room_id"`
	Timestamp   time.Time       `json:"timestamp"`
	User        *frameUser      `json:"user"`
	Data        json.RawMessage `json:"data"`
}

type frameUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Nickname string `json:"nickname"`
}

// kind-specific data payloads
type commentData struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

type viewerData struct {
	Count int64 `json:"count"`
}

type likeData struct {
	Count int64 `json:"count"`
	Total int64 `json:"total"`
}

type giftData struct {
	Name       string `json:"name"`
	Value      int64  `json:"value"`
	Count      int64  `json:"count"`
	TotalValue int64  `json:"total_value"`
}

var kindMap = map[string]event.Kind{
	"connected":         event.KindConnected,
	"disconnected":      event.KindDisconnected,
	"comment":           event.KindComment,
	"gift":              event.KindGift,
	"like":              event.KindLike,
	"join":              event.KindJoin,
	"follow":            event.KindFollow,
	"share":             event.KindShare,
	"viewer_count":      event.KindViewerCount,
	"product_showcase":  event.KindProductShowcase,
	"stream_ended":      event.KindStreamEnded,
	"connection_failed": event.KindConnectionFailed,
	"thumbnail":         event.KindThumbnail,
}

// normalize converts one raw NDJSON line into a typed Event. A frame the
// bridge sends with an unrecognized kind still normalizes (KindUnknown);
// only structurally broken frames error out and get dropped by the caller.
func normalize(line []byte) (event.Event, error) {
	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		return event.Event{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.BroadcastID == "" {
		return event.Event{}, fmt.Errorf("frame missing broadcast_id")
	}

	kind, ok := kindMap[f.Kind]
	if !ok {
		kind = event.KindUnknown
	}
	ev := event.Event{
		Kind:        kind,
		BroadcastID: f.BroadcastID,
		RoomID:      f.RoomID,
		Timestamp:   f.Timestamp,
		Payload:     json.RawMessage(line),
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if f.User != nil {
		ev.UserID = f.User.ID
		ev.Username = f.User.Username
		ev.Nickname = f.User.Nickname
	}

	switch kind {
	case event.KindComment:
		var d commentData
		if err := json.Unmarshal(f.Data, &d); err != nil {
			return event.Event{}, fmt.Errorf("decode comment data: %w", err)
		}
		if d.Text == "" {
			return event.Event{}, fmt.Errorf("comment frame missing text")
		}
		ev.MessageID = d.MessageID
		ev.Message = d.Text
	case event.KindViewerCount:
		var d viewerData
		if err := json.Unmarshal(f.Data, &d); err != nil {
			return event.Event{}, fmt.Errorf("decode viewer data: %w", err)
		}
		ev.ViewerCount = d.Count
	case event.KindLike:
		var d likeData
		if len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, &d); err != nil {
				return event.Event{}, fmt.Errorf("decode like data: %w", err)
			}
		}
		ev.LikeCount = d.Count
		ev.LikeTotal = d.Total
	case event.KindGift:
		var d giftData
		if err := json.Unmarshal(f.Data, &d); err != nil {
			return event.Event{}, fmt.Errorf("decode gift data: %w", err)
		}
		ev.GiftName = d.Name
		ev.GiftValue = d.Value
		ev.GiftCount = d.Count
		ev.GiftTotalValue = d.TotalValue
	}
	return ev, nil
}
