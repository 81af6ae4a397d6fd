// Package event defines the normalized live events flowing from the bridge
// through the bus to session processors and UI subscribers.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind is the closed set of normalized event kinds. Every inbound bridge
// frame maps to exactly one Kind; anything unrecognized becomes KindUnknown.
type Kind string

const (
	KindConnected        Kind = "connected"
	KindDisconnected     Kind = "disconnected"
	KindComment          Kind = "comment"
	KindGift             Kind = "gift"
	KindLike             Kind = "like"
	KindJoin             Kind = "join"
	KindFollow           Kind = "follow"
	KindShare            Kind = "share"
	KindViewerCount      Kind = "viewer_count"
	KindProductShowcase  Kind = "product_showcase"
	KindStreamEnded      Kind = "stream_ended"
	KindConnectionFailed Kind = "connection_failed"
	KindThumbnail        Kind = "thumbnail"
	KindUnknown          Kind = "unknown"
)

// Terminal reports whether the kind ends a capture session.
func (k Kind) Terminal() bool {
	switch k {
	case KindStreamEnded, KindDisconnected, KindConnectionFailed:
		return true
	}
	return false
}

// Event is a normalized live event with canonical user fields plus
// kind-specific payload fields. The raw frame is retained for storage.
type Event struct {
	Kind        Kind      `json:"kind"`
	BroadcastID string    `json:"broadcast_id"`
	RoomID      string    `json:"room_id,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	Username    string    `json:"username,omitempty"`
	Nickname    string    `json:"nickname,omitempty"`
	Timestamp   time.Time `json:"timestamp"`

	// Comment
	MessageID string `json:"message_id,omitempty"`
	Message   string `json:"message,omitempty"`

	// Viewer count
	ViewerCount int64 `json:"viewer_count,omitempty"`

	// Likes: LikeTotal is the provider's cumulative total when it supplies
	// one (0 means absent); LikeCount is the burst size of this event.
	LikeTotal int64 `json:"like_total,omitempty"`
	LikeCount int64 `json:"like_count,omitempty"`

	// Gifts: GiftTotalValue is the provider's cumulative value when it
	// supplies one (0 means absent).
	GiftName       string `json:"gift_name,omitempty"`
	GiftValue      int64  `json:"gift_value,omitempty"`
	GiftCount      int64  `json:"gift_count,omitempty"`
	GiftTotalValue int64  `json:"gift_total_value,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
}

// GlobalTopic carries every normalized event for global listeners
// (e.g. session-start detection).
const GlobalTopic = "events"

// BroadcastTopic returns the per-broadcast topic so session-scoped listeners
// never have to subscribe to everything.
func BroadcastTopic(broadcastID string) string {
	return fmt.Sprintf("events:%s", broadcastID)
}

// LiveTopic returns the UI fan-out topic for one capture session.
func LiveTopic(sessionID int64) string {
	return fmt.Sprintf("live:%d", sessionID)
}
