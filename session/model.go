// Package session holds the capture-session data model and its storage-backed
// state machine. All lifecycle transitions are single atomic conditional
// writes; the partial unique index on (room_id) WHERE status='capturing' is
// the only arbiter of duplicate capture attempts.
package session

import (
	"encoding/json"
	"time"
)

// Status is the capture-session lifecycle state. ended and failed are
// terminal; no transition leaves them (recovery re-opens an ended session
// through a conditional write that checks the prior state).
type Status string

const (
	StatusCapturing Status = "capturing"
	StatusEnded     Status = "ended"
	StatusFailed    Status = "failed"
)

// Counters are the monotonically-updated running totals for one session.
type Counters struct {
	ViewerCurrent int64
	ViewerPeak    int64
	Likes         int64
	Comments      int64
	GiftsValue    int64
	Follows       int64
	Shares        int64
}

// CaptureSession is one tracked recording of a live broadcast.
type CaptureSession struct {
	ID                int64
	BroadcastID       string
	RoomID            string
	Status            Status
	StartedAt         time.Time
	EndedAt           *time.Time
	ReportSentAt      *time.Time
	Counters          Counters
	BusinessSessionID *int64
	RawMeta           json.RawMessage
}

// Duration returns the session length; zero while still capturing.
func (s *CaptureSession) Duration() time.Duration {
	if s.EndedAt == nil {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// Comment is one accepted chat message bound for storage. The unique key
// (session_id, user_id, commented_at) is the dedup-at-storage backstop.
type Comment struct {
	SessionID   int64
	UserID      string
	Username    string
	Message     string
	CommentedAt time.Time
	Raw         json.RawMessage
}

// Snapshot is an immutable, append-only stats record.
type Snapshot struct {
	SessionID    int64
	RecordedAt   time.Time
	ViewerCount  int64
	LikeCount    int64
	CommentCount int64
	GiftValue    int64
	FollowCount  int64
	ShareCount   int64
}

// TransitionResult distinguishes "this call applied the transition" from
// "someone else already did". The latter is not an error: callers skip
// side effects instead of failing.
type TransitionResult int

const (
	TransitionApplied TransitionResult = iota
	TransitionAlreadyDone
)

// String returns a log-friendly name.
func (r TransitionResult) String() string {
	if r == TransitionApplied {
		return "applied"
	}
	return "already_done"
}
