package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrAlreadyCapturing is returned by CreateCapturing when the room already
// has a capturing session. Raised by the storage unique constraint, never by
// an in-memory check.
var ErrAlreadyCapturing = errors.New("room already has a capturing session")

// ErrNotFound is returned when a session id does not exist.
var ErrNotFound = errors.New("capture session not found")

// Store provides capture-session persistence over Postgres.
type Store struct {
	DB *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{DB: db} }

const sessionColumns = `id, broadcast_id, room_id, status, started_at, ended_at, report_sent_at,
	viewer_count_current, viewer_count_peak, total_likes, total_comments, total_gifts_value,
	total_follows, total_shares, business_session_id, raw_meta`

func scanSession(row interface{ Scan(...any) error }) (*CaptureSession, error) {
	var s CaptureSession
	var endedAt, reportSentAt sql.NullTime
	var bizID sql.NullInt64
	var rawMeta []byte
	err := row.Scan(&s.ID, &s.BroadcastID, &s.RoomID, &s.Status, &s.StartedAt, &endedAt, &reportSentAt,
		&s.Counters.ViewerCurrent, &s.Counters.ViewerPeak, &s.Counters.Likes, &s.Counters.Comments,
		&s.Counters.GiftsValue, &s.Counters.Follows, &s.Counters.Shares, &bizID, &rawMeta)
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		s.EndedAt = &t
	}
	if reportSentAt.Valid {
		t := reportSentAt.Time
		s.ReportSentAt = &t
	}
	if bizID.Valid {
		v := bizID.Int64
		s.BusinessSessionID = &v
	}
	s.RawMeta = rawMeta
	return &s, nil
}

// CreateCapturing inserts a new capturing session. A unique violation on the
// partial room index maps to ErrAlreadyCapturing.
func (st *Store) CreateCapturing(ctx context.Context, broadcastID, roomID string, startedAt time.Time, rawMeta json.RawMessage) (int64, error) {
	if len(rawMeta) == 0 {
		rawMeta = json.RawMessage(`{}`)
	}
	var id int64
	err := st.DB.QueryRowContext(ctx,
		`INSERT INTO capture_sessions (broadcast_id, room_id, status, started_at, raw_meta, created_at)
		 VALUES ($1,$2,'capturing',$3,$4,NOW()) RETURNING id`,
		broadcastID, roomID, startedAt.UTC(), []byte(rawMeta)).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, ErrAlreadyCapturing
		}
		return 0, fmt.Errorf("create capturing session: %w", err)
	}
	return id, nil
}

// MarkEnded flips capturing -> ended in a single conditional write, setting
// ended_at exactly once. Never read-then-write: a disconnect and an explicit
// end may race here.
func (st *Store) MarkEnded(ctx context.Context, id int64) (TransitionResult, error) {
	res, err := st.DB.ExecContext(ctx,
		`UPDATE capture_sessions SET status='ended', ended_at=NOW(), updated_at=NOW()
		 WHERE id=$1 AND status='capturing'`, id)
	if err != nil {
		return TransitionAlreadyDone, fmt.Errorf("mark ended: %w", err)
	}
	return transitionFromRows(res)
}

// MarkReportSent sets report_sent_at exactly once. Under N concurrent
// callers exactly one sees TransitionApplied.
func (st *Store) MarkReportSent(ctx context.Context, id int64) (TransitionResult, error) {
	res, err := st.DB.ExecContext(ctx,
		`UPDATE capture_sessions SET report_sent_at=NOW(), updated_at=NOW()
		 WHERE id=$1 AND report_sent_at IS NULL`, id)
	if err != nil {
		return TransitionAlreadyDone, fmt.Errorf("mark report sent: %w", err)
	}
	return transitionFromRows(res)
}

// MarkFailed flips capturing -> failed on a hard connection failure.
func (st *Store) MarkFailed(ctx context.Context, id int64) (TransitionResult, error) {
	res, err := st.DB.ExecContext(ctx,
		`UPDATE capture_sessions SET status='failed', ended_at=NOW(), updated_at=NOW()
		 WHERE id=$1 AND status='capturing'`, id)
	if err != nil {
		return TransitionAlreadyDone, fmt.Errorf("mark failed: %w", err)
	}
	return transitionFromRows(res)
}

// ResumeCapturing flips a recently-ended session back to capturing (recovery
// sweep: the broadcast turned out to still be live under the same room).
// Clears ended_at so the report guard's eventual-consistency rule holds off.
// Can fail with ErrAlreadyCapturing if another capturing row owns the room.
func (st *Store) ResumeCapturing(ctx context.Context, id int64) (TransitionResult, error) {
	res, err := st.DB.ExecContext(ctx,
		`UPDATE capture_sessions SET status='capturing', ended_at=NULL, updated_at=NOW()
		 WHERE id=$1 AND status='ended' AND report_sent_at IS NULL`, id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return TransitionAlreadyDone, ErrAlreadyCapturing
		}
		return TransitionAlreadyDone, fmt.Errorf("resume capturing: %w", err)
	}
	return transitionFromRows(res)
}

func transitionFromRows(res sql.Result) (TransitionResult, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return TransitionAlreadyDone, err
	}
	if n == 1 {
		return TransitionApplied, nil
	}
	return TransitionAlreadyDone, nil
}

// UpdateViewerCount persists the throttled viewer count; the peak only ever
// grows.
func (st *Store) UpdateViewerCount(ctx context.Context, id, current, peak int64) error {
	_, err := st.DB.ExecContext(ctx,
		`UPDATE capture_sessions SET viewer_count_current=$2,
		 viewer_count_peak=GREATEST(viewer_count_peak,$3), updated_at=NOW() WHERE id=$1`,
		id, current, peak)
	return err
}

// WriteSnapshot appends an immutable stats row and updates the session's
// aggregate counters in one transaction.
func (st *Store) WriteSnapshot(ctx context.Context, id int64, snap Snapshot, c Counters) error {
	tx, err := st.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO session_stats (session_id, recorded_at, viewer_count, like_count, comment_count, gift_value, follow_count, share_count)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		id, snap.RecordedAt.UTC(), snap.ViewerCount, snap.LikeCount, snap.CommentCount, snap.GiftValue, snap.FollowCount, snap.ShareCount); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE capture_sessions SET
			viewer_count_current=$2,
			viewer_count_peak=GREATEST(viewer_count_peak,$3),
			total_likes=GREATEST(total_likes,$4),
			total_comments=GREATEST(total_comments,$5),
			total_gifts_value=GREATEST(total_gifts_value,$6),
			total_follows=GREATEST(total_follows,$7),
			total_shares=GREATEST(total_shares,$8),
			updated_at=NOW()
		 WHERE id=$1`,
		id, c.ViewerCurrent, c.ViewerPeak, c.Likes, c.Comments, c.GiftsValue, c.Follows, c.Shares); err != nil {
		return fmt.Errorf("update counters: %w", err)
	}
	return tx.Commit()
}

// InsertComments batch-inserts comments with conflict-ignoring semantics on
// (session_id, user_id, commented_at), making partial retries safe. Returns
// the number of rows actually stored.
func (st *Store) InsertComments(ctx context.Context, comments []Comment) (int64, error) {
	if len(comments) == 0 {
		return 0, nil
	}
	tx, err := st.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin comment tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO session_comments (session_id, user_id, username, message, commented_at, raw, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,NOW())
		 ON CONFLICT (session_id, user_id, commented_at) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("prepare comment insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	var stored int64
	for _, c := range comments {
		raw := c.Raw
		if len(raw) == 0 {
			raw = json.RawMessage(`{}`)
		}
		res, err := stmt.ExecContext(ctx, c.SessionID, c.UserID, c.Username, c.Message, c.CommentedAt.UTC(), []byte(raw))
		if err != nil {
			return stored, fmt.Errorf("insert comment: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			stored += n
		}
	}
	if err := tx.Commit(); err != nil {
		return stored, err
	}
	return stored, nil
}

// Get fetches one session by id.
func (st *Store) Get(ctx context.Context, id int64) (*CaptureSession, error) {
	s, err := scanSession(st.DB.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM capture_sessions WHERE id=$1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return s, err
}

// CapturingByRoom returns the capturing session for a room, or nil.
func (st *Store) CapturingByRoom(ctx context.Context, roomID string) (*CaptureSession, error) {
	s, err := scanSession(st.DB.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM capture_sessions WHERE room_id=$1 AND status='capturing'`, roomID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

// ListCapturing returns all sessions currently marked capturing.
func (st *Store) ListCapturing(ctx context.Context) ([]CaptureSession, error) {
	return st.list(ctx, `SELECT `+sessionColumns+` FROM capture_sessions WHERE status='capturing' ORDER BY started_at`)
}

// EndedSince returns sessions ended within the recent window.
func (st *Store) EndedSince(ctx context.Context, window time.Duration) ([]CaptureSession, error) {
	return st.list(ctx,
		`SELECT `+sessionColumns+` FROM capture_sessions WHERE status='ended' AND ended_at >= NOW() - $1::interval ORDER BY ended_at`,
		fmt.Sprintf("%d seconds", int(window.Seconds())))
}

func (st *Store) list(ctx context.Context, query string, args ...any) ([]CaptureSession, error) {
	rows, err := st.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []CaptureSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// ListRecent returns the most recently started sessions, any status.
func (st *Store) ListRecent(ctx context.Context, limit int) ([]CaptureSession, error) {
	if limit <= 0 {
		limit = 50
	}
	return st.list(ctx,
		`SELECT `+sessionColumns+` FROM capture_sessions ORDER BY started_at DESC LIMIT $1`, limit)
}

// ListComments returns stored comments for a session in arrival order,
// optionally bounded to the from..to time range (zero values mean unbounded).
func (st *Store) ListComments(ctx context.Context, sessionID int64, from, to time.Time, limit int) ([]Comment, error) {
	if limit <= 0 {
		limit = 200
	}
	var rows *sql.Rows
	var err error
	switch {
	case !to.IsZero():
		rows, err = st.DB.QueryContext(ctx,
			`SELECT session_id, user_id, username, message, commented_at, raw
			 FROM session_comments WHERE session_id=$1 AND commented_at>=$2 AND commented_at<=$3
			 ORDER BY commented_at LIMIT $4`, sessionID, from, to, limit)
	case !from.IsZero():
		rows, err = st.DB.QueryContext(ctx,
			`SELECT session_id, user_id, username, message, commented_at, raw
			 FROM session_comments WHERE session_id=$1 AND commented_at>=$2
			 ORDER BY commented_at LIMIT $3`, sessionID, from, limit)
	default:
		rows, err = st.DB.QueryContext(ctx,
			`SELECT session_id, user_id, username, message, commented_at, raw
			 FROM session_comments WHERE session_id=$1 ORDER BY commented_at LIMIT $2`, sessionID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Comment
	for rows.Next() {
		var c Comment
		var raw []byte
		if err := rows.Scan(&c.SessionID, &c.UserID, &c.Username, &c.Message, &c.CommentedAt, &raw); err != nil {
			return nil, err
		}
		c.Raw = raw
		out = append(out, c)
	}
	return out, rows.Err()
}

// NewerSessionExists reports whether another session for the same broadcast
// started within gap after endedAt (the continuation heuristic).
func (st *Store) NewerSessionExists(ctx context.Context, sessionID int64, broadcastID string, endedAt time.Time, gap time.Duration) (bool, error) {
	var exists bool
	err := st.DB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM capture_sessions
		 WHERE broadcast_id=$1 AND id<>$2 AND started_at > $3 AND started_at <= $4)`,
		broadcastID, sessionID, endedAt, endedAt.Add(gap)).Scan(&exists)
	return exists, err
}

// CommentCount returns the number of stored comments for a session.
func (st *Store) CommentCount(ctx context.Context, id int64) (int64, error) {
	var n int64
	err := st.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM session_comments WHERE session_id=$1`, id).Scan(&n)
	return n, err
}

// LinkOverlappingBusinessSession attaches the session to an active business
// session whose window overlaps the capture's start..end. Reports whether a
// link was made; no overlap is not an error.
func (st *Store) LinkOverlappingBusinessSession(ctx context.Context, id int64) (bool, error) {
	res, err := st.DB.ExecContext(ctx,
		`UPDATE capture_sessions cs SET business_session_id=bs.id, updated_at=NOW()
		 FROM business_sessions bs
		 WHERE cs.id=$1 AND cs.business_session_id IS NULL AND bs.active
		   AND bs.starts_at <= COALESCE(cs.ended_at, NOW())
		   AND bs.ends_at >= cs.started_at`, id)
	if err != nil {
		return false, fmt.Errorf("link business session: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
