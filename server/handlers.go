package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/capture-tender/event"
	"github.com/onnwee/capture-tender/pubsub"
	"github.com/onnwee/capture-tender/session"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db    *sql.DB
	store *session.Store
	bus   pubsub.Bus
	ctx   context.Context
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, db *sql.DB, bus pubsub.Bus) *Handlers {
	return &Handlers{
		db:    db,
		store: session.NewStore(db),
		bus:   bus,
		ctx:   ctx,
	}
}

// HandleHealthz responds to liveness probe requests by checking database
// connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probes. Ready means the database answers
// and the boot reconciler has completed at least once.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.db.PingContext(r.Context()) }},
		{"reconciled", func() error {
			var v string
			err := h.db.QueryRowContext(r.Context(),
				"SELECT value FROM kv WHERE key='boot_reconcile_last'").Scan(&v)
			return err
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus returns a lightweight status summary: active sessions, job
// queue depth, and operational heartbeats from kv.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	resp := map[string]any{}

	var capturing int
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM capture_sessions WHERE status='capturing'`).Scan(&capturing)
	resp["capturing_sessions"] = capturing

	type statusCount struct {
		Status string `json:"status"`
		Count  int    `json:"count"`
	}
	var jobCounts []statusCount
	rows, err := h.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs WHERE status IN ('queued','executing') GROUP BY status`)
	if err == nil {
		defer func() {
			if err := rows.Close(); err != nil {
				slog.Warn("failed to close rows", slog.Any("err", err))
			}
		}()
		for rows.Next() {
			var sc statusCount
			if err := rows.Scan(&sc.Status, &sc.Count); err == nil {
				jobCounts = append(jobCounts, sc)
			}
		}
	}
	if len(jobCounts) > 0 {
		resp["jobs"] = jobCounts
	}

	for _, k := range []string{"boot_reconcile_last", "bridge_stream_last", "job_runner_last"} {
		var v string
		_ = h.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, k).Scan(&v)
		if v != "" {
			resp[k] = v
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// sessionView is the JSON shape for session listings.
type sessionView struct {
	ID            int64      `json:"id"`
	BroadcastID   string     `json:"broadcast_id"`
	RoomID        string     `json:"room_id"`
	Status        string     `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	ReportSentAt  *time.Time `json:"report_sent_at,omitempty"`
	ViewerCurrent int64      `json:"viewer_count_current"`
	ViewerPeak    int64      `json:"viewer_count_peak"`
	Likes         int64      `json:"total_likes"`
	Comments      int64      `json:"total_comments"`
	GiftsValue    int64      `json:"total_gifts_value"`
	Follows       int64      `json:"total_follows"`
	Shares        int64      `json:"total_shares"`
}

func viewOf(s *session.CaptureSession) sessionView {
	return sessionView{
		ID:            s.ID,
		BroadcastID:   s.BroadcastID,
		RoomID:        s.RoomID,
		Status:        string(s.Status),
		StartedAt:     s.StartedAt,
		EndedAt:       s.EndedAt,
		ReportSentAt:  s.ReportSentAt,
		ViewerCurrent: s.Counters.ViewerCurrent,
		ViewerPeak:    s.Counters.ViewerPeak,
		Likes:         s.Counters.Likes,
		Comments:      s.Counters.Comments,
		GiftsValue:    s.Counters.GiftsValue,
		Follows:       s.Counters.Follows,
		Shares:        s.Counters.Shares,
	}
}

// HandleSessionsList returns recent sessions; ?status=capturing narrows to
// the active ones.
func (h *Handlers) HandleSessionsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	var (
		sessions []session.CaptureSession
		err      error
	)
	if r.URL.Query().Get("status") == "capturing" {
		sessions, err = h.store.ListCapturing(ctx)
	} else {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		sessions, err = h.store.ListRecent(ctx, limit)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]sessionView, 0, len(sessions))
	for i := range sessions {
		out = append(out, viewOf(&sessions[i]))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// HandleSessionsDispatcher routes /sessions/{id}, /sessions/{id}/comments and
// /sessions/{id}/live.
func (h *Handlers) HandleSessionsDispatcher(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.SplitN(rest, "/", 2)
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}
	switch sub {
	case "":
		h.handleSessionGet(w, r, id)
	case "comments":
		h.handleSessionComments(w, r, id)
	case "live":
		h.handleSessionLive(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) handleSessionGet(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s, err := h.store.Get(r.Context(), id)
	if err == session.ErrNotFound {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(viewOf(s))
}

func (h *Handlers) handleSessionComments(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// Params: from, to (RFC3339), limit (default 200)
	q := r.URL.Query()
	var from, to time.Time
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid from timestamp", http.StatusBadRequest)
			return
		}
		from = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid to timestamp", http.StatusBadRequest)
			return
		}
		to = t
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 5000 {
		limit = 200
	}
	comments, err := h.store.ListComments(r.Context(), id, from, to, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	type commentView struct {
		UserID      string    `json:"user_id"`
		Username    string    `json:"username"`
		Message     string    `json:"message"`
		CommentedAt time.Time `json:"commented_at"`
	}
	out := make([]commentView, 0, len(comments))
	for _, c := range comments {
		out = append(out, commentView{
			UserID:      c.UserID,
			Username:    c.Username,
			Message:     c.Message,
			CommentedAt: c.CommentedAt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// handleSessionLive streams the session's live topic over Server-Sent Events
// until the client disconnects. Delivery is best effort: a slow client falls
// behind and misses frames rather than backpressuring the processor.
func (h *Handlers) handleSessionLive(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, cancel := h.bus.Subscribe(event.LiveTopic(id))
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	ctx := r.Context()
	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
