// Package report decides, after a deliberate delay, whether an ended capture
// session deserves a summary report. The guard is an ordered rule chain: the
// first rule that fires decides the job's outcome, and a report is generated
// only when every rule passes.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/capture-tender/jobs"
	"github.com/onnwee/capture-tender/processor"
	"github.com/onnwee/capture-tender/session"
)

// ErrAlreadySent signals that another worker won the send race. The guard
// treats it as a cancel, not a failure.
var ErrAlreadySent = errors.New("report already sent")

// Store is the slice of session persistence the guard reads and writes.
type Store interface {
	Get(ctx context.Context, id int64) (*session.CaptureSession, error)
	CommentCount(ctx context.Context, id int64) (int64, error)
	NewerSessionExists(ctx context.Context, sessionID int64, broadcastID string, endedAt time.Time, gap time.Duration) (bool, error)
	MarkReportSent(ctx context.Context, id int64) (session.TransitionResult, error)
}

// Jobs answers whether a capture job is still working the session.
type Jobs interface {
	HasActiveCaptureForSession(ctx context.Context, sessionID int64) (bool, error)
}

// Generator produces the actual report once the guard clears a session.
type Generator interface {
	Generate(ctx context.Context, s *session.CaptureSession) error
}

// LogGenerator is the default sink: it logs the session summary. A real
// delivery channel slots in behind the Generator interface.
type LogGenerator struct{}

func (LogGenerator) Generate(ctx context.Context, s *session.CaptureSession) error {
	slog.Info("session report",
		slog.Int64("session_id", s.ID),
		slog.String("broadcast_id", s.BroadcastID),
		slog.Duration("duration", s.Duration()),
		slog.Int64("viewer_peak", s.Counters.ViewerPeak),
		slog.Int64("comments", s.Counters.Comments),
		slog.Int64("likes", s.Counters.Likes),
		slog.Int64("gifts_value", s.Counters.GiftsValue),
		slog.Int64("follows", s.Counters.Follows),
		slog.Int64("shares", s.Counters.Shares),
	)
	return nil
}

// Guard evaluates report jobs. All thresholds are injected so tests and
// deployments can tune them.
type Guard struct {
	Store     Store
	Jobs      Jobs
	Generator Generator

	// False starts are cancelled outright: a session this short AND this
	// quiet was never a real broadcast. Both limits must be violated.
	FalseStartMaxDuration time.Duration
	FalseStartMinComments int64

	// A session shorter than this is snoozed until at least this long has
	// passed since it ended, giving a possible continuation time to show up.
	StabilizeMinDuration time.Duration

	// A newer session for the same broadcast starting within this gap of
	// our end supersedes us.
	ContinuationGap time.Duration

	// How long to snooze when a rule says "not yet".
	Snooze time.Duration
}

// Handler returns the jobs.Handler wired for report jobs.
func (g *Guard) Handler() jobs.Handler {
	return func(ctx context.Context, job jobs.Job) jobs.Outcome {
		var args processor.ReportArgs
		if err := json.Unmarshal(job.Args, &args); err != nil {
			return jobs.Cancel("malformed report args")
		}
		if args.SessionID == 0 {
			return jobs.Cancel("report args missing session_id")
		}
		return g.Evaluate(ctx, args.SessionID)
	}
}

// Evaluate runs the rule chain for one session.
func (g *Guard) Evaluate(ctx context.Context, sessionID int64) jobs.Outcome {
	s, err := g.Store.Get(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return jobs.Cancel("session gone")
	}
	if err != nil {
		return jobs.Fail(fmt.Errorf("load session: %w", err))
	}

	if s.Status != session.StatusEnded {
		return jobs.Cancel(fmt.Sprintf("session is %s, not ended", s.Status))
	}
	if s.ReportSentAt != nil {
		return jobs.Cancel("report already sent")
	}
	if s.EndedAt == nil {
		// Ended status with no timestamp is a transient inconsistency;
		// try again rather than judging on bad data.
		return jobs.Snooze(g.Snooze)
	}

	duration := s.Duration()

	if duration < g.FalseStartMaxDuration {
		comments, err := g.Store.CommentCount(ctx, s.ID)
		if err != nil {
			return jobs.Fail(fmt.Errorf("count comments: %w", err))
		}
		if comments < g.FalseStartMinComments {
			return jobs.Cancel(fmt.Sprintf("false start: %s with %d comments", duration, comments))
		}
	}

	// A short session is held only while the reconnect window since ended_at
	// is still open; once it passes with no continuation, the report goes out.
	if duration < g.StabilizeMinDuration && time.Since(*s.EndedAt) < g.StabilizeMinDuration {
		return jobs.Snooze(g.Snooze)
	}

	superseded, err := g.Store.NewerSessionExists(ctx, s.ID, s.BroadcastID, *s.EndedAt, g.ContinuationGap)
	if err != nil {
		return jobs.Fail(fmt.Errorf("continuation check: %w", err))
	}
	if superseded {
		return jobs.Cancel("superseded by a continuation session")
	}

	active, err := g.Jobs.HasActiveCaptureForSession(ctx, s.ID)
	if err != nil {
		return jobs.Fail(fmt.Errorf("active capture check: %w", err))
	}
	if active {
		return jobs.Snooze(g.Snooze)
	}

	if err := g.Generator.Generate(ctx, s); err != nil {
		if errors.Is(err, ErrAlreadySent) {
			return jobs.Cancel("report already sent")
		}
		return jobs.Fail(fmt.Errorf("generate report: %w", err))
	}
	res, err := g.Store.MarkReportSent(ctx, s.ID)
	if err != nil {
		return jobs.Fail(fmt.Errorf("mark report sent: %w", err))
	}
	if res == session.TransitionAlreadyDone {
		return jobs.Cancel("report already sent")
	}
	return jobs.Success()
}
