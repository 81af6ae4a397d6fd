// Package reconcile runs the boot-time sweep that repairs state left behind
// by a previous deploy: stale capture jobs, orphaned capturing sessions, and
// sessions ended prematurely while the broadcast was actually still live.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/capture-tender/bridge"
	"github.com/onnwee/capture-tender/capture"
	"github.com/onnwee/capture-tender/jobs"
	"github.com/onnwee/capture-tender/session"
)

// Store is the slice of session persistence the reconciler needs.
type Store interface {
	ListCapturing(ctx context.Context) ([]session.CaptureSession, error)
	EndedSince(ctx context.Context, window time.Duration) ([]session.CaptureSession, error)
	MarkEnded(ctx context.Context, id int64) (session.TransitionResult, error)
	ResumeCapturing(ctx context.Context, id int64) (session.TransitionResult, error)
}

// Jobs is the slice of the job substrate the reconciler needs.
type Jobs interface {
	CancelStale(ctx context.Context, jobTypes ...string) (int64, error)
	HasActiveCaptureForSession(ctx context.Context, sessionID int64) (bool, error)
	Enqueue(ctx context.Context, jobType string, args any, delay time.Duration) (string, error)
}

// Bridge is the external source of truth consulted before restarting or
// ending a session. *bridge.Client satisfies it.
type Bridge interface {
	Configured() bool
	Status(ctx context.Context, broadcastID string) (bridge.BroadcastStatus, error)
	Disconnect(ctx context.Context, broadcastID string) error
}

// Reconciler runs once at boot, before the job runner starts.
type Reconciler struct {
	Store          Store
	Jobs           Jobs
	Bridge         Bridge
	RecoveryWindow time.Duration
}

// Run executes the three phases in order and returns the total number of
// jobs cancelled plus sessions reconciled. Each phase, and each session
// within a phase, fails independently: one broken session never aborts the
// sweep for the others.
func (r *Reconciler) Run(ctx context.Context) (int, error) {
	logger := slog.Default().With(slog.String("component", "reconciler"))
	total := 0

	cancelled, err := r.Jobs.CancelStale(ctx, jobs.TypeCaptureStart)
	if err != nil {
		logger.Error("stale job cancellation failed", slog.Any("err", err))
	} else if cancelled > 0 {
		logger.Info("cancelled stale capture jobs", slog.Int64("count", cancelled))
	}
	total += int(cancelled)

	total += r.sweepOrphans(ctx, logger)
	total += r.sweepRecoverable(ctx, logger)

	logger.Info("reconciliation complete", slog.Int("total", total))
	return total, nil
}

// sweepOrphans handles sessions marked capturing with no live worker behind
// them. Still live under the same room: restart. Anything else: end.
func (r *Reconciler) sweepOrphans(ctx context.Context, logger *slog.Logger) int {
	orphans, err := r.Store.ListCapturing(ctx)
	if err != nil {
		logger.Error("orphan listing failed", slog.Any("err", err))
		return 0
	}
	reconciled := 0
	for _, s := range orphans {
		active, err := r.Jobs.HasActiveCaptureForSession(ctx, s.ID)
		if err != nil {
			logger.Error("orphan job lookup failed", slog.Any("err", err), slog.Int64("session_id", s.ID))
			continue
		}
		if active {
			continue
		}
		restarted, err := r.restartIfStillLive(ctx, logger, s, "orphan")
		if err != nil {
			// Transient bridge failure: we don't know whether the room is
			// still live, so never end it here.
			logger.Warn("leaving orphaned session for next sweep",
				slog.Any("err", err), slog.Int64("session_id", s.ID))
			continue
		}
		if restarted {
			reconciled++
			continue
		}
		if _, err := r.Store.MarkEnded(ctx, s.ID); err != nil {
			logger.Error("orphan mark ended failed", slog.Any("err", err), slog.Int64("session_id", s.ID))
			continue
		}
		logger.Info("ended orphaned session", slog.Int64("session_id", s.ID), slog.String("room_id", s.RoomID))
		reconciled++
	}
	return reconciled
}

// sweepRecoverable handles sessions ended within the recent window that the
// external source shows unexpectedly still live under the same room id.
func (r *Reconciler) sweepRecoverable(ctx context.Context, logger *slog.Logger) int {
	if !r.Bridge.Configured() {
		return 0
	}
	window := r.RecoveryWindow
	if window <= 0 {
		window = 2 * time.Hour
	}
	recent, err := r.Store.EndedSince(ctx, window)
	if err != nil {
		logger.Error("recovery listing failed", slog.Any("err", err))
		return 0
	}
	reconciled := 0
	for _, s := range recent {
		st, err := r.Bridge.Status(ctx, s.BroadcastID)
		if err != nil {
			logger.Warn("recovery status check failed", slog.Any("err", err), slog.Int64("session_id", s.ID))
			continue
		}
		// A different room id means a genuinely new broadcast; this one
		// really ended.
		if !st.Live || st.RoomID != s.RoomID {
			continue
		}
		res, err := r.Store.ResumeCapturing(ctx, s.ID)
		if errors.Is(err, session.ErrAlreadyCapturing) {
			continue
		}
		if err != nil {
			logger.Error("resume failed", slog.Any("err", err), slog.Int64("session_id", s.ID))
			continue
		}
		if res != session.TransitionApplied {
			continue
		}
		if err := r.resubmit(ctx, logger, s, "recovered"); err != nil {
			logger.Error("recovery resubmit failed", slog.Any("err", err), slog.Int64("session_id", s.ID))
			continue
		}
		reconciled++
	}
	return reconciled
}

// restartIfStillLive checks the external source of truth and, when the same
// room is still live, tears down stale bridge state and resubmits a capture
// job for the session. A non-nil error means the check or the resubmit could
// not complete; "checked and not live" is (false, nil).
func (r *Reconciler) restartIfStillLive(ctx context.Context, logger *slog.Logger, s session.CaptureSession, phase string) (bool, error) {
	if !r.Bridge.Configured() {
		return false, nil
	}
	st, err := r.Bridge.Status(ctx, s.BroadcastID)
	if err != nil {
		return false, fmt.Errorf("status check: %w", err)
	}
	if !st.Live || st.RoomID != s.RoomID {
		return false, nil
	}
	if err := r.resubmit(ctx, logger, s, phase); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Reconciler) resubmit(ctx context.Context, logger *slog.Logger, s session.CaptureSession, phase string) error {
	// Stale bridge-side connection state must go before the fresh connect.
	if err := r.Bridge.Disconnect(ctx, s.BroadcastID); err != nil {
		logger.Warn("bridge teardown failed", slog.Any("err", err), slog.Int64("session_id", s.ID))
	}
	args := capture.Args{BroadcastID: s.BroadcastID, RoomID: s.RoomID, SessionID: s.ID}
	if _, err := r.Jobs.Enqueue(ctx, jobs.TypeCaptureStart, args, 0); err != nil {
		return fmt.Errorf("capture resubmit: %w", err)
	}
	logger.Info("capture restarted", slog.Int64("session_id", s.ID), slog.String("phase", phase), slog.String("room_id", s.RoomID))
	return nil
}
