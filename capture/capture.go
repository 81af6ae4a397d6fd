// Package capture wires a capture-start job to a live session worker: it
// connects the bridge, creates (or resumes) the session row, and runs the
// per-session processor until the broadcast ends.
package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/capture-tender/bridge"
	"github.com/onnwee/capture-tender/event"
	"github.com/onnwee/capture-tender/jobs"
	"github.com/onnwee/capture-tender/processor"
	"github.com/onnwee/capture-tender/pubsub"
	"github.com/onnwee/capture-tender/session"
)

// Args is the payload of a capture_start job. SessionID is zero for fresh
// starts; the reconciler sets it when resubmitting a recovered session.
type Args struct {
	BroadcastID string `json:"broadcast_id"`
	RoomID      string `json:"room_id"`
	SessionID   int64  `json:"session_id,omitempty"`
}

// NewStartHandler returns the jobs handler for capture_start. The job holds
// its worker for the life of the broadcast; the runner is sized for that.
func NewStartHandler(store *session.Store, bus pubsub.Bus, queue *jobs.Queue, br *bridge.Client, opts processor.Options) jobs.Handler {
	return func(ctx context.Context, job jobs.Job) jobs.Outcome {
		var args Args
		if err := json.Unmarshal(job.Args, &args); err != nil {
			return jobs.Cancel(fmt.Sprintf("bad args: %v", err))
		}
		if args.BroadcastID == "" || args.RoomID == "" {
			return jobs.Cancel("missing broadcast_id or room_id")
		}
		logger := slog.Default().With(
			slog.String("component", "capture"),
			slog.String("broadcast_id", args.BroadcastID),
			slog.String("room_id", args.RoomID))

		sessID := args.SessionID
		if sessID == 0 {
			id, err := store.CreateCapturing(ctx, args.BroadcastID, args.RoomID, time.Now().UTC(), nil)
			if errors.Is(err, session.ErrAlreadyCapturing) {
				// The storage constraint, not any in-memory check, decides this.
				return jobs.Cancel("room already has a capturing session")
			}
			if err != nil {
				return jobs.Fail(err)
			}
			sessID = id
		}
		logger = logger.With(slog.Int64("session_id", sessID))

		// Subscribe before connecting so the first events aren't missed.
		events, unsubscribe := bus.Subscribe(event.BroadcastTopic(args.BroadcastID))
		defer unsubscribe()

		if br.Configured() {
			if err := br.Connect(ctx, args.BroadcastID); err != nil {
				return jobs.Fail(fmt.Errorf("bridge connect: %w", err))
			}
			defer func() {
				dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := br.Disconnect(dctx, args.BroadcastID); err != nil {
					logger.Warn("bridge disconnect failed", slog.Any("err", err))
				}
			}()
		}

		proc := processor.New(sessID, args.BroadcastID, store, bus, queue, opts)
		if err := proc.Run(ctx, events); err != nil {
			// Interrupted by shutdown; the runner requeues and the boot
			// reconciler sorts out the orphaned session.
			return jobs.Fail(fmt.Errorf("capture interrupted: %w", err))
		}
		return jobs.Success()
	}
}
