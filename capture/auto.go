package capture

import (
	"context"
	"log/slog"

	"github.com/onnwee/capture-tender/event"
	"github.com/onnwee/capture-tender/jobs"
	"github.com/onnwee/capture-tender/pubsub"
	"github.com/onnwee/capture-tender/session"
)

// AutoStarter watches the global topic and enqueues a capture_start job
// whenever the bridge reports a connected broadcast nobody is capturing yet.
// Enabled with CAPTURE_AUTO_START=1; manual starts come through the same job
// type from the web layer.
type AutoStarter struct {
	Store *session.Store
	Queue *jobs.Queue
	Bus   pubsub.Bus
}

// Run consumes global events until ctx is cancelled.
func (a *AutoStarter) Run(ctx context.Context) {
	logger := slog.Default().With(slog.String("component", "auto_capture"))
	events, unsubscribe := a.Bus.Subscribe(event.GlobalTopic)
	defer unsubscribe()
	logger.Info("auto capture watching for live broadcasts")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != event.KindConnected || ev.RoomID == "" {
				continue
			}
			a.maybeStart(ctx, ev, logger)
		}
	}
}

func (a *AutoStarter) maybeStart(ctx context.Context, ev event.Event, logger *slog.Logger) {
	existing, err := a.Store.CapturingByRoom(ctx, ev.RoomID)
	if err != nil {
		logger.Warn("capturing lookup failed", slog.Any("err", err), slog.String("room_id", ev.RoomID))
		return
	}
	if existing != nil {
		return
	}
	active, err := a.Queue.HasActiveCaptureForBroadcast(ctx, ev.BroadcastID)
	if err != nil {
		logger.Warn("active job lookup failed", slog.Any("err", err), slog.String("broadcast_id", ev.BroadcastID))
		return
	}
	if active {
		return
	}
	id, err := a.Queue.Enqueue(ctx, jobs.TypeCaptureStart, Args{BroadcastID: ev.BroadcastID, RoomID: ev.RoomID}, 0)
	if err != nil {
		logger.Error("capture job enqueue failed", slog.Any("err", err), slog.String("broadcast_id", ev.BroadcastID))
		return
	}
	logger.Info("auto capture enqueued",
		slog.String("job_id", id),
		slog.String("broadcast_id", ev.BroadcastID),
		slog.String("room_id", ev.RoomID))
}
