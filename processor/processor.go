package processor

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/capture-tender/event"
	"github.com/onnwee/capture-tender/jobs"
	"github.com/onnwee/capture-tender/pubsub"
	"github.com/onnwee/capture-tender/session"
	"github.com/onnwee/capture-tender/telemetry"
)

// Store is the slice of session persistence the processor needs.
type Store interface {
	InsertComments(ctx context.Context, comments []session.Comment) (int64, error)
	UpdateViewerCount(ctx context.Context, id, current, peak int64) error
	WriteSnapshot(ctx context.Context, id int64, snap session.Snapshot, c session.Counters) error
	MarkEnded(ctx context.Context, id int64) (session.TransitionResult, error)
	MarkFailed(ctx context.Context, id int64) (session.TransitionResult, error)
	LinkOverlappingBusinessSession(ctx context.Context, id int64) (bool, error)
}

// Enqueuer is the slice of the job substrate the processor needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, args any, delay time.Duration) (string, error)
}

// Options are the processor's tunables; zero values take the documented defaults.
type Options struct {
	FlushSize             int
	FlushInterval         time.Duration
	DedupCapacity         int
	ViewerPersistInterval time.Duration
	SnapshotInterval      time.Duration
	ReportDelay           time.Duration
}

func (o *Options) applyDefaults() {
	if o.FlushSize <= 0 {
		o.FlushSize = 50
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = time.Second
	}
	if o.DedupCapacity <= 0 {
		o.DedupCapacity = 5000
	}
	if o.ViewerPersistInterval <= 0 {
		o.ViewerPersistInterval = 5 * time.Second
	}
	if o.SnapshotInterval <= 0 {
		o.SnapshotInterval = 30 * time.Second
	}
	if o.ReportDelay <= 0 {
		o.ReportDelay = 2 * time.Minute
	}
}

// ReportArgs is the payload of the delayed report job.
type ReportArgs struct {
	SessionID int64 `json:"session_id"`
}

// Processor is the single worker for one capturing session. All state is
// confined to its Run goroutine; writes happen on timer ticks or on stop,
// never on the ingestion path.
type Processor struct {
	sessionID   int64
	broadcastID string
	store       Store
	bus         pubsub.Bus
	queue       Enqueuer
	opts        Options
	logger      *slog.Logger

	dedup             *dedupSet
	batch             []session.Comment
	counters          session.Counters
	lastViewerPersist time.Time
}

func New(sessionID int64, broadcastID string, store Store, bus pubsub.Bus, queue Enqueuer, opts Options) *Processor {
	opts.applyDefaults()
	telemetry.Init()
	return &Processor{
		sessionID:   sessionID,
		broadcastID: broadcastID,
		store:       store,
		bus:         bus,
		queue:       queue,
		opts:        opts,
		logger: slog.Default().With(
			slog.String("component", "processor"),
			slog.Int64("session_id", sessionID),
			slog.String("broadcast_id", broadcastID)),
		dedup: newDedupSet(opts.DedupCapacity),
		batch: make([]session.Comment, 0, opts.FlushSize),
	}
}

// Run consumes events until a terminal event arrives or ctx is cancelled.
// Either way it performs exactly one final flush and one final snapshot
// before returning; no writes occur after that.
func (p *Processor) Run(ctx context.Context, events <-chan event.Event) error {
	flushTicker := time.NewTicker(p.opts.FlushInterval)
	snapshotTicker := time.NewTicker(p.opts.SnapshotInterval)
	defer flushTicker.Stop()
	defer snapshotTicker.Stop()

	p.logger.Info("session processor started")
	defer p.finalize()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("session processor stopping", slog.Any("reason", ctx.Err()))
			return ctx.Err()
		case <-flushTicker.C:
			p.flush(ctx)
		case <-snapshotTicker.C:
			p.snapshot(ctx)
		case ev, ok := <-events:
			if !ok {
				p.logger.Warn("event stream closed under processor")
				return nil
			}
			if done := p.handle(ctx, ev); done {
				return nil
			}
		}
	}
}

// handle processes one event; it reports true on a terminal event.
func (p *Processor) handle(ctx context.Context, ev event.Event) bool {
	switch ev.Kind {
	case event.KindComment:
		p.handleComment(ctx, ev)
	case event.KindViewerCount:
		p.handleViewerCount(ctx, ev)
	case event.KindLike:
		if ev.LikeTotal > 0 {
			if ev.LikeTotal > p.counters.Likes {
				p.counters.Likes = ev.LikeTotal
			}
		} else if ev.LikeCount > 0 {
			p.counters.Likes += ev.LikeCount
		} else {
			p.counters.Likes++
		}
	case event.KindGift:
		if ev.GiftTotalValue > 0 {
			if ev.GiftTotalValue > p.counters.GiftsValue {
				p.counters.GiftsValue = ev.GiftTotalValue
			}
		} else {
			count := ev.GiftCount
			if count <= 0 {
				count = 1
			}
			p.counters.GiftsValue += ev.GiftValue * count
		}
		p.bus.Publish(ctx, event.LiveTopic(p.sessionID), ev)
	case event.KindFollow:
		p.counters.Follows++
	case event.KindShare:
		p.counters.Shares++
	case event.KindJoin, event.KindProductShowcase, event.KindThumbnail:
		p.bus.Publish(ctx, event.LiveTopic(p.sessionID), ev)
	case event.KindStreamEnded, event.KindDisconnected:
		p.terminate(ctx, ev, false)
		return true
	case event.KindConnectionFailed:
		p.terminate(ctx, ev, true)
		return true
	}
	return false
}

func (p *Processor) handleComment(ctx context.Context, ev event.Event) {
	if !p.dedup.Add(ev.MessageID) {
		telemetry.CommentsDeduped.Inc()
		return
	}
	telemetry.CommentsAccepted.Inc()
	p.counters.Comments++
	p.batch = append(p.batch, session.Comment{
		SessionID:   p.sessionID,
		UserID:      ev.UserID,
		Username:    ev.Username,
		Message:     ev.Message,
		CommentedAt: ev.Timestamp,
		Raw:         ev.Payload,
	})
	// UI sees the comment immediately, unbatched.
	p.bus.Publish(ctx, event.LiveTopic(p.sessionID), ev)
	if len(p.batch) >= p.opts.FlushSize {
		p.flush(ctx)
	}
}

func (p *Processor) handleViewerCount(ctx context.Context, ev event.Event) {
	p.counters.ViewerCurrent = ev.ViewerCount
	if ev.ViewerCount > p.counters.ViewerPeak {
		p.counters.ViewerPeak = ev.ViewerCount
	}
	// Rebroadcast every event; persistence is throttled independently.
	p.bus.Publish(ctx, event.LiveTopic(p.sessionID), ev)
	if time.Since(p.lastViewerPersist) < p.opts.ViewerPersistInterval {
		return
	}
	if err := p.store.UpdateViewerCount(ctx, p.sessionID, p.counters.ViewerCurrent, p.counters.ViewerPeak); err != nil {
		p.logger.Warn("viewer count persist failed", slog.Any("err", err))
		return
	}
	telemetry.ViewerPersists.Inc()
	p.lastViewerPersist = time.Now()
}

// flush writes the pending comment batch. Failed batches are dropped, not
// requeued: at-most-once per batch, with the loss window bounded by the
// short flush interval. Conflict-ignoring inserts make partial retries safe.
func (p *Processor) flush(ctx context.Context) {
	if len(p.batch) == 0 {
		return
	}
	batch := p.batch
	p.batch = make([]session.Comment, 0, p.opts.FlushSize)
	stored, err := p.store.InsertComments(ctx, batch)
	if err != nil {
		p.logger.Warn("comment flush failed; batch dropped", slog.Any("err", err), slog.Int("batch_size", len(batch)))
		return
	}
	telemetry.CommentsFlushed.Add(float64(stored))
	telemetry.FlushBatchSize.Observe(float64(len(batch)))
	p.logger.Debug("comments flushed", slog.Int("batch_size", len(batch)), slog.Int64("stored", stored))
}

func (p *Processor) snapshot(ctx context.Context) {
	snap := session.Snapshot{
		SessionID:    p.sessionID,
		RecordedAt:   time.Now().UTC(),
		ViewerCount:  p.counters.ViewerCurrent,
		LikeCount:    p.counters.Likes,
		CommentCount: p.counters.Comments,
		GiftValue:    p.counters.GiftsValue,
		FollowCount:  p.counters.Follows,
		ShareCount:   p.counters.Shares,
	}
	if err := p.store.WriteSnapshot(ctx, p.sessionID, snap, p.counters); err != nil {
		p.logger.Warn("stats snapshot failed", slog.Any("err", err))
		return
	}
	telemetry.SnapshotsWritten.Inc()
}

// terminate attempts the idempotent terminal transition exactly once for
// this event. Side effects (business-session link, report job) fire only
// when this call applied the transition; a losing race does nothing. That is
// the sole idempotence boundary preventing duplicate report jobs.
func (p *Processor) terminate(ctx context.Context, ev event.Event, failed bool) {
	p.bus.Publish(ctx, event.LiveTopic(p.sessionID), ev)

	if failed {
		res, err := p.store.MarkFailed(ctx, p.sessionID)
		if err != nil {
			p.logger.Error("mark failed errored", slog.Any("err", err))
			return
		}
		p.logger.Info("session failed", slog.String("transition", res.String()), slog.String("kind", string(ev.Kind)))
		return
	}

	res, err := p.store.MarkEnded(ctx, p.sessionID)
	if err != nil {
		p.logger.Error("mark ended errored", slog.Any("err", err))
		return
	}
	if res != session.TransitionApplied {
		p.logger.Info("session already ended; skipping side effects", slog.String("kind", string(ev.Kind)))
		return
	}
	p.logger.Info("session ended", slog.String("kind", string(ev.Kind)))

	if linked, err := p.store.LinkOverlappingBusinessSession(ctx, p.sessionID); err != nil {
		p.logger.Warn("business session link failed", slog.Any("err", err))
	} else if linked {
		p.logger.Info("linked overlapping business session")
	}

	if _, err := p.queue.Enqueue(ctx, jobs.TypeReport, ReportArgs{SessionID: p.sessionID}, p.opts.ReportDelay); err != nil {
		p.logger.Error("report job enqueue failed", slog.Any("err", err))
	} else {
		p.logger.Info("report job enqueued", slog.Duration("delay", p.opts.ReportDelay))
	}
}

// finalize performs the guaranteed final flush and snapshot. Uses a fresh
// context so shutdown cancellation can't skip the last writes.
func (p *Processor) finalize() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p.flush(ctx)
	p.snapshot(ctx)
	p.logger.Info("session processor finished",
		slog.Int64("comments", p.counters.Comments),
		slog.Int64("peak_viewers", p.counters.ViewerPeak))
}
