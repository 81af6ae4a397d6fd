package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/capture-tender/telemetry"
)

// Handler executes one job and reports its Outcome. Long-running handlers
// (live captures) hold their worker for the life of the job; size Workers
// accordingly.
type Handler func(ctx context.Context, job Job) Outcome

// Runner polls the queue with N workers and dispatches claimed jobs to
// registered handlers.
type Runner struct {
	Queue         *Queue
	Workers       int
	PollInterval  time.Duration
	RetryCooldown time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRunner(q *Queue, workers int, pollInterval, retryCooldown time.Duration) *Runner {
	if workers <= 0 {
		workers = 1
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if retryCooldown <= 0 {
		retryCooldown = time.Minute
	}
	telemetry.Init()
	return &Runner{
		Queue:         q,
		Workers:       workers,
		PollInterval:  pollInterval,
		RetryCooldown: retryCooldown,
		handlers:      make(map[string]Handler),
	}
}

// Register binds a handler to a job type. Must be called before Run.
func (r *Runner) Register(jobType string, h Handler) {
	r.mu.Lock()
	r.handlers[jobType] = h
	r.mu.Unlock()
}

func (r *Runner) handler(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Run starts the worker pool and blocks until ctx is cancelled and all
// workers have drained.
func (r *Runner) Run(ctx context.Context) {
	slog.Info("job runner starting", slog.Int("workers", r.Workers), slog.Duration("poll_interval", r.PollInterval))
	var wg sync.WaitGroup
	for i := 0; i < r.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r.workerLoop(ctx, worker)
		}(i)
	}
	wg.Wait()
	slog.Info("job runner stopped")
}

func (r *Runner) workerLoop(ctx context.Context, worker int) {
	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()
	for {
		if worker == 0 {
			r.heartbeat(ctx)
		}
		// Drain all due jobs before sleeping so bursts don't wait a full tick.
		for {
			if ctx.Err() != nil {
				return
			}
			job, err := r.Queue.claimNext(ctx)
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("job claim failed", slog.Any("err", err), slog.Int("worker", worker))
				}
				break
			}
			if job == nil {
				break
			}
			r.execute(ctx, *job)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// heartbeat records the last poll time so /status can surface a stalled runner.
func (r *Runner) heartbeat(ctx context.Context) {
	_, _ = r.Queue.DB.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ('job_runner_last',$1,NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`,
		time.Now().UTC().Format(time.RFC3339))
}

func (r *Runner) execute(ctx context.Context, job Job) {
	logger := slog.Default().With(
		slog.String("component", "job_runner"),
		slog.String("job_id", job.ID),
		slog.String("job_type", job.Type))

	h, ok := r.handler(job.Type)
	if !ok {
		logger.Error("no handler registered for job type")
		r.apply(job, Fail(fmt.Errorf("no handler for type %q", job.Type)), logger)
		return
	}

	var outcome Outcome
	telemetry.TimeFunc(telemetry.JobDuration, func() {
		outcome = h(ctx, job)
	})

	// A handler interrupted by shutdown reports an error wrapping
	// context.Canceled; requeue rather than burning an attempt.
	if ctx.Err() != nil && outcome.Err() != nil {
		bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.Queue.requeueOrphaned(bg, job.ID); err != nil {
			logger.Warn("requeue on shutdown failed", slog.Any("err", err))
		}
		return
	}
	r.apply(job, outcome, logger)
}

// apply records the outcome using a background context so shutdown can't
// strand a finished job in executing state.
func (r *Runner) apply(job Job, outcome Outcome, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	switch {
	case outcome.IsSuccess():
		telemetry.JobsSucceeded.Inc()
		err = r.Queue.markSucceeded(ctx, job.ID)
		logger.Info("job succeeded")
	case outcome.IsCancel():
		telemetry.JobsCancelled.Inc()
		err = r.Queue.markCancelled(ctx, job.ID, outcome.Reason())
		logger.Info("job cancelled", slog.String("reason", outcome.Reason()))
	case outcome.IsSnooze():
		telemetry.JobsSnoozed.Inc()
		err = r.Queue.snooze(ctx, job.ID, outcome.Delay())
		logger.Debug("job snoozed", slog.Duration("delay", outcome.Delay()))
	default:
		telemetry.JobsFailed.Inc()
		err = r.Queue.fail(ctx, job.ID, outcome.Err(), r.RetryCooldown)
		logger.Warn("job errored", slog.Any("err", outcome.Err()), slog.Int("attempts", job.Attempts+1), slog.Int("max_attempts", job.MaxAttempts))
	}
	if err != nil {
		logger.Error("failed to record job outcome", slog.Any("err", err), slog.String("outcome", outcome.String()))
	}
}
