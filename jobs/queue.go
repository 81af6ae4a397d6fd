package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job statuses.
const (
	StatusQueued    = "queued"
	StatusExecuting = "executing"
	StatusSucceeded = "succeeded"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// Well-known job types.
const (
	TypeCaptureStart = "capture_start"
	TypeReport       = "report"
)

// Job is one row of the jobs table.
type Job struct {
	ID          string
	Type        string
	Args        json.RawMessage
	Status      string
	RunAt       time.Time
	Attempts    int
	MaxAttempts int
	LastError   string
}

// Queue provides enqueue and bookkeeping operations over the jobs table.
type Queue struct {
	DB          *sql.DB
	MaxAttempts int
}

func NewQueue(db *sql.DB, maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Queue{DB: db, MaxAttempts: maxAttempts}
}

// Enqueue inserts a queued job due after delay and returns its id.
func (q *Queue) Enqueue(ctx context.Context, jobType string, args any, delay time.Duration) (string, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("marshal job args: %w", err)
	}
	id := uuid.NewString()
	_, err = q.DB.ExecContext(ctx,
		`INSERT INTO jobs (id, type, args, status, run_at, max_attempts, created_at)
		 VALUES ($1,$2,$3,'queued',NOW() + $4::interval,$5,NOW())`,
		id, jobType, payload, fmt.Sprintf("%d milliseconds", delay.Milliseconds()), q.MaxAttempts)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	return id, nil
}

// CancelStale bulk-cancels queued or executing jobs of the given types in a
// single conditional update. Used by the boot reconciler against jobs whose
// in-process supervision died with the previous deploy.
func (q *Queue) CancelStale(ctx context.Context, jobTypes ...string) (int64, error) {
	if len(jobTypes) == 0 {
		return 0, nil
	}
	res, err := q.DB.ExecContext(ctx,
		`UPDATE jobs SET status='cancelled', cancel_reason='stale at boot', finished_at=NOW(), updated_at=NOW()
		 WHERE type = ANY($1) AND status IN ('queued','executing')`, jobTypes)
	if err != nil {
		return 0, fmt.Errorf("cancel stale jobs: %w", err)
	}
	return res.RowsAffected()
}

// HasActiveCaptureForSession reports whether a capture_start job for the
// session is still queued or executing.
func (q *Queue) HasActiveCaptureForSession(ctx context.Context, sessionID int64) (bool, error) {
	var exists bool
	err := q.DB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM jobs WHERE type=$1 AND status IN ('queued','executing')
		 AND (args->>'session_id')::bigint = $2)`, TypeCaptureStart, sessionID).Scan(&exists)
	return exists, err
}

// HasActiveCaptureForBroadcast reports whether any capture_start job for the
// broadcast is queued or executing.
func (q *Queue) HasActiveCaptureForBroadcast(ctx context.Context, broadcastID string) (bool, error) {
	var exists bool
	err := q.DB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM jobs WHERE type=$1 AND status IN ('queued','executing')
		 AND args->>'broadcast_id' = $2)`, TypeCaptureStart, broadcastID).Scan(&exists)
	return exists, err
}

// Depth returns the number of due-or-future queued jobs (for /status and the
// queue gauge).
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM jobs WHERE status='queued'`).Scan(&n)
	return n, err
}

// claimNext atomically claims one due queued job using SKIP LOCKED so
// concurrent workers never double-claim.
func (q *Queue) claimNext(ctx context.Context) (*Job, error) {
	row := q.DB.QueryRowContext(ctx,
		`UPDATE jobs SET status='executing', started_at=NOW(), updated_at=NOW()
		 WHERE id = (
			SELECT id FROM jobs WHERE status='queued' AND run_at <= NOW()
			ORDER BY run_at LIMIT 1 FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, type, args, status, run_at, attempts, max_attempts, COALESCE(last_error,'')`)
	var j Job
	if err := row.Scan(&j.ID, &j.Type, &j.Args, &j.Status, &j.RunAt, &j.Attempts, &j.MaxAttempts, &j.LastError); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &j, nil
}

func (q *Queue) markSucceeded(ctx context.Context, id string) error {
	_, err := q.DB.ExecContext(ctx,
		`UPDATE jobs SET status='succeeded', finished_at=NOW(), updated_at=NOW() WHERE id=$1 AND status='executing'`, id)
	return err
}

func (q *Queue) markCancelled(ctx context.Context, id, reason string) error {
	_, err := q.DB.ExecContext(ctx,
		`UPDATE jobs SET status='cancelled', cancel_reason=$2, finished_at=NOW(), updated_at=NOW() WHERE id=$1 AND status='executing'`, id, reason)
	return err
}

// snooze requeues without consuming an attempt.
func (q *Queue) snooze(ctx context.Context, id string, delay time.Duration) error {
	_, err := q.DB.ExecContext(ctx,
		`UPDATE jobs SET status='queued', run_at=NOW() + $2::interval, updated_at=NOW() WHERE id=$1 AND status='executing'`,
		id, fmt.Sprintf("%d milliseconds", delay.Milliseconds()))
	return err
}

// fail records the error and either requeues with the retry cooldown or, when
// attempts are exhausted, marks the job failed.
func (q *Queue) fail(ctx context.Context, id string, jobErr error, cooldown time.Duration) error {
	_, err := q.DB.ExecContext(ctx,
		`UPDATE jobs SET attempts=attempts+1, last_error=$2, updated_at=NOW(),
			status = CASE WHEN attempts+1 >= max_attempts THEN 'failed' ELSE 'queued' END,
			finished_at = CASE WHEN attempts+1 >= max_attempts THEN NOW() ELSE finished_at END,
			run_at = CASE WHEN attempts+1 >= max_attempts THEN run_at ELSE NOW() + $3::interval END
		 WHERE id=$1 AND status='executing'`,
		id, jobErr.Error(), fmt.Sprintf("%d milliseconds", cooldown.Milliseconds()))
	return err
}

// requeueOrphaned returns an executing job to the queue; used when the
// process is shutting down mid-execution and the handler reported nothing.
func (q *Queue) requeueOrphaned(ctx context.Context, id string) error {
	_, err := q.DB.ExecContext(ctx,
		`UPDATE jobs SET status='queued', run_at=NOW(), updated_at=NOW() WHERE id=$1 AND status='executing'`, id)
	return err
}
