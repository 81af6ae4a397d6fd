// Package jobs is the Postgres-backed delayed-job substrate. Handlers return
// a tagged Outcome instead of a bare error so "stop and never retry" (cancel)
// and "re-evaluate later" (snooze) are first-class, non-error results
// distinct from genuine failures handled by the retry policy.
package jobs

import (
	"fmt"
	"time"
)

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeCancel
	outcomeSnooze
	outcomeError
)

// Outcome is the tagged result of one handler execution.
type Outcome struct {
	kind   outcomeKind
	reason string
	delay  time.Duration
	err    error
}

// Success marks the job done.
func Success() Outcome { return Outcome{kind: outcomeSuccess} }

// Cancel marks the job cancelled with a reason; it will never run again.
func Cancel(reason string) Outcome { return Outcome{kind: outcomeCancel, reason: reason} }

// Snooze requeues the job to run again after delay without consuming an
// attempt. It is the non-error retry primitive.
func Snooze(delay time.Duration) Outcome { return Outcome{kind: outcomeSnooze, delay: delay} }

// Fail reports a genuine error; the runner's retry policy applies.
func Fail(err error) Outcome { return Outcome{kind: outcomeError, err: err} }

// IsSuccess reports whether the outcome is success.
func (o Outcome) IsSuccess() bool { return o.kind == outcomeSuccess }

// IsCancel reports whether the outcome is a cancel; reason is set then.
func (o Outcome) IsCancel() bool { return o.kind == outcomeCancel }

// IsSnooze reports whether the outcome requests delayed re-evaluation.
func (o Outcome) IsSnooze() bool { return o.kind == outcomeSnooze }

// Err returns the wrapped error for failed outcomes, nil otherwise.
func (o Outcome) Err() error {
	if o.kind == outcomeError {
		return o.err
	}
	return nil
}

// Reason returns the cancel reason, empty otherwise.
func (o Outcome) Reason() string { return o.reason }

// Delay returns the snooze delay, zero otherwise.
func (o Outcome) Delay() time.Duration { return o.delay }

// String is for logs.
func (o Outcome) String() string {
	switch o.kind {
	case outcomeSuccess:
		return "success"
	case outcomeCancel:
		return fmt.Sprintf("cancel(%s)", o.reason)
	case outcomeSnooze:
		return fmt.Sprintf("snooze(%s)", o.delay)
	default:
		return fmt.Sprintf("error(%v)", o.err)
	}
}
