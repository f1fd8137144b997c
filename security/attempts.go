package security

import (
	"context"
	"time"
)

// AttemptTracker counts failed attempts per subject (a scanning device, an IP)
// and blocks the subject once max failures land inside the window.
type AttemptTracker struct {
	counter Counter
	scope   string
	max     int64
	window  time.Duration
}

func NewAttemptTracker(counter Counter, scope string, max int, window time.Duration) *AttemptTracker {
	return &AttemptTracker{counter: counter, scope: scope, max: int64(max), window: window}
}

func (a *AttemptTracker) key(subject string) string {
	return "failed:" + a.scope + ":" + subject
}

func (a *AttemptTracker) RecordFailure(ctx context.Context, subject string) (int64, error) {
	if subject == "" {
		return 0, nil
	}
	return a.counter.Incr(ctx, a.key(subject), a.window)
}

func (a *AttemptTracker) Blocked(ctx context.Context, subject string) (bool, error) {
	if subject == "" {
		return false, nil
	}
	n, err := a.counter.Get(ctx, a.key(subject))
	if err != nil {
		return false, err
	}
	return n >= a.max, nil
}

func (a *AttemptTracker) Reset(ctx context.Context, subject string) error {
	if subject == "" {
		return nil
	}
	return a.counter.Reset(ctx, a.key(subject))
}
