package timex

import (
	"context"
	"time"
)

// ResetTimer safely stops, drains, and resets a timer.
func ResetTimer(t *time.Timer, d time.Duration) {
	StopTimer(t)
	if d < 0 {
		d = 0
	}
	t.Reset(d)
}

// StopTimer stops t and discards a pending fire.
func StopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// NewStoppedTimer returns a timer that will not fire until reset.
func NewStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	StopTimer(t)
	return t
}

// Sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Backoff returns a doubling delay sequence from min, capped at max.
func Backoff(min, max time.Duration) func() time.Duration {
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min
	}
	cur := min
	return func() time.Duration {
		d := cur
		cur *= 2
		if cur > max {
			cur = max
		}
		return d
	}
}
