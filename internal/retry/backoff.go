// Package retry provides the single reusable backoff helper shared by
// ticket acquisition, WebSocket handshake retries, and Live-View Client
// restarts, so the doubling schedule only lives in one place.
package retry

import (
	"context"
	"time"
)

// Backoff produces an exponentially doubling delay sequence bounded by Max,
// resetting back to Initial after Reset is called.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Factor     float64
	MaxRetries int

	cur     time.Duration
	attempt int
}

// NewBackoff builds the daemon-wide default schedule: initial=2s, max=30s,
// factor=2, max_retries=3.
func NewBackoff() *Backoff {
	return &Backoff{
		Initial:    2 * time.Second,
		Max:        30 * time.Second,
		Factor:     2,
		MaxRetries: 3,
	}
}

// Reset restores the schedule to its initial delay and zero attempt count.
func (b *Backoff) Reset() {
	b.cur = 0
	b.attempt = 0
}

// Attempt returns the 1-based count of delays handed out since the last Reset.
func (b *Backoff) Attempt() int { return b.attempt }

// Exhausted reports whether MaxRetries delays have already been handed out.
func (b *Backoff) Exhausted() bool { return b.attempt >= b.MaxRetries }

// Next returns the next delay in the sequence and advances it.
func (b *Backoff) Next() time.Duration {
	if b.cur == 0 {
		b.cur = b.Initial
	} else {
		next := time.Duration(float64(b.cur) * b.Factor)
		if next > b.Max {
			next = b.Max
		}
		b.cur = next
	}
	b.attempt++
	return b.cur
}

// Sleep waits out Next(), decomposed into <=1s slices so ctx cancellation or
// a stop signal is observed promptly, per the cooperative cancellation model.
func (b *Backoff) Sleep(ctx context.Context, stop <-chan struct{}) error {
	return SleepSliced(ctx, stop, b.Next())
}

// SleepSliced waits out d in slices of at most one second, returning early
// (with ctx.Err() or nil) if ctx is cancelled or stop fires.
func SleepSliced(ctx context.Context, stop <-chan struct{}, d time.Duration) error {
	const slice = 1 * time.Second
	timer := time.NewTimer(0)
	<-timer.C
	remaining := d
	for remaining > 0 {
		step := slice
		if remaining < step {
			step = remaining
		}
		timer.Reset(step)
		select {
		case <-timer.C:
			remaining -= step
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-stop:
			timer.Stop()
			return nil
		}
	}
	return nil
}
