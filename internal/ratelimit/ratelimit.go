// Package ratelimit provides a token bucket used to cap the bandwidth of a
// single data transfer.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// maxWait caps one sleep so cancellation is noticed promptly even for very
// low rates.
const maxWait = time.Second

// Limiter is a token bucket measured in bytes. Its burst capacity is one
// second worth of data. A nil *Limiter never blocks.
type Limiter struct {
	rate       float64 // bytes per second
	burst      float64
	tokens     float64
	lastUpdate time.Time
	mu         sync.Mutex

	now func() time.Time
}

// New returns a limiter for bytesPerSecond, or nil when the rate is not
// positive.
func New(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}

	rate := float64(bytesPerSecond)
	return &Limiter{
		rate:       rate,
		burst:      rate,
		tokens:     rate,
		lastUpdate: time.Now(),
		now:        time.Now,
	}
}

// Rate returns the configured bytes per second.
func (rl *Limiter) Rate() int64 {
	if rl == nil {
		return 0
	}
	return int64(rl.rate)
}

// refill adds the tokens accrued since the last update. rl.mu must be held.
func (rl *Limiter) refill() {
	now := rl.now()
	rl.tokens += now.Sub(rl.lastUpdate).Seconds() * rl.rate
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}
	rl.lastUpdate = now
}

// reserve consumes up to n tokens and returns how long the caller must wait
// before the remainder becomes available.
func (rl *Limiter) reserve(n float64) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()
	if rl.tokens >= n {
		rl.tokens -= n
		return 0
	}

	short := n - rl.tokens
	rl.tokens = 0
	return time.Duration(short / rl.rate * float64(time.Second))
}

// WaitN blocks until n bytes may be sent or ctx is done.
func (rl *Limiter) WaitN(ctx context.Context, n int) error {
	if rl == nil || n <= 0 {
		return ctx.Err()
	}

	wait := rl.reserve(float64(n))
	for wait > 0 {
		step := min(wait, maxWait)
		t := time.NewTimer(step)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		wait -= step
	}
	return ctx.Err()
}
