package transmitter

import (
	"context"
	"math"
	"time"
)

// Backoff computes retry delays. delay(k) = min(Max, Base * Multiplier^k),
// then jittered by ±Jitter of itself and clamped to [Base, Max].
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     float64
}

// DefaultBackoff returns 100ms base, x2, 30s cap and ±10% jitter
func DefaultBackoff() Backoff {
	return Backoff{
		Base:       100 * time.Millisecond,
		Multiplier: 2.0,
		Max:        30 * time.Second,
		Jitter:     0.1,
	}
}

func (b Backoff) normalized() Backoff {
	def := DefaultBackoff()
	if b.Base <= 0 {
		b.Base = def.Base
	}
	if b.Multiplier < 1 {
		b.Multiplier = def.Multiplier
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	return b
}

// Delay returns the un-jittered delay for retry k
func (b Backoff) Delay(k int) time.Duration {
	b = b.normalized()
	if k < 0 {
		k = 0
	}
	d := float64(b.Base) * math.Pow(b.Multiplier, float64(k))
	if d > float64(b.Max) || math.IsInf(d, 1) {
		return b.Max
	}
	return time.Duration(d)
}

// Jittered applies symmetric jitter to Delay(k). r is uniform in [0, 1).
func (b Backoff) Jittered(k int, r float64) time.Duration {
	b = b.normalized()
	d := b.Delay(k)
	offset := (2*r - 1) * b.Jitter * float64(d)
	j := time.Duration(float64(d) + offset)
	if j < b.Base {
		return b.Base
	}
	if j > b.Max {
		return b.Max
	}
	return j
}

// Sleeper waits for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
