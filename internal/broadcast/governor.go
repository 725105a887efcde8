package broadcast

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Governor paces sends. Both limiters have burst 1 so concurrent callers
// are spaced in aggregate, and the stricter of the two ceilings wins.
type Governor struct {
	mu            sync.Mutex
	perSec        *rate.Limiter
	perMin        *rate.Limiter
	batchInterval time.Duration
}

func NewGovernor(cfg Config) *Governor {
	g := &Governor{
		perSec: rate.NewLimiter(rate.Inf, 1),
		perMin: rate.NewLimiter(rate.Inf, 1),
	}
	g.Apply(cfg)
	return g
}

// Apply changes limits in place; pending reservations keep their slot.
func (g *Governor) Apply(cfg Config) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.perSec.SetLimit(perSecond(cfg.RatePerSec))
	if cfg.RatePerMinute > 0 {
		g.perMin.SetLimit(rate.Limit(float64(cfg.RatePerMinute) / 60))
	} else {
		g.perMin.SetLimit(rate.Inf)
	}
	g.batchInterval = max(0, cfg.BatchInterval)
}

func perSecond(n int) rate.Limit {
	if n <= 0 {
		return rate.Inf
	}
	return rate.Limit(n)
}

// ThrottleMessage blocks until the caller may send one message.
func (g *Governor) ThrottleMessage(ctx context.Context) error {
	return sleep(ctx, g.reserve(time.Now()))
}

// ThrottleBatch waits until the batch interval has passed since batchStart.
// Time spent pacing and sending the batch counts toward the interval.
func (g *Governor) ThrottleBatch(ctx context.Context, batchStart time.Time) error {
	g.mu.Lock()
	d := g.batchInterval
	g.mu.Unlock()
	return sleep(ctx, d-time.Since(batchStart))
}

// reserve claims the next slot on both limiters and returns how long to wait for it.
func (g *Governor) reserve(now time.Time) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	d := g.perSec.ReserveN(now, 1).DelayFrom(now)
	if d2 := g.perMin.ReserveN(now, 1).DelayFrom(now); d2 > d {
		d = d2
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
