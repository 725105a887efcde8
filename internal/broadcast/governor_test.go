package broadcast

import (
	"context"
	"testing"
	"time"
)

// simulate drives reserve with a virtual clock and returns when the last
// of n messages may go out.
func simulate(g *Governor, n int) time.Duration {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	for i := 0; i < n; i++ {
		now = now.Add(g.reserve(now))
	}
	return now.Sub(start)
}

func TestGovernorPacing(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		n    int
		want time.Duration
	}{
		{"per second", Config{RatePerSec: 25}, 10000, 9999 * 40 * time.Millisecond},
		{"per minute is stricter", Config{RatePerSec: 25, RatePerMinute: 600}, 100, 99 * 100 * time.Millisecond},
		{"per second is stricter", Config{RatePerSec: 10, RatePerMinute: 1500}, 100, 99 * 100 * time.Millisecond},
		{"both equal", Config{RatePerSec: 25, RatePerMinute: 1500}, 1000, 999 * 40 * time.Millisecond},
		{"unlimited", Config{}, 1000, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := simulate(NewGovernor(tc.cfg), tc.n)
			if diff := got - tc.want; diff < -time.Millisecond || diff > time.Millisecond {
				t.Fatalf("elapsed = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestGovernorApplyChangesRate(t *testing.T) {
	g := NewGovernor(Config{RatePerSec: 10})
	g.Apply(Config{RatePerSec: 100})
	got := simulate(g, 101)
	// the first reservation may still be spaced by the old limit
	if got > 1100*time.Millisecond {
		t.Fatalf("elapsed = %v after raising the limit", got)
	}
}

func TestThrottleBatchHonoursContext(t *testing.T) {
	g := NewGovernor(Config{BatchInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.ThrottleBatch(ctx, time.Now()); err == nil {
		t.Fatal("expected context error")
	}

	g.Apply(Config{BatchInterval: 0})
	if err := g.ThrottleBatch(context.Background(), time.Now()); err != nil {
		t.Fatalf("zero interval: %v", err)
	}
}

func TestThrottleBatchCountsBatchDuration(t *testing.T) {
	g := NewGovernor(Config{BatchInterval: time.Hour})

	// the batch itself already took longer than the interval
	start := time.Now()
	if err := g.ThrottleBatch(context.Background(), start.Add(-2*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("elapsed batch time should satisfy the interval")
	}

	g.Apply(Config{BatchInterval: 300 * time.Millisecond})
	start = time.Now()
	if err := g.ThrottleBatch(context.Background(), start.Add(-200*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if got := time.Since(start); got < 80*time.Millisecond || got > 250*time.Millisecond {
		t.Fatalf("waited %v, want about 100ms", got)
	}
}

func TestThrottleMessageUnlimitedDoesNotBlock(t *testing.T) {
	g := NewGovernor(Config{})
	start := time.Now()
	for i := 0; i < 1000; i++ {
		if err := g.ThrottleMessage(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if time.Since(start) > time.Second {
		t.Fatal("unlimited governor should not pace")
	}
}
