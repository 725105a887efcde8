package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pewcast/internal/storage"
	"pewcast/internal/transport"
	logx "pewcast/pkg/logx"
)

func newRunningJob(t *testing.T, st storage.Store, n int) (*Job, []storage.Target) {
	t.Helper()
	targets := make([]storage.Target, n)
	for i := range targets {
		targets[i] = storage.Target{ID: recipientID(i)}
	}
	job := &Job{ID: "job", Status: StatusIdle, Content: Content{Text: "hi"}, Total: n, CreatedAt: time.Now()}
	require.NoError(t, job.start(time.Now()))
	rec, err := job.record()
	require.NoError(t, err)
	require.NoError(t, st.SaveJob(context.Background(), rec))
	return job, targets
}

func TestDispatcherInvariantsHoldAfterEveryBatch(t *testing.T) {
	st := storage.NewMemory()
	seed(t, st, 110, nil)
	job, targets := newRunningJob(t, st, 110)

	ch := newFakeChannel()
	ch.fail = func(to string, _ int) error {
		switch to {
		case "r3", "r77":
			return transport.Unreachable(errors.New("blocked"))
		case "r10", "r50", "r109":
			return errors.New("timeout")
		}
		return nil
	}
	cfg := fastConfig()
	cfg.BatchSize = 20
	d := NewDispatcher(cfg, st, ch, NewGovernor(cfg), logx.Nop())

	var snaps []Job
	err := d.Run(context.Background(), job, targets, func() bool { return false }, func(j Job) { snaps = append(snaps, j) })
	require.NoError(t, err)

	require.Len(t, snaps, 7) // 6 batches + completion
	prev := Job{}
	for i, s := range snaps {
		assert.LessOrEqual(t, s.Sent+s.Failed, s.Total, "snapshot %d", i)
		assert.LessOrEqual(t, s.Cursor, s.Total)
		assert.GreaterOrEqual(t, s.Sent, prev.Sent)
		assert.GreaterOrEqual(t, s.Failed, prev.Failed)
		assert.GreaterOrEqual(t, s.Deactivated, prev.Deactivated)
		assert.Equal(t, s.Cursor, s.Sent+s.Failed)
		if s.Sent+s.Failed == s.Total {
			assert.Contains(t, []Status{StatusRunning, StatusCompleted}, s.Status)
		} else {
			assert.Equal(t, StatusRunning, s.Status)
		}
		prev = s
	}
	last := snaps[len(snaps)-1]
	assert.Equal(t, StatusCompleted, last.Status)
	assert.Equal(t, 105, last.Sent)
	assert.Equal(t, 5, last.Failed)
	assert.Equal(t, 2, last.Deactivated)
	assert.Equal(t, []int{20, 40, 60, 80, 100, 110}, cursors(snaps[:6]))
}

func TestDispatcherConcurrencyBoundedByBatchSize(t *testing.T) {
	st := storage.NewMemory()
	seed(t, st, 120, nil)
	job, targets := newRunningJob(t, st, 120)

	ch := newFakeChannel()
	ch.delay = 3 * time.Millisecond
	cfg := fastConfig()
	cfg.BatchSize = 8
	d := NewDispatcher(cfg, st, ch, NewGovernor(cfg), logx.Nop())

	require.NoError(t, d.Run(context.Background(), job, targets, func() bool { return false }, func(Job) {}))
	assert.LessOrEqual(t, ch.maxInflight.Load(), int32(8))
	assert.Equal(t, 120, job.Sent)
}

func TestDispatcherRespectsRatePerSecond(t *testing.T) {
	if testing.Short() {
		t.Skip("real-time pacing test")
	}
	const rps = 20
	st := storage.NewMemory()
	seed(t, st, 3*rps, nil)
	job, targets := newRunningJob(t, st, 3*rps)

	ch := newFakeChannel()
	cfg := fastConfig()
	cfg.RatePerSec = rps
	cfg.BatchSize = 5
	d := NewDispatcher(cfg, st, ch, NewGovernor(cfg), logx.Nop())

	start := time.Now()
	require.NoError(t, d.Run(context.Background(), job, targets, func() bool { return false }, func(Job) {}))
	elapsed := time.Since(start)

	// 60 sends spaced 50ms apart with the first one immediate
	assert.GreaterOrEqual(t, elapsed, 2900*time.Millisecond)

	times := ch.sendTimes()
	require.Len(t, times, 3*rps)
	worst := 0
	for i := range times {
		n := 0
		for j := i; j < len(times) && times[j].Sub(times[i]) < time.Second; j++ {
			n++
		}
		worst = max(worst, n)
	}
	// one extra slot for goroutine wake-up skew in the observed timestamps
	assert.LessOrEqual(t, worst, rps+1)
}

func TestDispatcherBatchIntervalKeepsConfiguredRate(t *testing.T) {
	if testing.Short() {
		t.Skip("real-time pacing test")
	}
	const n = 125
	st := storage.NewMemory()
	seed(t, st, n, nil)
	job, targets := newRunningJob(t, st, n)

	ch := newFakeChannel()
	cfg := fastConfig()
	cfg.RatePerSec = 25
	cfg.RatePerMinute = 1500
	cfg.BatchSize = 25
	cfg.BatchInterval = time.Second
	d := NewDispatcher(cfg, st, ch, NewGovernor(cfg), logx.Nop())

	start := time.Now()
	require.NoError(t, d.Run(context.Background(), job, targets, func() bool { return false }, func(Job) {}))
	elapsed := time.Since(start)

	require.Len(t, ch.sendTimes(), n)
	// five one-second batches; the interval overlaps the time spent sending
	assert.GreaterOrEqual(t, elapsed, 4800*time.Millisecond)
	assert.Less(t, elapsed, 6200*time.Millisecond)
	assert.GreaterOrEqual(t, float64(n)/elapsed.Seconds(), 20.0)
}

func TestDispatcherChecksCancelBeforeEachBatch(t *testing.T) {
	st := storage.NewMemory()
	seed(t, st, 100, nil)
	job, targets := newRunningJob(t, st, 100)

	ch := newFakeChannel()
	cfg := fastConfig()
	d := NewDispatcher(cfg, st, ch, NewGovernor(cfg), logx.Nop())

	var mu sync.Mutex
	batches := 0
	cancelled := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return batches >= 2
	}
	publish := func(j Job) {
		mu.Lock()
		if j.Status == StatusRunning {
			batches++
		}
		mu.Unlock()
	}

	require.NoError(t, d.Run(context.Background(), job, targets, cancelled, publish))
	assert.Equal(t, StatusCancelled, job.Status)
	assert.Equal(t, 50, job.Cursor)
	assert.Len(t, ch.recipients(), 50)

	rec, err := st.LoadJob(context.Background(), "job")
	require.NoError(t, err)
	assert.Equal(t, string(StatusCancelled), rec.Status)
	assert.Equal(t, 50, rec.Cursor)
}

func TestDispatcherFailsOnSnapshotMismatch(t *testing.T) {
	st := storage.NewMemory()
	job, targets := newRunningJob(t, st, 3)
	d := NewDispatcher(fastConfig(), st, newFakeChannel(), NewGovernor(fastConfig()), logx.Nop())

	require.NoError(t, d.Run(context.Background(), job, targets[:2], func() bool { return false }, func(Job) {}))
	assert.Equal(t, StatusFailed, job.Status)
	assert.NotEmpty(t, job.Error)
}

func TestDispatcherRecoversPanickingSend(t *testing.T) {
	st := storage.NewMemory()
	seed(t, st, 3, nil)
	job, targets := newRunningJob(t, st, 3)

	ch := newFakeChannel()
	ch.fail = func(to string, _ int) error {
		if to == "r1" {
			panic("boom")
		}
		return nil
	}
	cfg := fastConfig()
	cfg.RetryMax = 1
	d := NewDispatcher(cfg, st, ch, NewGovernor(cfg), logx.Nop())

	require.NoError(t, d.Run(context.Background(), job, targets, func() bool { return false }, func(Job) {}))
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, 2, job.Sent)
	assert.Equal(t, 1, job.Failed)
}

func cursors(js []Job) []int {
	out := make([]int, 0, len(js))
	for _, j := range js {
		out = append(out, j.Cursor)
	}
	return out
}
