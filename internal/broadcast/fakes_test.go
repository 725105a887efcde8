package broadcast

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"pewcast/internal/storage"
	"pewcast/internal/transport"
)

// fakeChannel records sends and lets tests script failures.
type fakeChannel struct {
	mu       sync.Mutex
	attempts map[string]int
	sends    []sendRecord

	// fail returns the error for the given attempt (1-based) to recipient.
	fail  func(to string, attempt int) error
	delay time.Duration
	gate  chan struct{}

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

type sendRecord struct {
	to   string
	text string
	at   time.Time
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{attempts: map[string]int{}}
}

func (c *fakeChannel) Send(ctx context.Context, to, text string, _ *transport.SendOptions) error {
	n := c.inflight.Add(1)
	defer c.inflight.Add(-1)
	for {
		cur := c.maxInflight.Load()
		if n <= cur || c.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}

	c.mu.Lock()
	c.attempts[to]++
	attempt := c.attempts[to]
	c.sends = append(c.sends, sendRecord{to: to, text: text, at: time.Now()})
	gate := c.gate
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.fail != nil {
		return c.fail(to, attempt)
	}
	return nil
}

func (c *fakeChannel) attemptsFor(to string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts[to]
}

func (c *fakeChannel) recipients() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sends))
	for _, s := range c.sends {
		out = append(out, s.to)
	}
	return out
}

func (c *fakeChannel) sendTimes() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Time, 0, len(c.sends))
	for _, s := range c.sends {
		out = append(out, s.at)
	}
	return out
}

// flakyStore wraps a Store and injects write failures.
type flakyStore struct {
	storage.Store
	saveJobCalls   atomic.Int32
	failSaveJobAt  int32 // fail from this call on; 0 disables
	failDeactivate bool
	failQuery      bool
}

func (s *flakyStore) SaveJob(ctx context.Context, rec storage.JobRecord) error {
	n := s.saveJobCalls.Add(1)
	if s.failSaveJobAt > 0 && n >= s.failSaveJobAt {
		return errors.New("disk full")
	}
	return s.Store.SaveJob(ctx, rec)
}

func (s *flakyStore) SetRecipientActive(ctx context.Context, id string, active bool) error {
	if s.failDeactivate {
		return errors.New("read-only replica")
	}
	return s.Store.SetRecipientActive(ctx, id, active)
}

func (s *flakyStore) QueryRecipients(ctx context.Context, q storage.RecipientQuery) ([]storage.Recipient, error) {
	if s.failQuery {
		return nil, errors.New("connection refused")
	}
	return s.Store.QueryRecipients(ctx, q)
}

func recipientID(i int) string { return "r" + strconv.Itoa(i) }

func seed(t *testing.T, st storage.Store, n int, mk func(i int) storage.Recipient) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		r := storage.Recipient{ID: recipientID(i), Language: "en", Active: true}
		if mk != nil {
			r = mk(i)
		}
		require.NoError(t, st.UpsertRecipient(ctx, r))
	}
}

func fastConfig() Config {
	return Config{
		BatchSize:             25,
		RetryMax:              3,
		RetryBase:             time.Millisecond,
		DeactivateOnPermanent: true,
	}
}

func waitDone(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}
