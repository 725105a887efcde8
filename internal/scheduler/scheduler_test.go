package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pewcast/internal/broadcast"
	logx "pewcast/pkg/logx"
)

type startCall struct {
	actor   string
	filter  broadcast.Filter
	content broadcast.Content
}

type fakeStarter struct {
	mu      sync.Mutex
	calls   []startCall
	running bool
}

func (f *fakeStarter) Start(_ context.Context, actor string, fl broadcast.Filter, c broadcast.Content) (broadcast.StartResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, startCall{actor, fl, c})
	if f.running {
		return broadcast.StartResult{}, broadcast.ErrAlreadyRunning
	}
	f.running = true
	return broadcast.StartResult{JobID: "job", Total: 3}, nil
}

func (f *fakeStarter) Template(name string) (broadcast.Content, bool) {
	if name == "promo" {
		return broadcast.Content{Text: "promo text"}, true
	}
	return broadcast.Content{}, false
}

func (f *fakeStarter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestValidate(t *testing.T) {
	ok := []Entry{
		{Name: "a", Spec: "0 9 * * MON", Template: "promo"},
		{Name: "b", Spec: "@every 1h", Content: &broadcast.Content{Text: "x"}},
		{Name: "c", Spec: "*/30 * * * * *", Template: "promo"},
	}
	require.NoError(t, Validate(ok))

	bad := map[string][]Entry{
		"missing name":  {{Spec: "@daily", Template: "promo"}},
		"duplicate":     {{Name: "a", Spec: "@daily", Template: "promo"}, {Name: "a", Spec: "@daily", Template: "promo"}},
		"bad spec":      {{Name: "a", Spec: "every tuesday", Template: "promo"}},
		"neither":       {{Name: "a", Spec: "@daily"}},
		"both":          {{Name: "a", Spec: "@daily", Template: "promo", Content: &broadcast.Content{Text: "x"}}},
		"empty content": {{Name: "a", Spec: "@daily", Content: &broadcast.Content{Text: "  "}}},
	}
	for name, entries := range bad {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, Validate(entries))
		})
	}
}

func TestFireResolvesTemplateAndSkipsWhenRunning(t *testing.T) {
	st := &fakeStarter{}
	s := New(st, logx.Nop())
	yes := true
	require.NoError(t, s.Apply([]Entry{
		{Name: "weekly", Spec: "@weekly", Template: "promo", Filter: broadcast.Filter{Language: "ru", Member: &yes}},
		{Name: "broken", Spec: "@daily", Template: "promo"},
	}))

	s.Fire("weekly")
	require.Equal(t, 1, st.count())
	assert.Equal(t, "schedule:weekly", st.calls[0].actor)
	assert.Equal(t, "promo text", st.calls[0].content.Text)
	assert.Equal(t, "ru", st.calls[0].filter.Language)

	// second trigger hits AlreadyRunning and is only logged
	s.Fire("weekly")
	assert.Equal(t, 2, st.count())

	s.Fire("unknown")
	assert.Equal(t, 2, st.count())
}

func TestFireSkipsUnknownTemplate(t *testing.T) {
	st := &fakeStarter{}
	s := New(st, logx.Nop())
	require.NoError(t, s.Apply([]Entry{{Name: "x", Spec: "@daily", Template: "gone"}}))
	s.Fire("x")
	assert.Zero(t, st.count())
}

func TestCronTriggers(t *testing.T) {
	st := &fakeStarter{}
	s := New(st, logx.Nop())
	require.NoError(t, s.Apply([]Entry{{Name: "tick", Spec: "@every 1s", Content: &broadcast.Content{Text: "hi"}}}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		s.Stop(stopCtx)
	}()

	next := s.Next()
	require.Contains(t, next, "tick")
	assert.False(t, next["tick"].IsZero())

	require.Eventually(t, func() bool { return st.count() >= 1 }, 3*time.Second, 20*time.Millisecond)

	// Apply while running swaps the set without a restart by the caller
	require.NoError(t, s.Apply([]Entry{{Name: "other", Spec: "@yearly", Template: "promo"}}))
	next = s.Next()
	assert.Contains(t, next, "other")
	assert.NotContains(t, next, "tick")
}

func TestApplyRejectsInvalidAndKeepsPrevious(t *testing.T) {
	s := New(&fakeStarter{}, logx.Nop())
	require.NoError(t, s.Apply([]Entry{{Name: "a", Spec: "@daily", Template: "promo"}}))
	require.Error(t, s.Apply([]Entry{{Name: "b", Spec: "nope", Template: "promo"}}))
	assert.Len(t, s.entries, 1)
	assert.Equal(t, "a", s.entries[0].Name)
}
