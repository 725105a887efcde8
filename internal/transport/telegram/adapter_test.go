package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"pewcast/internal/broadcast"
	"pewcast/internal/storage"
	"pewcast/internal/transport"
	logx "pewcast/pkg/logx"
)

func TestSplitText(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitText("short", 10, ""))

	parts := splitText(strings.Repeat("a", 25), 10, "")
	assert.Equal(t, []string{strings.Repeat("a", 10), strings.Repeat("a", 10), strings.Repeat("a", 5)}, parts)

	// prefers a newline once a third of the limit is filled
	parts = splitText("aaaaaa\nbbbbbbbbbb", 10, "")
	assert.Equal(t, []string{"aaaaaa", "bbbbbbbbbb"}, parts)

	// does not cut inside an HTML tag
	parts = splitText("aaaaaaa<b>x</b>", 10, "HTML")
	assert.Equal(t, "aaaaaaa", parts[0])
	assert.Equal(t, "<b>x</b>", strings.Join(parts[1:], ""))

	// counts runes, not bytes
	parts = splitText(strings.Repeat("я", 12), 10, "")
	require.Len(t, parts, 2)
	assert.Equal(t, strings.Repeat("я", 10), parts[0])
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name        string
		err         error
		unreachable bool
		retryAfter  time.Duration
	}{
		{"blocked sentinel", tele.ErrBlockedByUser, true, 0},
		{"deactivated sentinel", tele.ErrUserIsDeactivated, true, 0},
		{"chat not found", tele.ErrChatNotFound, true, 0},
		{"kicked described", &tele.Error{Code: 403, Description: "Forbidden: bot was kicked from the supergroup chat"}, true, 0},
		{"flood without parameters", &tele.Error{Code: 429, Description: "Too Many Requests: retry after 7"}, false, 7 * time.Second},
		{"bad entities", &tele.Error{Code: 400, Description: "Bad Request: can't parse entities"}, false, 0},
		{"network", errors.New("dial tcp: i/o timeout"), false, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classifyError(tc.err)
			assert.Equal(t, tc.unreachable, transport.IsUnreachable(err))
			after, _ := transport.RetryAfterHint(err)
			assert.Equal(t, tc.retryAfter, after)
			if tc.unreachable {
				assert.Equal(t, broadcast.PermanentFailure, broadcast.Classify(err))
			} else {
				assert.Equal(t, broadcast.TransientFailure, broadcast.Classify(err))
			}
		})
	}
}

// fakeBotAPI serves getMe and hands every sendMessage to reply.
type fakeBotAPI struct {
	mu    sync.Mutex
	texts []string
	reply func(n int, text string) (delay time.Duration, body string)
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"pewcast","username":"pewcast_bot"}}`))
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		var params map[string]string
		_ = json.NewDecoder(r.Body).Decode(&params)
		f.mu.Lock()
		f.texts = append(f.texts, params["text"])
		n := len(f.texts)
		f.mu.Unlock()

		delay, body := time.Duration(0), ""
		if f.reply != nil {
			delay, body = f.reply(n, params["text"])
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if body == "" {
			body = `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`
		}
		_, _ = w.Write([]byte(body))
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeBotAPI) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func newTestAdapter(t *testing.T, api *fakeBotAPI) *Adapter {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	a, err := New(Config{Token: "123:abc", APIURL: srv.URL}, logx.Nop())
	require.NoError(t, err)
	return a
}

func TestSendKeepsFloodRetryHint(t *testing.T) {
	api := &fakeBotAPI{reply: func(int, string) (time.Duration, string) {
		return 0, `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 7","parameters":{"retry_after":7}}`
	}}
	a := newTestAdapter(t, api)

	err := a.Send(context.Background(), "42", "hi", nil)
	require.Error(t, err)
	after, ok := transport.RetryAfterHint(err)
	require.True(t, ok, "%v", err)
	assert.Equal(t, 7*time.Second, after)
	assert.Equal(t, broadcast.TransientFailure, broadcast.Classify(err))
}

func TestSendMarksUnreachableChats(t *testing.T) {
	cases := map[string]string{
		"blocked":     `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`,
		"no sentinel": `{"ok":false,"error_code":403,"description":"Forbidden: bot is not a member of the discussion chat"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			a := newTestAdapter(t, &fakeBotAPI{reply: func(int, string) (time.Duration, string) { return 0, body }})
			err := a.Send(context.Background(), "42", "hi", nil)
			assert.True(t, transport.IsUnreachable(err), "%v", err)
		})
	}

	a := newTestAdapter(t, &fakeBotAPI{reply: func(int, string) (time.Duration, string) {
		return 0, `{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities"}`
	}})
	err := a.Send(context.Background(), "42", "<b>", nil)
	require.Error(t, err)
	assert.False(t, transport.IsUnreachable(err))
}

func TestSendHonoursContextDeadline(t *testing.T) {
	api := &fakeBotAPI{reply: func(int, string) (time.Duration, string) { return time.Second, "" }}
	a := newTestAdapter(t, api)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := a.Send(ctx, "42", "hi", nil)
	assert.Less(t, time.Since(start), 700*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, broadcast.TransientFailure, broadcast.Classify(err))
}

func TestClientTimeoutCoversLongPoll(t *testing.T) {
	assert.Greater(t, clientTimeout(10*time.Second), 10*time.Second)
	assert.Less(t, clientTimeout(10*time.Second), time.Minute)
}

func TestSendResumesSplitMessageAtFailedChunk(t *testing.T) {
	text := strings.Repeat("a", textLimit) + strings.Repeat("b", 10) + "\n" + "tail"
	failed := false
	api := &fakeBotAPI{}
	api.reply = func(n int, chunk string) (time.Duration, string) {
		if strings.HasPrefix(chunk, "b") && !failed {
			failed = true
			return 0, `{"ok":false,"error_code":500,"description":"Internal Server Error"}`
		}
		return 0, ""
	}
	a := newTestAdapter(t, api)

	err := a.Send(context.Background(), "42", text, nil)
	require.Error(t, err)
	require.Len(t, api.sent(), 2)

	require.NoError(t, a.Send(context.Background(), "42", text, nil))
	sent := api.sent()
	require.Len(t, sent, 3)
	assert.Equal(t, strings.Repeat("a", textLimit), sent[0])
	assert.Equal(t, sent[1], sent[2], "only the failed chunk is sent again")

	// a fresh send of the same text starts from the first chunk
	require.NoError(t, a.Send(context.Background(), "42", text, nil))
	assert.Equal(t, strings.Repeat("a", textLimit), api.sent()[3])
}

func TestSendRejectsNonNumericChat(t *testing.T) {
	a := &Adapter{log: logx.Nop()}
	err := a.Send(context.Background(), "not-a-chat", "hi", nil)
	assert.True(t, transport.IsUnreachable(err))
}

type memRegistry struct {
	mu     sync.Mutex
	byID   map[string]storage.Recipient
	failAt string
}

func (m *memRegistry) UpsertRecipient(_ context.Context, r storage.Recipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == m.failAt {
		return errors.New("disk full")
	}
	if m.byID == nil {
		m.byID = map[string]storage.Recipient{}
	}
	m.byID[r.ID] = r
	return nil
}

func (m *memRegistry) SetRecipientActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok {
		return storage.ErrNotFound
	}
	r.Active = active
	m.byID[id] = r
	return nil
}

type stubController struct {
	progress  broadcast.Progress
	err       error
	running   string
	cancelled []string
}

func (s *stubController) Current(context.Context) (broadcast.Progress, error) {
	return s.progress, s.err
}
func (s *stubController) Running() (string, bool) { return s.running, s.running != "" }
func (s *stubController) Cancel(_ context.Context, actor, id string) bool {
	s.cancelled = append(s.cancelled, actor+"/"+id)
	return true
}

func TestStartAndStopCommands(t *testing.T) {
	reg := &memRegistry{failAt: "13"}
	a := &Adapter{log: logx.Nop()}
	a.Bind(reg, &stubController{})
	ctx := context.Background()

	reply := a.onStart(ctx, 42, &tele.User{ID: 42, LanguageCode: "ru-RU"})
	assert.Contains(t, reply, "subscribed")
	got := reg.byID["42"]
	assert.Equal(t, "ru", got.Language)
	assert.True(t, got.Active)
	assert.False(t, got.Member)

	assert.Contains(t, a.onStop(ctx, 42, &tele.User{ID: 42}), "unsubscribed")
	assert.False(t, reg.byID["42"].Active)

	// unknown chats can still unsubscribe
	assert.Contains(t, a.onStop(ctx, 7, &tele.User{ID: 7}), "unsubscribed")

	assert.Contains(t, a.onStart(ctx, 13, &tele.User{ID: 13}), "failed")
}

func TestOperatorCommandsRequireOwner(t *testing.T) {
	ctl := &stubController{
		running:  "job-1",
		progress: broadcast.NewProgress(broadcast.Job{ID: "job-1", Status: broadcast.StatusRunning, Total: 10, Sent: 4, Failed: 1}, time.Now()),
	}
	a := &Adapter{log: logx.Nop(), cfg: Config{OwnerIDs: []int64{1}}}
	a.Bind(&memRegistry{}, ctl)
	ctx := context.Background()

	assert.Empty(t, a.onStatus(ctx, 2, &tele.User{ID: 2}))
	assert.Empty(t, a.onCancel(ctx, 2, &tele.User{ID: 2}))
	assert.Empty(t, ctl.cancelled)

	status := a.onStatus(ctx, 1, &tele.User{ID: 1})
	assert.Contains(t, status, "job-1: running")
	assert.Contains(t, status, "5/10 (50.0%)")

	assert.Contains(t, a.onCancel(ctx, 1, &tele.User{ID: 1}), "job-1")
	assert.Equal(t, []string{"tg:1/job-1"}, ctl.cancelled)

	ctl.running = ""
	assert.Equal(t, "Nothing is running.", a.onCancel(ctx, 1, &tele.User{ID: 1}))

	ctl.err = broadcast.ErrJobNotFound
	assert.Equal(t, "No broadcasts yet.", a.onStatus(ctx, 1, &tele.User{ID: 1}))

	a.Apply(Config{OwnerIDs: []int64{3}})
	assert.Empty(t, a.onStatus(ctx, 1, &tele.User{ID: 1}))
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(Config{}, logx.Nop())
	require.Error(t, err)
}

func TestFormatProgressEscapesHTML(t *testing.T) {
	p := broadcast.Progress{
		Job: broadcast.Job{
			ID:     "job-9",
			Status: broadcast.StatusFailed,
			Total:  4,
			Sent:   2,
			Failed: 2,
			Error:  "store <down> & out",
		},
		Rate:                      1.5,
		EstimatedSecondsRemaining: -1,
		PercentComplete:           100,
	}
	out := formatProgress(p)
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "<b>Broadcast job-9: failed</b>", lines[0])
	assert.Equal(t, "Rate: 1.5 msg/s", lines[3])
	assert.Equal(t, "Error: <code>store &lt;down&gt; &amp; out</code>", lines[4])
}
