// Package telegram implements the broadcast message channel on top of the
// Telegram Bot API, plus the subscriber and operator commands.
package telegram

import (
	"context"
	"hash/fnv"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"

	"pewcast/internal/broadcast"
	rtsup "pewcast/internal/runtime/supervisor"
	"pewcast/internal/storage"
	"pewcast/internal/transport"
	logx "pewcast/pkg/logx"
)

type Config struct {
	Token string
	// APIURL points at a self-hosted Bot API server; empty means api.telegram.org.
	APIURL      string
	PollTimeout time.Duration
	OwnerIDs    []int64
	// MembershipChatID, when set, is the channel whose members get Member=true on /start.
	MembershipChatID int64
}

// Registry is the part of the recipient store the bot writes to.
type Registry interface {
	UpsertRecipient(ctx context.Context, r storage.Recipient) error
	SetRecipientActive(ctx context.Context, id string, active bool) error
}

// Controller is the part of the broadcast service exposed to operators.
type Controller interface {
	Current(ctx context.Context) (broadcast.Progress, error)
	Running() (string, bool)
	Cancel(ctx context.Context, actor, jobID string) bool
}

type Adapter struct {
	log logx.Logger
	bot *tele.Bot

	mu      sync.Mutex
	cfg     Config
	reg     Registry
	ctl     Controller
	sup     *rtsup.Supervisor
	running bool

	// partial counts chunks of a split message already delivered per chat,
	// so a retry resumes at the chunk that failed.
	partialMu sync.Mutex
	partial   map[string]int
}

const maxPartial = 10000

var _ transport.Channel = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.WithHint(errors.New("telegram token is empty"), "set telegram.token or PEWCAST_TELEGRAM_TOKEN")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		URL:    strings.TrimSpace(cfg.APIURL),
		Poller: &tele.LongPoller{Timeout: timeout},
		Client: &http.Client{Timeout: clientTimeout(timeout)},
		OnError: func(err error, c tele.Context) {
			a.log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "create telegram bot")
	}
	a.bot = b
	a.registerHandlers()
	return a, nil
}

// clientTimeout bounds every Bot API request. getUpdates holds the
// connection for the whole poll timeout, so it needs some headroom.
func clientTimeout(poll time.Duration) time.Duration {
	return poll + 10*time.Second
}

// Bind installs the store and controller used by command handlers.
func (a *Adapter) Bind(reg Registry, ctl Controller) {
	a.mu.Lock()
	a.reg, a.ctl = reg, ctl
	a.mu.Unlock()
}

// Apply updates owner IDs and the membership chat.
func (a *Adapter) Apply(cfg Config) {
	a.mu.Lock()
	a.cfg.OwnerIDs = cfg.OwnerIDs
	a.cfg.MembershipChatID = cfg.MembershipChatID
	a.mu.Unlock()
}

func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sup
}

func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = true
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))))
	sup := a.sup
	a.mu.Unlock()

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// telebot's Start blocks until Stop; restart it if it returns early.
	sup.GoRestart0("telebot.poll", func(context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.mu.Unlock()
	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	// keep shutdown snappy even if getUpdates is mid long-poll
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		a.log.Warn("telegram stop timed out", logx.Err(err))
	}
	return nil
}

// Send delivers text to a chat id, splitting it into several messages when
// it exceeds Telegram's length limit. It returns when ctx ends even if the
// Bot API request is still in flight.
func (a *Adapter) Send(ctx context.Context, to string, text string, opt *transport.SendOptions) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(to), 10, 64)
	if err != nil {
		return transport.Unreachable(errors.Wrapf(err, "invalid chat id %q", to))
	}
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chat := &tele.Chat{ID: chatID}
	sendOpt := &tele.SendOptions{
		ParseMode:             tele.ParseMode(opt.ParseMode),
		DisableWebPagePreview: opt.DisablePreview,
		DisableNotification:   opt.Silent,
	}

	chunks := splitText(text, textLimit, opt.ParseMode)
	key, start := "", 0
	if len(chunks) > 1 {
		key = partialKey(chatID, text)
		start = a.takePartial(key)
	}
	for i := start; i < len(chunks); i++ {
		if err := a.sendChunk(ctx, chat, chunks[i], sendOpt); err != nil {
			err = classifyError(err)
			if key != "" && i > 0 && !transport.IsUnreachable(err) {
				a.putPartial(key, i)
			}
			return err
		}
	}
	return nil
}

func (a *Adapter) sendChunk(ctx context.Context, chat *tele.Chat, text string, opt *tele.SendOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		_, err := a.bot.Send(chat, text, opt)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// the request itself is bounded by the client timeout
		return errors.Wrap(ctx.Err(), "telegram send")
	}
}

func partialKey(chatID int64, text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return strconv.FormatInt(chatID, 10) + ":" + strconv.FormatUint(h.Sum64(), 16)
}

func (a *Adapter) takePartial(key string) int {
	a.partialMu.Lock()
	defer a.partialMu.Unlock()
	n := a.partial[key]
	delete(a.partial, key)
	return n
}

func (a *Adapter) putPartial(key string, n int) {
	a.partialMu.Lock()
	defer a.partialMu.Unlock()
	if a.partial == nil || len(a.partial) >= maxPartial {
		a.partial = make(map[string]int)
	}
	a.partial[key] = n
}

// permanent lists Bot API errors after which a chat can never be reached again.
var permanent = []error{
	tele.ErrBlockedByUser,
	tele.ErrUserIsDeactivated,
	tele.ErrChatNotFound,
	tele.ErrKickedFromGroup,
	tele.ErrKickedFromSuperGroup,
	tele.ErrKickedFromChannel,
	tele.ErrNotStartedByUser,
	tele.ErrNotChannelMember,
}

// permanentDescriptions catch the same conditions when the Bot API phrases
// them in a way telebot has no sentinel for.
var permanentDescriptions = []string{
	"bot was blocked by the user",
	"user is deactivated",
	"chat not found",
	"bot was kicked",
	"bot can't initiate conversation",
	"bot is not a member",
}

// classifyError marks unreachable-recipient errors and attaches retry hints
// to flood-control errors. Everything else is returned unchanged.
func classifyError(err error) error {
	for _, p := range permanent {
		if errors.Is(err, p) {
			return transport.Unreachable(err)
		}
	}
	// telebot returns FloodError by value
	var fe tele.FloodError
	if errors.As(err, &fe) {
		after := time.Duration(fe.RetryAfter) * time.Second
		if after <= 0 {
			after = time.Second
		}
		return transport.RetryAfter(err, after)
	}
	var te *tele.Error
	if errors.As(err, &te) && te.Code == http.StatusTooManyRequests {
		return transport.RetryAfter(err, parseRetryAfter(strings.ToLower(te.Description)))
	}
	msg := strings.ToLower(err.Error())
	for _, d := range permanentDescriptions {
		if strings.Contains(msg, d) {
			return transport.Unreachable(err)
		}
	}
	return err
}

func parseRetryAfter(desc string) time.Duration {
	i := strings.LastIndex(desc, "retry after ")
	if i < 0 {
		return time.Second
	}
	n, err := strconv.Atoi(strings.TrimSpace(desc[i+len("retry after "):]))
	if err != nil || n <= 0 {
		return time.Second
	}
	return time.Duration(n) * time.Second
}

func (a *Adapter) isOwner(id int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Contains(a.cfg.OwnerIDs, id)
}

func (a *Adapter) deps() (Registry, Controller) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reg, a.ctl
}

func (a *Adapter) handlerContext() (context.Context, context.CancelFunc) {
	parent := context.Background()
	if sup := a.Supervisor(); sup != nil {
		parent = sup.Context()
	}
	return context.WithTimeout(parent, 10*time.Second)
}

const textLimit = 4000

// splitText splits s into chunks of at most limit runes, preferring newline
// boundaries and, for HTML, not cutting inside a tag.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
