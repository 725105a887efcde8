package telegram

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"

	"pewcast/internal/broadcast"
	"pewcast/internal/storage"
	logx "pewcast/pkg/logx"
)

func (a *Adapter) registerHandlers() {
	a.bot.Handle("/start", a.wrap(a.onStart))
	a.bot.Handle("/stop", a.wrap(a.onStop))
	a.bot.Handle("/bcstatus", a.wrap(a.onStatus))
	a.bot.Handle("/bccancel", a.wrap(a.onCancel))
}

// commandFunc returns an HTML reply; empty means stay silent.
type commandFunc func(ctx context.Context, chatID int64, user *tele.User) string

func (a *Adapter) wrap(fn commandFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		if c.Chat() == nil || c.Sender() == nil {
			return nil
		}
		ctx, cancel := a.handlerContext()
		defer cancel()
		reply := fn(ctx, c.Chat().ID, c.Sender())
		if reply == "" {
			return nil
		}
		return c.Send(reply, &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true})
	}
}

func (a *Adapter) onStart(ctx context.Context, chatID int64, user *tele.User) string {
	reg, _ := a.deps()
	if reg == nil {
		return ""
	}
	r := storage.Recipient{
		ID:       strconv.FormatInt(chatID, 10),
		Language: broadcast.NormalizeLanguage(user.LanguageCode),
		Member:   a.isMember(user),
		Active:   true,
	}
	if err := reg.UpsertRecipient(ctx, r); err != nil {
		a.log.Error("register recipient failed", logx.String("chat", r.ID), logx.Err(err))
		return "Subscription failed, please try again later."
	}
	a.log.Info("recipient registered", logx.String("chat", r.ID), logx.String("lang", r.Language), logx.Bool("member", r.Member))
	return "You are subscribed. Send /stop to unsubscribe."
}

func (a *Adapter) onStop(ctx context.Context, chatID int64, _ *tele.User) string {
	reg, _ := a.deps()
	if reg == nil {
		return ""
	}
	id := strconv.FormatInt(chatID, 10)
	err := reg.SetRecipientActive(ctx, id, false)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		a.log.Error("unsubscribe failed", logx.String("chat", id), logx.Err(err))
		return "Unsubscribe failed, please try again later."
	}
	return "You are unsubscribed. Send /start to subscribe again."
}

func (a *Adapter) onStatus(ctx context.Context, _ int64, user *tele.User) string {
	_, ctl := a.deps()
	if ctl == nil || !a.isOwner(user.ID) {
		return ""
	}
	p, err := ctl.Current(ctx)
	if errors.Is(err, broadcast.ErrJobNotFound) {
		return "No broadcasts yet."
	}
	if err != nil {
		return JoinH(" ", Esc("Status unavailable:"), Code(err.Error())).String()
	}
	return formatProgress(p)
}

func (a *Adapter) onCancel(ctx context.Context, _ int64, user *tele.User) string {
	_, ctl := a.deps()
	if ctl == nil || !a.isOwner(user.ID) {
		return ""
	}
	id, ok := ctl.Running()
	if !ok {
		return "Nothing is running."
	}
	ctl.Cancel(ctx, "tg:"+strconv.FormatInt(user.ID, 10), id)
	return JoinH(" ", Esc("Cancel requested for"), Code(id), Esc("It stops after the current batch.")).String()
}

// isMember checks the configured membership channel; any lookup error counts as not a member.
func (a *Adapter) isMember(user *tele.User) bool {
	a.mu.Lock()
	chatID := a.cfg.MembershipChatID
	a.mu.Unlock()
	if chatID == 0 || a.bot == nil {
		return false
	}
	m, err := a.bot.ChatMemberOf(&tele.Chat{ID: chatID}, user)
	if err != nil {
		a.log.Debug("membership lookup failed", logx.Int64("user", user.ID), logx.Err(err))
		return false
	}
	switch m.Role {
	case tele.Creator, tele.Administrator, tele.Member:
		return true
	}
	return false
}

func formatProgress(p broadcast.Progress) string {
	lines := []H{
		B(fmt.Sprintf("Broadcast %s: %s", p.ID, p.Status)),
		Esc(fmt.Sprintf("Progress: %d/%d (%.1f%%)", p.Sent+p.Failed, p.Total, p.PercentComplete)),
		Esc(fmt.Sprintf("Sent: %d, failed: %d, deactivated: %d", p.Sent, p.Failed, p.Deactivated)),
	}
	if p.Rate > 0 {
		rate := fmt.Sprintf("Rate: %.1f msg/s", p.Rate)
		if p.EstimatedSecondsRemaining > 0 {
			rate += fmt.Sprintf(", ETA %ds", int(p.EstimatedSecondsRemaining))
		}
		lines = append(lines, Esc(rate))
	}
	if p.Error != "" {
		lines = append(lines, JoinH(" ", Esc("Error:"), Code(p.Error)))
	}
	return JoinH("\n", lines...).String()
}
