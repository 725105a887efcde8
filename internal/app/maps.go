package app

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"pewcast/internal/broadcast"
	"pewcast/internal/config"
	"pewcast/internal/httpapi"
	"pewcast/internal/scheduler"
	"pewcast/internal/storage"
	"pewcast/internal/transport/telegram"
	logx "pewcast/pkg/logx"
)

var defaultLanguages = []string{"en", "ru", "uk"}

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     strings.TrimSpace(cfg.Telegram.GroupLog),
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapTelegram(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:            cfg.Telegram.Token,
		APIURL:           strings.TrimSpace(cfg.Telegram.APIURL),
		PollTimeout:      poll,
		OwnerIDs:         cfg.Telegram.OwnerUserIDs,
		MembershipChatID: cfg.Telegram.MembershipChatID,
	}, nil
}

// mapStorage defaults to an in-memory store when the section is omitted.
func mapStorage(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	out := storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path)}
	switch driver {
	case "", "memory":
		out.Driver = "memory"
	case "file":
	case "sqlite", "sqlite3":
		if out.Path == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = busy
	case "redis":
		if strings.TrimSpace(sc.Addr) == "" {
			return storage.Config{}, errors.New("storage.addr is required when storage.driver=redis")
		}
		out.Addr = strings.TrimSpace(sc.Addr)
		out.Password = sc.Password
		out.DB = sc.DB
		out.Prefix = strings.TrimSpace(sc.Prefix)
	default:
		return storage.Config{}, errors.WithHint(
			errors.Newf("unknown storage.driver: %s", sc.Driver),
			"supported drivers: memory, file, sqlite, redis",
		)
	}
	return out, nil
}

func mapBroadcast(cfg *config.Config) (broadcast.Config, error) {
	bc := cfg.Broadcast
	out := broadcast.Config{
		RatePerSec:            orDefault(bc.RatePerSec, 25),
		RatePerMinute:         orDefault(bc.RatePerMinute, 1500),
		BatchSize:             orDefault(bc.BatchSize, 25),
		RetryMax:              orDefault(bc.RetryMax, 3),
		DeactivateOnPermanent: true,
	}
	if bc.BatchSize < 0 || bc.RetryMax < 0 {
		return broadcast.Config{}, errors.New("broadcast.batch_size and broadcast.retry_max must be >= 0")
	}
	langs := bc.Languages
	if len(langs) == 0 {
		langs = defaultLanguages
	}
	out.Languages = make([]string, 0, len(langs))
	for i, l := range langs {
		norm := broadcast.NormalizeLanguage(l)
		if norm == "" {
			return broadcast.Config{}, errors.Newf("broadcast.languages[%d]: invalid language %q", i, l)
		}
		out.Languages = append(out.Languages, norm)
	}
	if f := bc.Features.DeactivateOnPermanent; f != nil {
		out.DeactivateOnPermanent = *f
	}

	var err error
	if out.BatchInterval, err = config.ParseDurationOrDefault("broadcast.batch_interval", bc.BatchInterval, time.Second); err != nil {
		return broadcast.Config{}, err
	}
	if out.RetryBase, err = config.ParseDurationOrDefault("broadcast.retry_base", bc.RetryBase, 200*time.Millisecond); err != nil {
		return broadcast.Config{}, err
	}
	if out.SendTimeout, err = config.ParseDurationOrDefault("broadcast.send_timeout", bc.SendTimeout, 10*time.Second); err != nil {
		return broadcast.Config{}, err
	}

	if len(bc.Templates) > 0 {
		out.Templates = make(map[string]broadcast.Content, len(bc.Templates))
		for name, t := range bc.Templates {
			c := broadcast.Content{Text: t.Text, Variants: t.Variants, ParseMode: t.ParseMode}
			if err := c.Validate(); err != nil {
				return broadcast.Config{}, errors.Wrapf(err, "broadcast.templates.%s", name)
			}
			out.Templates[name] = c
		}
	}
	return out, nil
}

// orDefault maps 0 to def. Negative rates pass through and mean unlimited.
func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func mapHTTP(cfg *config.Config) httpapi.Config {
	return httpapi.Config{
		Addr:         strings.TrimSpace(cfg.HTTP.Addr),
		Token:        strings.TrimSpace(cfg.HTTP.Token),
		AllowOrigins: cfg.HTTP.AllowOrigins,
		Pprof:        cfg.HTTP.Pprof,
		IdleTimeout:  60 * time.Second,
	}
}

func mapSchedules(cfg *config.Config) ([]scheduler.Entry, error) {
	out := make([]scheduler.Entry, 0, len(cfg.Schedules))
	for _, s := range cfg.Schedules {
		e := scheduler.Entry{
			Name:     strings.TrimSpace(s.Name),
			Spec:     strings.TrimSpace(s.Spec),
			Filter:   broadcast.Filter{Language: s.Language, Member: s.Member},
			Template: strings.TrimSpace(s.Template),
		}
		if s.Content != nil {
			e.Content = &broadcast.Content{Text: s.Content.Text, Variants: s.Content.Variants, ParseMode: s.Content.ParseMode}
		}
		if e.Template != "" {
			if _, ok := cfg.Broadcast.Templates[e.Template]; !ok {
				return nil, errors.Newf("schedules %s: unknown template %q", e.Name, e.Template)
			}
		}
		out = append(out, e)
	}
	if err := scheduler.Validate(out); err != nil {
		return nil, err
	}
	return out, nil
}

// validate rejects a reloaded config before it is committed.
func validate(cfg *config.Config) error {
	if _, err := mapTelegram(cfg); err != nil {
		return err
	}
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	bc, err := mapBroadcast(cfg)
	if err != nil {
		return err
	}
	for _, s := range cfg.Schedules {
		if _, err := (broadcast.Filter{Language: s.Language}).Normalize(bc.Languages); err != nil {
			return errors.Wrapf(err, "schedules %s", s.Name)
		}
	}
	_, err = mapSchedules(cfg)
	return err
}
