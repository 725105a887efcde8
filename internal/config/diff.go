package config

import (
	"reflect"
	"slices"
	"strings"

	logx "pewcast/pkg/logx"
)

// SummarizeChange lists the changed top-level sections and safe log fields
// describing them. Secrets (tokens, passwords) are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var changed []string
	var attrs []logx.Field

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!slices.Equal(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) ||
		ot.MembershipChatID != nt.MembershipChatID ||
		ot.APIURL != nt.APIURL ||
		ot.Token != nt.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		driver := ""
		if newCfg.Storage != nil {
			driver = newCfg.Storage.Driver
		}
		attrs = append(attrs, logx.String("storage.driver", driver))
	}

	ob, nb := oldCfg.Broadcast, newCfg.Broadcast
	if !reflect.DeepEqual(ob, nb) {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.Int("broadcast.rate_per_sec", nb.RatePerSec),
			logx.Int("broadcast.rate_per_minute", nb.RatePerMinute),
			logx.Int("broadcast.batch_size", nb.BatchSize),
			logx.Int("broadcast.templates", len(nb.Templates)),
		)
	}

	if oldCfg.HTTP.Addr != newCfg.HTTP.Addr || oldCfg.HTTP.Token != newCfg.HTTP.Token ||
		oldCfg.HTTP.Pprof != newCfg.HTTP.Pprof ||
		!slices.Equal(oldCfg.HTTP.AllowOrigins, newCfg.HTTP.AllowOrigins) {
		changed = append(changed, "http")
		attrs = append(attrs, logx.String("http.addr", newCfg.HTTP.Addr))
	}

	if !reflect.DeepEqual(oldCfg.Schedules, newCfg.Schedules) {
		changed = append(changed, "schedules")
		attrs = append(attrs, logx.Int("schedules.count", len(newCfg.Schedules)))
	}

	return changed, attrs
}

// RestartRequired reports sections that are only read at startup.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "http":
			out = append(out, s)
		}
	}
	return out
}
