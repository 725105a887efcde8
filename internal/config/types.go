package config

type Config struct {
	Telegram  TelegramConfig   `json:"telegram"`
	Logging   LoggingConfig    `json:"logging"`
	Storage   *StorageConfig   `json:"storage,omitempty"`
	Broadcast BroadcastConfig  `json:"broadcast"`
	HTTP      HTTPConfig       `json:"http,omitempty"`
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied via PEWCAST_TELEGRAM_TOKEN.
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	// APIURL points at a self-hosted Bot API server. Read at startup only.
	APIURL string `json:"api_url,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// MembershipChatID marks subscribers who are members of this chat.
	MembershipChatID int64 `json:"membership_chat_id,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./pewcast.db", "busy_timeout": "2s" }
//	"storage": { "driver": "redis", "addr": "127.0.0.1:6379", "prefix": "pewcast" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)

	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// BroadcastConfig tunes dispatch. Durations are Go duration strings.
//
// Defaults (when fields are omitted/zero):
//   - rate_per_sec: 25
//   - rate_per_minute: 1500
//   - batch_size: 25
//   - batch_interval: "1s"
//   - retry_max: 3
//   - retry_base: "200ms"
//   - send_timeout: "10s"
//   - languages: en, ru, uk
//   - features.deactivate_on_permanent: true
//
// A negative rate disables that limit.
type BroadcastConfig struct {
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RatePerMinute int    `json:"rate_per_minute,omitempty"`
	BatchSize     int    `json:"batch_size,omitempty"`
	BatchInterval string `json:"batch_interval,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`

	Languages []string                  `json:"languages,omitempty"`
	Templates map[string]TemplateConfig `json:"templates,omitempty"`
	Features  FeatureFlags              `json:"features,omitempty"`
}

type TemplateConfig struct {
	Text      string            `json:"text"`
	Variants  map[string]string `json:"variants,omitempty"`
	ParseMode string            `json:"parse_mode,omitempty"`
}

type FeatureFlags struct {
	// DeactivateOnPermanent is a pointer so an omitted key keeps the default (true).
	DeactivateOnPermanent *bool `json:"deactivate_on_permanent,omitempty"`
}

// HTTPConfig controls the operator HTTP API. Empty Addr disables it.
type HTTPConfig struct {
	Addr         string   `json:"addr,omitempty"`
	Token        string   `json:"token,omitempty"` // optional bearer token (do not log)
	AllowOrigins []string `json:"allow_origins,omitempty"`
	// Pprof mounts net/http/pprof under /debug/pprof/ (behind Token when set).
	Pprof bool `json:"pprof,omitempty"`
}

// ScheduleConfig starts a broadcast on a cron spec. Exactly one of Template
// or Content must be set.
type ScheduleConfig struct {
	Name     string          `json:"name"`
	Spec     string          `json:"spec"`
	Language string          `json:"language,omitempty"`
	Member   *bool           `json:"member,omitempty"`
	Template string          `json:"template,omitempty"`
	Content  *TemplateConfig `json:"content,omitempty"`
}
