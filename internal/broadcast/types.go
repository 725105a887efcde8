package broadcast

import (
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/text/language"

	"pewcast/internal/storage"
)

var (
	ErrAlreadyRunning   = errors.New("a broadcast is already running")
	ErrStoreUnavailable = errors.New("recipient store unavailable")
	ErrJobNotFound      = errors.New("broadcast job not found")
	ErrInvalidFilter    = errors.New("invalid broadcast filter")
	ErrEmptyContent     = errors.New("broadcast content is empty")
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Config holds dispatch tuning. Zero values are replaced by defaults in
// withDefaults, except RatePerSec/RatePerMinute where <= 0 means unlimited.
type Config struct {
	RatePerSec    int
	RatePerMinute int
	BatchSize     int
	BatchInterval time.Duration

	RetryMax    int // total attempts per recipient
	RetryBase   time.Duration
	SendTimeout time.Duration

	// Languages restricts filter.language; empty allows any valid tag.
	Languages []string
	Templates map[string]Content

	DeactivateOnPermanent bool
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
	if c.BatchInterval < 0 {
		c.BatchInterval = 0
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	return c
}

// Filter selects recipients. Absent fields match every value.
type Filter struct {
	Language string `json:"language,omitempty"`
	Member   *bool  `json:"member,omitempty"`
}

// Normalize canonicalizes Language to its base tag and checks it against allowed.
func (f Filter) Normalize(allowed []string) (Filter, error) {
	raw := strings.TrimSpace(f.Language)
	if raw == "" {
		f.Language = ""
		return f, nil
	}
	tag, err := language.Parse(raw)
	if err != nil {
		return f, errors.Mark(errors.Wrapf(err, "language %q", raw), ErrInvalidFilter)
	}
	f.Language = baseLanguage(tag)
	if len(allowed) > 0 && !slices.Contains(allowed, f.Language) {
		return f, errors.WithHint(
			errors.Mark(errors.Newf("language %q is not enabled", f.Language), ErrInvalidFilter),
			"enabled languages: "+strings.Join(allowed, ", "),
		)
	}
	return f, nil
}

func (f Filter) query() storage.RecipientQuery {
	q := storage.RecipientQuery{ActiveOnly: true, Member: f.Member}
	if f.Language != "" {
		lang := f.Language
		q.Language = &lang
	}
	return q
}

// Content is the message body plus optional per-language variants.
type Content struct {
	Text      string            `json:"text"`
	Variants  map[string]string `json:"variants,omitempty"`
	ParseMode string            `json:"parse_mode,omitempty"`
}

func (c Content) Validate() error {
	if strings.TrimSpace(c.Text) == "" {
		return errors.WithHint(ErrEmptyContent, "content.text is the fallback for languages without a variant")
	}
	return nil
}

// TextFor picks the variant for lang, falling back to its base language and then to Text.
func (c Content) TextFor(lang string) string {
	if lang == "" || len(c.Variants) == 0 {
		return c.Text
	}
	if v := c.Variants[lang]; v != "" {
		return v
	}
	if tag, err := language.Parse(lang); err == nil {
		if v := c.Variants[baseLanguage(tag)]; v != "" {
			return v
		}
	}
	return c.Text
}

// NormalizeLanguage maps a client-reported language code (e.g. "pt-BR") to
// its base tag ("pt"). Unparseable input yields "".
func NormalizeLanguage(code string) string {
	tag, err := language.Parse(strings.TrimSpace(code))
	if err != nil {
		return ""
	}
	return baseLanguage(tag)
}

func baseLanguage(tag language.Tag) string {
	base, _ := tag.Base()
	return base.String()
}

type StartResult struct {
	JobID string `json:"job_id"`
	Total int    `json:"total"`
}
