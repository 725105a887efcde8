package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process maps, nothing survives a restart
//   - "file":   JSON snapshot + JSONL journals under Path
//   - "sqlite": SQLite database file at Path
//   - "redis":  Redis at Addr, keys under Prefix
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	Addr     string // redis only
	Password string
	DB       int
	Prefix   string
}

// Recipient is an addressable broadcast target.
type Recipient struct {
	ID        string    `json:"id"`
	Language  string    `json:"language"`
	Member    bool      `json:"member"`
	Active    bool      `json:"active"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RecipientQuery selects recipients. Nil fields match everything.
type RecipientQuery struct {
	Language   *string
	Member     *bool
	ActiveOnly bool
}

func (q RecipientQuery) Match(r Recipient) bool {
	if q.ActiveOnly && !r.Active {
		return false
	}
	if q.Language != nil && r.Language != *q.Language {
		return false
	}
	if q.Member != nil && r.Member != *q.Member {
		return false
	}
	return true
}

// Target is one entry of a job's frozen recipient snapshot.
type Target struct {
	ID       string `json:"id"`
	Language string `json:"lang,omitempty"`
}

// JobRecord is the persisted form of a broadcast job.
// Spec holds the JSON-encoded filter and content.
type JobRecord struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	Spec        []byte    `json:"spec"`
	Total       int       `json:"total"`
	Sent        int       `json:"sent"`
	Failed      int       `json:"failed"`
	Deactivated int       `json:"deactivated"`
	Cursor      int       `json:"cursor"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// AuditEntry records an operator action.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Actor  string    `json:"actor"`
	Action string    `json:"action"`
	JobID  string    `json:"job_id,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

type RecipientStore interface {
	// QueryRecipients returns matches in the store's natural (insertion) order.
	QueryRecipients(ctx context.Context, q RecipientQuery) ([]Recipient, error)
	// UpsertRecipient inserts r or replaces the stored language/member/active values.
	UpsertRecipient(ctx context.Context, r Recipient) error
	// SetRecipientActive is idempotent. Unknown IDs return ErrNotFound.
	SetRecipientActive(ctx context.Context, id string, active bool) error
}

type JobStore interface {
	SaveJob(ctx context.Context, rec JobRecord) error
	LoadJob(ctx context.Context, id string) (JobRecord, error)
	// LatestJob returns the most recently created job, or ErrNotFound.
	LatestJob(ctx context.Context) (JobRecord, error)
	SaveTargets(ctx context.Context, jobID string, targets []Target) error
	LoadTargets(ctx context.Context, jobID string) ([]Target, error)
}

// Store is the persistence API used by the broadcast engine.
type Store interface {
	RecipientStore
	JobStore
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}
