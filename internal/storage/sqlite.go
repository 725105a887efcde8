package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	logx "pewcast/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate sqlite")
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) QueryRecipients(ctx context.Context, q RecipientQuery) ([]Recipient, error) {
	query := `SELECT id, language, member, active, updated_at FROM recipients`
	var (
		where []string
		args  []any
	)
	if q.ActiveOnly {
		where = append(where, "active = 1")
	}
	if q.Language != nil {
		where = append(where, "language = ?")
		args = append(args, *q.Language)
	}
	if q.Member != nil {
		where = append(where, "member = ?")
		args = append(args, *q.Member)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Recipient
	for rows.Next() {
		var (
			r       Recipient
			updated string
		)
		if err := rows.Scan(&r.ID, &r.Language, &r.Member, &r.Active, &updated); err != nil {
			return nil, err
		}
		r.UpdatedAt = parseTime(updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertRecipient(ctx context.Context, r Recipient) error {
	r.ID = strings.TrimSpace(r.ID)
	if r.ID == "" {
		return nil
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recipients(id, language, member, active, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   language=excluded.language, member=excluded.member,
		   active=excluded.active, updated_at=excluded.updated_at`,
		r.ID, r.Language, r.Member, r.Active, formatTime(r.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) SetRecipientActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recipients SET active = ?, updated_at = ? WHERE id = ?`,
		active, formatTime(time.Now()), id,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) SaveJob(ctx context.Context, rec JobRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, status, spec, total, sent, failed, deactivated, cursor, err, created_at, started_at, updated_at, finished_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, spec=excluded.spec, total=excluded.total,
		   sent=excluded.sent, failed=excluded.failed, deactivated=excluded.deactivated,
		   cursor=excluded.cursor, err=excluded.err, started_at=excluded.started_at,
		   updated_at=excluded.updated_at, finished_at=excluded.finished_at`,
		rec.ID, rec.Status, rec.Spec, rec.Total, rec.Sent, rec.Failed, rec.Deactivated, rec.Cursor,
		nullStr(rec.Error), formatTime(rec.CreatedAt), nullTime(rec.StartedAt), nullTime(rec.UpdatedAt), nullTime(rec.FinishedAt),
	)
	return err
}

const jobColumns = `id, status, spec, total, sent, failed, deactivated, cursor, err, created_at, started_at, updated_at, finished_at`

func (s *sqliteStore) LoadJob(ctx context.Context, id string) (JobRecord, error) {
	return scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
}

func (s *sqliteStore) LatestJob(ctx context.Context) (JobRecord, error) {
	return scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY seq DESC LIMIT 1`))
}

func scanJob(row *sql.Row) (JobRecord, error) {
	var rec JobRecord
	var errStr, started, updated, finished sql.NullString
	var created string
	err := row.Scan(&rec.ID, &rec.Status, &rec.Spec, &rec.Total, &rec.Sent, &rec.Failed, &rec.Deactivated,
		&rec.Cursor, &errStr, &created, &started, &updated, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRecord{}, ErrNotFound
	}
	if err != nil {
		return JobRecord{}, err
	}
	rec.Error = errStr.String
	rec.CreatedAt = parseTime(created)
	rec.StartedAt = parseTime(started.String)
	rec.UpdatedAt = parseTime(updated.String)
	rec.FinishedAt = parseTime(finished.String)
	return rec, nil
}

func (s *sqliteStore) SaveTargets(ctx context.Context, jobID string, targets []Target) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM job_targets WHERE job_id = ?`, jobID); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO job_targets(job_id, idx, recipient_id, language) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, t := range targets {
		if _, err := stmt.ExecContext(ctx, jobID, i, t.ID, t.Language); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) LoadTargets(ctx context.Context, jobID string) ([]Target, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT recipient_id, language FROM job_targets WHERE job_id = ? ORDER BY idx`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Target
	for rows.Next() {
		var t Target
		if err := rows.Scan(&t.ID, &t.Language); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if out == nil {
		var n int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM jobs WHERE id = ?`, jobID).Scan(&n); err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, ErrNotFound
		}
		out = []Target{}
	}
	return out, nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, action, job_id, detail) VALUES(?,?,?,?,?)`,
		formatTime(e.At), e.Actor, e.Action, nullStr(e.JobID), nullStr(e.Detail),
	)
	return err
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
