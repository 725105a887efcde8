package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	logx "pewcast/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl          (append-only JSON Lines)
//   - <prefix>.snapshot.json        (recipients + jobs, periodic snapshot)
//   - <prefix>.journal.jsonl        (append-only journal)
//   - <prefix>.targets/<job>.json   (frozen target list per job)
//
// The journal is compacted into the snapshot every compactEvery writes and on Close.
// Job records are fsynced as they are written, so a host crash loses at most
// the batch in flight; recipient updates reach disk with the next job write.
type fileStore struct {
	log logx.Logger
	mem *memoryStore

	mu sync.Mutex

	auditFile    *os.File
	snapshotPath string
	journalFile  *os.File
	targetsDir   string

	writes       int
	compactEvery int

	fsync func(*os.File) error
}

type fileSnapshot struct {
	Recipients []Recipient `json:"recipients"`
	Jobs       []JobRecord `json:"jobs"`
	Latest     string      `json:"latest"`
}

type journalRecord struct {
	Recipient *Recipient `json:"r,omitempty"`
	Job       *JobRecord `json:"j,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	targetsDir := prefix + ".targets"
	if err := os.MkdirAll(targetsDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}

	mem := NewMemory().(*memoryStore)
	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"
	if err := loadSnapshot(snapPath, mem); err != nil && !os.IsNotExist(err) {
		log.Warn("storage snapshot unreadable", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, mem); err != nil && !os.IsNotExist(err) {
		log.Warn("storage journal replay failed", logx.String("path", journalPath), logx.Err(err))
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open audit file")
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, errors.Wrap(err, "open journal")
	}

	return &fileStore{
		log:          log,
		mem:          mem,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
		targetsDir:   targetsDir,
		compactEvery: 1000,
		fsync:        (*os.File).Sync,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	var errs error
	if err := s.compactLocked(); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	errs = errors.CombineErrors(errs, s.auditFile.Close())
	errs = errors.CombineErrors(errs, s.journalFile.Close())
	s.auditFile = nil
	s.journalFile = nil
	_ = s.mem.Close()
	return errs
}

func (s *fileStore) QueryRecipients(ctx context.Context, q RecipientQuery) ([]Recipient, error) {
	return s.mem.QueryRecipients(ctx, q)
}

func (s *fileStore) UpsertRecipient(ctx context.Context, r Recipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.UpsertRecipient(ctx, r); err != nil {
		return err
	}
	stored, ok := s.mem.recipient(strings.TrimSpace(r.ID))
	if !ok {
		return nil
	}
	return s.appendLocked(journalRecord{Recipient: &stored})
}

func (s *fileStore) SetRecipientActive(ctx context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	before, ok := s.mem.recipient(id)
	if !ok {
		return ErrNotFound
	}
	if before.Active == active {
		return nil
	}
	if err := s.mem.SetRecipientActive(ctx, id, active); err != nil {
		return err
	}
	after, _ := s.mem.recipient(id)
	return s.appendLocked(journalRecord{Recipient: &after})
}

func (s *fileStore) SaveJob(ctx context.Context, rec JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.SaveJob(ctx, rec); err != nil {
		return err
	}
	if err := s.appendLocked(journalRecord{Job: &rec}); err != nil {
		return err
	}
	return errors.Wrap(s.fsync(s.journalFile), "sync journal")
}

func (s *fileStore) LoadJob(ctx context.Context, id string) (JobRecord, error) {
	return s.mem.LoadJob(ctx, id)
}

func (s *fileStore) LatestJob(ctx context.Context) (JobRecord, error) {
	return s.mem.LatestJob(ctx)
}

func (s *fileStore) SaveTargets(ctx context.Context, jobID string, targets []Target) error {
	if err := s.mem.SaveTargets(ctx, jobID, targets); err != nil {
		return err
	}
	return writeJSONAtomic(s.targetsPath(jobID), targets)
}

func (s *fileStore) LoadTargets(ctx context.Context, jobID string) ([]Target, error) {
	if t, err := s.mem.LoadTargets(ctx, jobID); err == nil {
		return t, nil
	}
	f, err := os.Open(s.targetsPath(jobID))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []Target
	if err := json.NewDecoder(f).Decode(&out); err != nil {
		return nil, errors.Wrapf(err, "decode targets of job %s", jobID)
	}
	_ = s.mem.SaveTargets(ctx, jobID, out)
	return out, nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) targetsPath(jobID string) string {
	return filepath.Join(s.targetsDir, filepath.Base(jobID)+".json")
}

func (s *fileStore) appendLocked(rec journalRecord) error {
	if s.journalFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journalFile).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		// best-effort; the journal still holds everything
		if err := s.compactLocked(); err != nil {
			s.log.Debug("storage compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	snap := s.mem.snapshot()
	if err := writeJSONAtomic(s.snapshotPath, snap); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err := s.journalFile.Seek(0, 2)
	return err
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadSnapshot(path string, mem *memoryStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	mem.restore(snap)
	return nil
}

func replayJournal(path string, mem *memoryStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	ctx := context.Background()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			// torn tail write
			continue
		}
		if rec.Recipient != nil {
			_ = mem.UpsertRecipient(ctx, *rec.Recipient)
		}
		if rec.Job != nil {
			_ = mem.SaveJob(ctx, *rec.Job)
		}
	}
	return sc.Err()
}
