package storage

import (
	"context"
	"strings"
	"sync"
	"time"
)

// memoryStore keeps everything in process memory. Used for tests and
// for deployments that do not need restart survival.
type memoryStore struct {
	mu sync.RWMutex

	order      []string
	recipients map[string]Recipient

	jobs     map[string]JobRecord
	jobOrder []string
	latest   string
	targets  map[string][]Target

	audit []AuditEntry

	closed bool
}

func NewMemory() Store {
	return &memoryStore{
		recipients: map[string]Recipient{},
		jobs:       map[string]JobRecord{},
		targets:    map[string][]Target{},
	}
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) QueryRecipients(ctx context.Context, q RecipientQuery) ([]Recipient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]Recipient, 0, len(s.order))
	for _, id := range s.order {
		r := s.recipients[id]
		if q.Match(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memoryStore) UpsertRecipient(ctx context.Context, r Recipient) error {
	r.ID = strings.TrimSpace(r.ID)
	if r.ID == "" {
		return nil
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.recipients[r.ID]; !ok {
		s.order = append(s.order, r.ID)
	}
	s.recipients[r.ID] = r
	return nil
}

func (s *memoryStore) SetRecipientActive(ctx context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	r, ok := s.recipients[id]
	if !ok {
		return ErrNotFound
	}
	if r.Active == active {
		return nil
	}
	r.Active = active
	r.UpdatedAt = time.Now()
	s.recipients[id] = r
	return nil
}

func (s *memoryStore) SaveJob(ctx context.Context, rec JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.jobs[rec.ID]; !ok {
		s.latest = rec.ID
		s.jobOrder = append(s.jobOrder, rec.ID)
	}
	rec.Spec = append([]byte(nil), rec.Spec...)
	s.jobs[rec.ID] = rec
	return nil
}

func (s *memoryStore) LoadJob(ctx context.Context, id string) (JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return JobRecord{}, ErrClosed
	}
	rec, ok := s.jobs[id]
	if !ok {
		return JobRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *memoryStore) LatestJob(ctx context.Context) (JobRecord, error) {
	s.mu.RLock()
	id := s.latest
	s.mu.RUnlock()
	if id == "" {
		return JobRecord{}, ErrNotFound
	}
	return s.LoadJob(ctx, id)
}

func (s *memoryStore) SaveTargets(ctx context.Context, jobID string, targets []Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.targets[jobID] = append([]Target(nil), targets...)
	return nil
}

func (s *memoryStore) LoadTargets(ctx context.Context, jobID string) ([]Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	t, ok := s.targets[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]Target(nil), t...), nil
}

func (s *memoryStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.audit = append(s.audit, e)
	return nil
}

func (s *memoryStore) recipient(id string) (Recipient, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.recipients[id]
	return r, ok
}

func (s *memoryStore) snapshot() fileSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := fileSnapshot{
		Recipients: make([]Recipient, 0, len(s.order)),
		Jobs:       make([]JobRecord, 0, len(s.jobOrder)),
		Latest:     s.latest,
	}
	for _, id := range s.order {
		snap.Recipients = append(snap.Recipients, s.recipients[id])
	}
	for _, id := range s.jobOrder {
		snap.Jobs = append(snap.Jobs, s.jobs[id])
	}
	return snap
}

func (s *memoryStore) restore(snap fileSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range snap.Recipients {
		if _, ok := s.recipients[r.ID]; !ok {
			s.order = append(s.order, r.ID)
		}
		s.recipients[r.ID] = r
	}
	for _, j := range snap.Jobs {
		if _, ok := s.jobs[j.ID]; !ok {
			s.jobOrder = append(s.jobOrder, j.ID)
		}
		s.jobs[j.ID] = j
	}
	if snap.Latest != "" {
		s.latest = snap.Latest
	}
}
