// Package scheduler starts broadcasts on cron schedules.
//
// Specs use robfig/cron syntax with optional seconds, descriptors such as
// "@daily" or "@every 6h", and an optional "CRON_TZ=Area/City " prefix.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"pewcast/internal/broadcast"
	logx "pewcast/pkg/logx"
)

// Entry is one scheduled broadcast. Exactly one of Template or Content is set.
type Entry struct {
	Name     string
	Spec     string
	Filter   broadcast.Filter
	Template string
	Content  *broadcast.Content
}

// Starter is the part of broadcast.Service the scheduler drives.
type Starter interface {
	Start(ctx context.Context, actor string, f broadcast.Filter, c broadcast.Content) (broadcast.StartResult, error)
	Template(name string) (broadcast.Content, bool)
}

type Service struct {
	log     logx.Logger
	starter Starter
	parser  cron.Parser

	mu      sync.Mutex
	entries []Entry
	ids     map[string]cron.EntryID
	c       *cron.Cron
	ctx     context.Context
}

func New(starter Starter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:     log,
		starter: starter,
		parser:  newParser(),
	}
}

func newParser() cron.Parser {
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// Validate checks names, specs and the template/content choice of every entry.
func Validate(entries []Entry) error {
	p := newParser()
	seen := map[string]bool{}
	for i, e := range entries {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			return errors.Newf("schedules[%d]: name is required", i)
		}
		if seen[name] {
			return errors.Newf("schedules[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
		if _, err := p.Parse(e.Spec); err != nil {
			return errors.Wrapf(err, "schedules[%d] %s: spec %q", i, name, e.Spec)
		}
		if (e.Template == "") == (e.Content == nil) {
			return errors.Newf("schedules[%d] %s: set exactly one of template or content", i, name)
		}
		if e.Content != nil {
			if err := e.Content.Validate(); err != nil {
				return errors.Wrapf(err, "schedules[%d] %s", i, name)
			}
		}
	}
	return nil
}

// Apply replaces the schedule set. A running cron is rebuilt.
func (s *Service) Apply(entries []Entry) error {
	if err := Validate(entries); err != nil {
		return err
	}
	s.mu.Lock()
	s.entries = append([]Entry(nil), entries...)
	var old *cron.Cron
	if s.c != nil {
		old = s.c
		s.startCronLocked()
	}
	s.mu.Unlock()

	// a firing entry takes mu, so wait for the old cron unlocked
	if old != nil {
		<-old.Stop().Done()
	}
	return nil
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.startCronLocked()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c, s.ids = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) startCronLocked() {
	s.c = cron.New(cron.WithParser(s.parser), cron.WithChain(cron.Recover(cronLogger{s.log})))
	s.ids = map[string]cron.EntryID{}
	for _, e := range s.entries {
		name := e.Name
		id, err := s.c.AddFunc(e.Spec, func() { s.Fire(name) })
		if err != nil {
			s.log.Error("schedule rejected", logx.String("name", name), logx.Err(err))
			continue
		}
		s.ids[name] = id
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.Int("schedules", len(s.entries)))
}

// Next returns the next fire time per entry name while running.
func (s *Service) Next() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]time.Time{}
	if s.c == nil {
		return out
	}
	for name, id := range s.ids {
		out[name] = s.c.Entry(id).Next
	}
	return out
}

// Fire starts the named schedule's broadcast now. A broadcast that is
// already running makes this trigger a logged no-op.
func (s *Service) Fire(name string) {
	s.mu.Lock()
	var entry *Entry
	for i := range s.entries {
		if s.entries[i].Name == name {
			e := s.entries[i]
			entry = &e
			break
		}
	}
	ctx := s.ctx
	s.mu.Unlock()
	if entry == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	log := s.log.With(logx.String("schedule", name))
	var content broadcast.Content
	if entry.Content != nil {
		content = *entry.Content
	} else {
		c, ok := s.starter.Template(entry.Template)
		if !ok {
			log.Error("scheduled broadcast skipped: unknown template", logx.String("template", entry.Template))
			return
		}
		content = c
	}

	sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	res, err := s.starter.Start(sctx, "schedule:"+name, entry.Filter, content)
	switch {
	case errors.Is(err, broadcast.ErrAlreadyRunning):
		log.Warn("scheduled broadcast skipped: another broadcast is running")
	case err != nil:
		log.Error("scheduled broadcast failed to start", logx.Err(err))
	default:
		log.Info("scheduled broadcast started", logx.String("job", res.JobID), logx.Int("total", res.Total))
	}
}

// cronLogger adapts logx to cron.Logger for the Recover wrapper.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
