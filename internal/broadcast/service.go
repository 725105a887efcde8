package broadcast

import (
	"context"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"pewcast/internal/storage"
	"pewcast/internal/transport"
	logx "pewcast/pkg/logx"
)

// Service is the job controller: it owns the single running job and
// exposes start, cancel and status.
type Service struct {
	mu  sync.Mutex
	cfg Config

	store      storage.Store
	selector   *Selector
	gov        *Governor
	dispatcher *Dispatcher
	log        logx.Logger
	now        func() time.Time

	// guarded by mu
	active *run

	snapshot atomic.Pointer[Job]

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

type run struct {
	id        string
	cancelled atomic.Bool
	done      chan struct{}
}

func New(cfg Config, store storage.Store, channel transport.Channel, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	gov := NewGovernor(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:        cfg,
		store:      store,
		selector:   NewSelector(store),
		gov:        gov,
		dispatcher: NewDispatcher(cfg, store, channel, gov, log),
		log:        log,
		now:        time.Now,
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// Apply re-applies rate and retry settings; a running job picks them up at
// its next batch.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.gov.Apply(cfg)
	s.dispatcher.Apply(cfg)
	s.log.Debug("broadcast config applied",
		logx.Int("rate_per_sec", cfg.RatePerSec),
		logx.Int("rate_per_minute", cfg.RatePerMinute),
		logx.Int("batch_size", cfg.BatchSize),
		logx.Duration("batch_interval", cfg.BatchInterval),
	)
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Template returns a configured content template by name.
func (s *Service) Template(name string) (Content, bool) {
	cfg := s.config()
	c, ok := cfg.Templates[name]
	return c, ok
}

// Start selects recipients, persists a new running job and dispatches it in
// the background. actor is recorded in the audit log.
func (s *Service) Start(ctx context.Context, actor string, f Filter, c Content) (StartResult, error) {
	cfg := s.config()
	f, err := f.Normalize(cfg.Languages)
	if err != nil {
		return StartResult{}, err
	}
	if err := c.Validate(); err != nil {
		return StartResult{}, err
	}

	r := &run{id: uuid.NewString(), done: make(chan struct{})}
	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		return StartResult{}, ErrAlreadyRunning
	}
	s.active = r
	s.mu.Unlock()

	job, targets, err := s.create(ctx, r.id, f, c)
	if err != nil {
		s.release(r)
		return StartResult{}, err
	}

	s.audit(ctx, actor, "broadcast.start", job.ID, "total="+strconv.Itoa(job.Total))
	s.log.Info("broadcast started",
		logx.String("job", job.ID),
		logx.String("actor", actor),
		logx.String("language", f.Language),
		logx.Int("total", job.Total),
	)
	s.launch(r, job, targets)
	return StartResult{JobID: job.ID, Total: job.Total}, nil
}

func (s *Service) create(ctx context.Context, id string, f Filter, c Content) (*Job, []storage.Target, error) {
	targets, err := s.selector.Select(ctx, f)
	if err != nil {
		return nil, nil, err
	}
	now := s.now()
	job := &Job{
		ID:        id,
		Status:    StatusIdle,
		Filter:    f,
		Content:   c,
		Total:     len(targets),
		CreatedAt: now,
	}
	if err := job.start(now); err != nil {
		return nil, nil, err
	}
	rec, err := job.record()
	if err != nil {
		return nil, nil, err
	}
	if err := s.store.SaveJob(ctx, rec); err != nil {
		return nil, nil, errors.Mark(errors.Wrap(err, "save job"), ErrStoreUnavailable)
	}
	if err := s.store.SaveTargets(ctx, job.ID, targets); err != nil {
		job.fail(s.now(), err)
		if rec, rerr := job.record(); rerr == nil {
			_ = s.store.SaveJob(context.WithoutCancel(ctx), rec)
		}
		return nil, nil, errors.Mark(errors.Wrap(err, "save targets"), ErrStoreUnavailable)
	}
	return job, targets, nil
}

func (s *Service) launch(r *run, job *Job, targets []storage.Target) {
	s.publish(*job)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(r)
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("panic in broadcast dispatcher", logx.String("job", job.ID), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
			}
		}()

		start := time.Now()
		if err := s.dispatcher.Run(s.baseCtx, job, targets, r.cancelled.Load, s.publish); err != nil {
			s.log.Info("broadcast interrupted; will resume on next start", logx.String("job", job.ID), logx.Int("cursor", job.Cursor))
			return
		}
		fields := []logx.Field{
			logx.String("job", job.ID),
			logx.String("status", string(job.Status)),
			logx.Int("total", job.Total),
			logx.Int("sent", job.Sent),
			logx.Int("failed", job.Failed),
			logx.Int("deactivated", job.Deactivated),
			logx.Duration("dur", time.Since(start)),
		}
		switch job.Status {
		case StatusFailed:
			s.log.Error("broadcast failed", append(fields, logx.String("err", job.Error))...)
		case StatusCompleted:
			s.log.Info("broadcast finished", fields...)
		default:
			s.log.Warn("broadcast stopped", fields...)
		}
		s.audit(context.Background(), "system", "broadcast."+string(job.Status), job.ID,
			"sent="+strconv.Itoa(job.Sent)+" failed="+strconv.Itoa(job.Failed))
	}()
}

func (s *Service) release(r *run) {
	s.mu.Lock()
	if s.active == r {
		s.active = nil
	}
	s.mu.Unlock()
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

func (s *Service) publish(j Job) {
	s.snapshot.Store(&j)
}

// Cancel raises the cancel signal for jobID. It reports whether a running
// job was signalled; the stop itself happens at the next batch boundary.
func (s *Service) Cancel(ctx context.Context, actor, jobID string) bool {
	s.mu.Lock()
	r := s.active
	s.mu.Unlock()
	if r == nil || r.id != jobID {
		return false
	}
	if r.cancelled.Swap(true) {
		return true
	}
	s.audit(ctx, actor, "broadcast.cancel", jobID, "")
	s.log.Info("broadcast cancel requested", logx.String("job", jobID), logx.String("actor", actor))
	return true
}

// Running returns the id of the running job, if any.
func (s *Service) Running() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return "", false
	}
	return s.active.id, true
}

// Current returns progress of the most recent job.
func (s *Service) Current(ctx context.Context) (Progress, error) {
	if j := s.snapshot.Load(); j != nil {
		return NewProgress(*j, s.now()), nil
	}
	rec, err := s.store.LatestJob(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return Progress{}, ErrJobNotFound
	}
	if err != nil {
		return Progress{}, errors.Mark(err, ErrStoreUnavailable)
	}
	j, err := jobFromRecord(rec)
	if err != nil {
		return Progress{}, err
	}
	return NewProgress(*j, s.now()), nil
}

// Status returns progress of jobID. It never mutates state.
func (s *Service) Status(ctx context.Context, jobID string) (Progress, error) {
	if j := s.snapshot.Load(); j != nil && j.ID == jobID {
		return NewProgress(*j, s.now()), nil
	}
	rec, err := s.store.LoadJob(ctx, jobID)
	if errors.Is(err, storage.ErrNotFound) {
		return Progress{}, ErrJobNotFound
	}
	if err != nil {
		return Progress{}, errors.Mark(err, ErrStoreUnavailable)
	}
	j, err := jobFromRecord(rec)
	if err != nil {
		return Progress{}, err
	}
	return NewProgress(*j, s.now()), nil
}

// Resume continues the latest persisted job if a previous process left it
// running. It is a no-op otherwise.
func (s *Service) Resume(ctx context.Context) error {
	rec, err := s.store.LatestJob(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "load latest job")
	}
	job, err := jobFromRecord(rec)
	if err != nil {
		return err
	}
	if job.Status != StatusRunning {
		s.publish(*job)
		return nil
	}
	targets, err := s.store.LoadTargets(ctx, job.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return errors.Wrapf(err, "load targets of job %s", job.ID)
	}

	r := &run{id: job.ID, done: make(chan struct{})}
	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.active = r
	s.mu.Unlock()

	s.log.Info("resuming broadcast", logx.String("job", job.ID), logx.Int("cursor", job.Cursor), logx.Int("total", job.Total))
	s.audit(ctx, "system", "broadcast.resume", job.ID, "cursor="+strconv.Itoa(job.Cursor))
	s.launch(r, job, targets)
	return nil
}

// Wait blocks until no job is running or ctx ends.
func (s *Service) Wait(ctx context.Context) error {
	s.mu.Lock()
	r := s.active
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop interrupts dispatch and waits for the worker to exit. An interrupted
// job stays running in the store and is picked up by Resume.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.baseCancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	case <-ctx.Done():
		s.log.Warn("service stop timed out; dispatcher still draining")
	}
}

func (s *Service) audit(ctx context.Context, actor, action, jobID, detail string) {
	err := s.store.AppendAudit(context.WithoutCancel(ctx), storage.AuditEntry{
		At:     s.now(),
		Actor:  actor,
		Action: action,
		JobID:  jobID,
		Detail: detail,
	})
	if err != nil {
		s.log.Warn("audit append failed", logx.String("action", action), logx.Err(err))
	}
}
