package broadcast

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"pewcast/internal/storage"
	"pewcast/internal/transport"
	logx "pewcast/pkg/logx"
)

// Dispatcher drives one job from its cursor to a terminal state.
type Dispatcher struct {
	store   storage.Store
	channel transport.Channel
	gov     *Governor
	log     logx.Logger
	now     func() time.Time

	mu  sync.Mutex
	cfg Config
}

func NewDispatcher(cfg Config, store storage.Store, channel transport.Channel, gov *Governor, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		cfg:     cfg.withDefaults(),
		store:   store,
		channel: channel,
		gov:     gov,
		log:     log,
		now:     time.Now,
	}
}

func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg.withDefaults()
	d.mu.Unlock()
}

func (d *Dispatcher) config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Run processes targets[job.Cursor:] batch by batch. cancelled is polled
// before every batch; publish receives a copy of the job after every
// persisted change.
//
// A nil error means the job reached a terminal state. If ctx ends, Run
// returns ctx.Err() and the in-flight batch is dropped unpersisted, so the
// stored job stays running at its last cursor.
func (d *Dispatcher) Run(ctx context.Context, job *Job, targets []storage.Target, cancelled func() bool, publish func(Job)) error {
	if len(targets) != job.Total {
		err := errors.Newf("target snapshot has %d entries, job expects %d", len(targets), job.Total)
		d.terminate(ctx, job, publish, func(now time.Time) { job.fail(now, err) })
		return nil
	}
	log := d.log.With(logx.String("job", job.ID))

	for job.Cursor < job.Total {
		if cancelled() {
			d.terminate(ctx, job, publish, job.cancel)
			log.Info("broadcast cancelled", logx.Int("cursor", job.Cursor), logx.Int("total", job.Total))
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		cfg := d.config()
		end := min(job.Cursor+cfg.BatchSize, job.Total)
		batch := targets[job.Cursor:end]

		batchStart := time.Now()
		results := d.sendBatch(ctx, cfg, job, batch)
		if err := ctx.Err(); err != nil {
			log.Debug("shutdown during batch; results discarded", logx.Int("cursor", job.Cursor))
			return err
		}

		// the batch has been sent; record it even if shutdown starts now
		wctx := context.WithoutCancel(ctx)
		next := *job
		if err := d.account(wctx, cfg, &next, batch, results); err != nil {
			log.Error("recipient store write failed", logx.Err(err))
			d.terminate(ctx, job, publish, func(now time.Time) { job.fail(now, err) })
			return nil
		}
		next.Cursor = end
		next.UpdatedAt = d.now()
		if err := d.persist(wctx, &next); err != nil {
			log.Error("job record persist failed", logx.Err(err), logx.Int("cursor", job.Cursor))
			d.terminate(ctx, job, publish, func(now time.Time) { job.fail(now, err) })
			return nil
		}
		*job = next
		publish(*job)
		log.Debug("batch done",
			logx.Int("cursor", job.Cursor),
			logx.Int("sent", job.Sent),
			logx.Int("failed", job.Failed),
			logx.Int("deactivated", job.Deactivated),
		)

		if job.Cursor < job.Total && !cancelled() {
			if err := d.gov.ThrottleBatch(ctx, batchStart); err != nil {
				return err
			}
		}
	}

	d.terminate(ctx, job, publish, job.complete)
	return nil
}

// sendBatch sends to every batch member concurrently and returns one
// result per member, in batch order.
func (d *Dispatcher) sendBatch(ctx context.Context, cfg Config, job *Job, batch []storage.Target) []error {
	results := make([]error, len(batch))
	var g errgroup.Group
	g.SetLimit(cfg.BatchSize)
	for i, t := range batch {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					d.log.Error("panic in broadcast send", logx.String("job", job.ID), logx.String("recipient", t.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					results[i] = errors.Newf("send panicked: %v", r)
				}
			}()
			results[i] = d.deliver(ctx, cfg, job, t)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// deliver makes up to cfg.RetryMax attempts, each paced by the governor.
func (d *Dispatcher) deliver(ctx context.Context, cfg Config, job *Job, t storage.Target) error {
	text := job.Content.TextFor(t.Language)
	opt := &transport.SendOptions{ParseMode: job.Content.ParseMode}

	var last error
	for attempt := 1; attempt <= cfg.RetryMax; attempt++ {
		if err := d.gov.ThrottleMessage(ctx); err != nil {
			return err
		}
		last = d.sendOnce(ctx, cfg, t.ID, text, opt)
		if last == nil {
			return nil
		}
		if Classify(last) == PermanentFailure || attempt == cfg.RetryMax || ctx.Err() != nil {
			return last
		}

		delay := time.Duration(attempt) * cfg.RetryBase
		if hint, ok := transport.RetryAfterHint(last); ok && hint > delay {
			delay = hint
		}
		d.log.Debug("broadcast send retry scheduled",
			logx.String("job", job.ID),
			logx.String("recipient", t.ID),
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay),
			logx.Err(last),
		)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
	return last
}

func (d *Dispatcher) sendOnce(ctx context.Context, cfg Config, to, text string, opt *transport.SendOptions) error {
	if cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.SendTimeout)
		defer cancel()
	}
	return d.channel.Send(ctx, to, text, opt)
}

// account applies batch outcomes to job. A failed recipient-store write
// aborts accounting; job is then left unchanged by the caller.
func (d *Dispatcher) account(ctx context.Context, cfg Config, job *Job, batch []storage.Target, results []error) error {
	for i, err := range results {
		switch Classify(err) {
		case Success:
			job.Sent++
		case TransientFailure:
			job.Failed++
		case PermanentFailure:
			job.Failed++
			if !cfg.DeactivateOnPermanent {
				continue
			}
			werr := d.store.SetRecipientActive(ctx, batch[i].ID, false)
			if werr != nil && !errors.Is(werr, storage.ErrNotFound) {
				return errors.Wrapf(werr, "deactivate recipient %s", batch[i].ID)
			}
			job.Deactivated++
		}
	}
	return nil
}

func (d *Dispatcher) persist(ctx context.Context, job *Job) error {
	rec, err := job.record()
	if err != nil {
		return err
	}
	return errors.Wrap(d.store.SaveJob(ctx, rec), "save job")
}

// terminate applies a terminal transition and persists it best-effort.
func (d *Dispatcher) terminate(ctx context.Context, job *Job, publish func(Job), transition func(time.Time)) {
	transition(d.now())
	if err := d.persist(context.WithoutCancel(ctx), job); err != nil {
		d.log.Warn("final job state not persisted", logx.String("job", job.ID), logx.String("status", string(job.Status)), logx.Err(err))
	}
	publish(*job)
}
