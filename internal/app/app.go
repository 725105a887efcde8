// Package app wires config, logging, storage, the Telegram channel and the
// broadcast service into one process.
package app

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"pewcast/internal/broadcast"
	"pewcast/internal/config"
	"pewcast/internal/httpapi"
	rtsup "pewcast/internal/runtime/supervisor"
	"pewcast/internal/scheduler"
	"pewcast/internal/storage"
	"pewcast/internal/transport/telegram"
	logx "pewcast/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	store storage.Store

	tg    *telegram.Adapter
	bc    *broadcast.Service
	sched *scheduler.Service
	http  *httpapi.Server
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	// the Telegram sink needs the adapter, which needs a logger: start plain, wire the sender later
	logSvc, log := logx.New(mapLogging(cfg), nil)

	tgCfg, err := mapTelegram(cfg)
	if err != nil {
		return nil, err
	}
	tg, err := telegram.New(tgCfg, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}
	logSvc.SetSender(tg)

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	bcCfg, err := mapBroadcast(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	bc := broadcast.New(bcCfg, store, tg, log.With(logx.String("comp", "broadcast")))
	tg.Bind(store, bc)

	sched := scheduler.New(bc, log.With(logx.String("comp", "scheduler")))
	entries, err := mapSchedules(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := sched.Apply(entries); err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &App{
		cfgm:  cfgm,
		log:   log.With(logx.String("comp", "app")),
		logs:  logSvc,
		store: store,
		tg:    tg,
		bc:    bc,
		sched: sched,
	}
	a.http = httpapi.New(mapHTTP(cfg), bc, store, a.health, log.With(logx.String("comp", "http")))
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) health() map[string]rtsup.Snapshot {
	out := map[string]rtsup.Snapshot{}
	if a.sup != nil {
		out["app"] = a.sup.Snapshot()
	}
	if sup := a.tg.Supervisor(); sup != nil {
		out["telegram"] = sup.Snapshot()
	}
	if sup := a.http.Supervisor(); sup != nil {
		out["http"] = sup.Snapshot()
	}
	return out
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	if err := a.tg.Start(a.sup.Context()); err != nil {
		return err
	}

	// a job left running by a previous process continues before new triggers fire
	if err := a.bc.Resume(a.sup.Context()); err != nil {
		a.log.Error("resume failed", logx.Err(err))
	}

	a.sched.Start(a.sup.Context())
	a.http.Start(a.sup.Context())

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, last, cfg)
				last = cfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

// applyConfig pushes a validated reload into the running components.
func (a *App) applyConfig(ctx context.Context, prev, cfg *config.Config) {
	sections, attrs := config.SummarizeChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("some config changes need a restart", logx.String("sections", strings.Join(restart, ",")))
	}
	if prev != nil && (prev.Telegram.Token != cfg.Telegram.Token || prev.Telegram.APIURL != cfg.Telegram.APIURL) {
		a.log.Warn("telegram token or api_url changed; restart required")
	}

	a.logs.Apply(mapLogging(cfg))

	if tgCfg, err := mapTelegram(cfg); err == nil {
		a.tg.Apply(tgCfg)
	}

	if bcCfg, err := mapBroadcast(cfg); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		a.bc.Apply(bcCfg)
	}

	if entries, err := mapSchedules(cfg); err != nil {
		a.log.Warn("invalid schedules; keeping previous", logx.Err(err))
	} else if err := a.sched.Apply(entries); err != nil {
		a.log.Warn("schedules rejected", logx.Err(err))
	}

	a.http.Reconfigure(ctx, mapHTTP(cfg))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// bound each step so one component can't stall the whole stop
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- errors.Newf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	// an in-flight batch is dropped; the job stays running at its cursor and resumes next start
	step("broadcast", 5*time.Second, func(c context.Context) error { a.bc.Stop(c); return nil })
	step("telegram", 3*time.Second, a.tg.Stop)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}
