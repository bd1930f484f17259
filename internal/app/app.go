package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"jobloop/internal/config"
	"jobloop/internal/eventbus"
	"jobloop/internal/observability/admin"
	"jobloop/internal/registry"
	"jobloop/internal/runtime/supervisor"
	"jobloop/internal/scheduler"
	"jobloop/internal/storage"
	logx "jobloop/pkg/logx"
	"jobloop/pkg/systemd"
)

// App wires config, logging, storage and the scheduler into one process.
type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	reg   *registry.Registry
	sched *scheduler.Scheduler
	cp    *scheduler.Checkpointer
	admin *admin.Service

	drained chan struct{}
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	reg := registry.New()
	schedLog := log.With(logx.String("comp", "scheduler"))
	sched := scheduler.New(schedCfg, reg,
		scheduler.WithLogger(schedLog),
		scheduler.WithBus(bus),
		scheduler.WithStore(store),
	)

	// A nil Store must not become a non-nil Journal interface.
	var journal admin.Journal
	if store != nil {
		journal = store
	}

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		reg:     reg,
		sched:   sched,
		cp:      scheduler.NewCheckpointer(sched, schedLog),
		admin:   admin.New(mapAdminConfig(cfg), sched, journal, log),
		drained: make(chan struct{}),
	}, nil
}

// Registry is where units are registered before Start.
func (a *App) Registry() *registry.Registry { return a.reg }

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Drained is closed once the dispatch loop ran out of work.
func (a *App) Drained() <-chan struct{} { return a.drained }

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start launches the background services and the dispatch loop. With restore
// set, the jobs of the last snapshot are rebuilt first; a missing snapshot
// only logs a warning.
//
// On error everything started so far is torn down without touching the
// stored snapshot, so a failed restore can be retried.
func (a *App) Start(ctx context.Context, restore bool) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	if err := a.start(restore); err != nil {
		a.abort()
		return err
	}
	return nil
}

func (a *App) abort() {
	a.cp.Stop()
	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	a.admin.Stop(waitCtx)
	a.sup.Cancel()
	_ = a.sched.Wait(waitCtx)
	_ = a.sup.Wait(waitCtx)
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	a.sup = nil
}

func (a *App) start(restore bool) error {

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if spec := checkpointSpec(cfg); spec != "" {
			if _, err := scheduler.ParseSchedule(spec); err != nil {
				return fmt.Errorf("checkpoint.schedule: %w", err)
			}
		}
		_, _, err := mapStorageConfig(cfg)
		return err
	})

	if a.store != nil {
		a.sup.GoRestart("journal", func(c context.Context) error {
			return scheduler.Journal(c, a.bus, a.store, a.log.With(logx.String("comp", "journal")))
		}, supervisor.WithBackoff(250*time.Millisecond, 5*time.Second))
	}

	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithBackoff(250*time.Millisecond, 5*time.Second))
	a.sup.Go("systemd.watchdog", systemd.Watchdog)
	a.sup.Go("systemd.status", a.statusLoop)

	if spec := checkpointSpec(a.cfgm.Get()); spec != "" {
		if err := a.cp.Start(a.sup.Context(), spec); err != nil {
			return err
		}
	}

	if restore {
		err := a.sched.Restart(a.sup.Context())
		switch {
		case err == nil:
		case errors.Is(err, storage.ErrNoSnapshot):
			a.log.Warn("nothing to restore; starting empty")
			if err := a.sched.Start(a.sup.Context()); err != nil {
				return err
			}
		default:
			return fmt.Errorf("restore: %w", err)
		}
	} else if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("scheduler.wait", func(c context.Context) error {
		err := a.sched.Wait(c)
		if err == nil && c.Err() == nil {
			close(a.drained)
		}
		return err
	})

	a.admin.Start(a.sup.Context())

	if _, err := systemd.Ready(); err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
	}
	a.log.Info("app started", logx.Bool("restore", restore), logx.Int("units", len(a.reg.Names())))
	return nil
}

// statusLoop mirrors the scheduler counters into the systemd unit status and
// reports lost bus events.
func (a *App) statusLoop(c context.Context) error {
	t := time.NewTicker(statusEvery)
	defer t.Stop()
	var lastDropped uint64
	for {
		select {
		case <-c.Done():
			return nil
		case <-t.C:
		}
		if _, err := systemd.Status(statusLine(a.sched.Snapshot())); err != nil {
			a.log.Debug("sd_notify failed", logx.Err(err))
		}
		if d := a.bus.Dropped(); d > lastDropped {
			a.log.Warn("event bus dropped events (slow subscriber)", logx.Uint64("dropped", d-lastDropped))
			lastDropped = d
		}
	}
}

const statusEvery = 10 * time.Second

func statusLine(st scheduler.Stats) string {
	return fmt.Sprintf("pool %d/%d, overflow %d, parked %d, completed %d, failed %d",
		st.PoolLen, st.PoolSize, st.OverflowLen, st.Parked, st.Completed, st.Failed)
}

func (a *App) reloadLoop(c context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-c.Done():
			return nil
		case cfg, ok := <-sub:
			if !ok {
				return nil
			}
			newCfg = cfg
		}
		// Coalesce bursts: keep only the latest config in the channel.
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					newCfg = newer
				}
			default:
				break drain
			}
		}
		a.apply(c, lastApplied, newCfg)
		lastApplied = newCfg
	}
}

func (a *App) apply(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
			break
		}
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if sc, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
	}

	a.admin.Reconfigure(c, mapAdminConfig(newCfg))

	if err := a.cp.Start(c, checkpointSpec(newCfg)); err != nil {
		a.log.Warn("invalid checkpoint schedule; keeping previous", logx.Err(err))
	}

	fields := append([]logx.Field{logx.Strings("changed", sections)}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop persists the pending jobs and shuts everything down.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
	}

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	var firstErr error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", name, err)
			}
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("admin", 2*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("checkpoint", 0, func(context.Context) error { a.cp.Stop(); return nil })
	// The scheduler writes its snapshot before anything below goes away.
	step("scheduler", 10*time.Second, a.sched.Stop)
	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return firstErr
}
