// Package app assembles the daemon: config, logging, storage, the tool
// registry, the execution pipeline and its supervised loops.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"toolq/internal/batch"
	"toolq/internal/cache"
	"toolq/internal/config"
	"toolq/internal/eventbus"
	"toolq/internal/job"
	"toolq/internal/notify"
	"toolq/internal/observability/debughttp"
	"toolq/internal/queue"
	"toolq/internal/runner"
	rtsup "toolq/internal/runtime/supervisor"
	"toolq/internal/schedule"
	"toolq/internal/storage"
	"toolq/internal/tool"
	"toolq/internal/worker"
	logx "toolq/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	registry *tool.StaticRegistry
	cache    *cache.Cache
	notif    *notify.Service
	run      *runner.Runner
	queue    *queue.Queue
	pool     *worker.Pool
	sched    *schedule.Service
	batches  *batch.Coordinator

	debug *debughttp.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	sc, err := cfg.BuildStorage()
	if err != nil {
		return nil, err
	}
	if sc.Driver != "" {
		store, err = storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	defs, err := cfg.BuildTools()
	if err != nil {
		return nil, err
	}
	registry, err := tool.NewStatic(defs)
	if err != nil {
		return nil, err
	}

	resultCache := cache.New(cfg.Cache.Capacity)

	var notifCfg notify.Config
	notifEnabled := true
	if cfg.Notify != nil {
		notifEnabled = cfg.Notify.Enabled
		notifCfg = notify.Config{
			Workers:    cfg.Notify.Workers,
			QueueSize:  cfg.Notify.QueueSize,
			RatePerSec: cfg.Notify.RatePerSec,
		}
	}
	var notif *notify.Service
	if notifEnabled {
		notif = notify.New(notifCfg, notify.LogSink{Log: log.With(logx.String("comp", "notify.sink"))},
			log.With(logx.String("comp", "notify")), bus)
	}

	timeoutPolicy, err := cfg.BuildTimeoutPolicy()
	if err != nil {
		return nil, err
	}
	retryPolicy, err := cfg.BuildRetryPolicy()
	if err != nil {
		return nil, err
	}

	run := runner.New(runner.Config{
		Timeout:      timeoutPolicy,
		DefaultRetry: retryPolicy,
	}, runner.OSLauncher{}, registry, resultCache, store, notif, bus,
		log.With(logx.String("comp", "runner")))

	q := queue.New(queue.Config{GlobalCap: cfg.Queue.GlobalCap},
		log.With(logx.String("comp", "queue")), bus)

	pollInterval, stopGrace, err := cfg.WorkerDurations()
	if err != nil {
		return nil, err
	}
	pool := worker.New(worker.Config{
		Count:        cfg.Workers.Count,
		PollInterval: pollInterval,
		StopGrace:    stopGrace,
	}, q, run, store, log.With(logx.String("comp", "worker")))

	var sched *schedule.Service
	if store != nil {
		schedPoll, err := cfg.SchedulerPollInterval()
		if err != nil {
			return nil, err
		}
		sched = schedule.New(schedule.Config{
			PollInterval: schedPoll,
			BatchLimit:   cfg.Scheduler.BatchLimit,
		}, store, q, log.With(logx.String("comp", "schedule")))
	}

	batches := batch.NewCoordinator(run, store, log.With(logx.String("comp", "batch")))

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		registry: registry,
		cache:    resultCache,
		notif:    notif,
		run:      run,
		queue:    q,
		pool:     pool,
		sched:    sched,
		batches:  batches,
	}

	a.debug = debughttp.New(debughttp.Config{
		Enabled:     cfg.Metrics.Enabled,
		Addr:        cfg.Metrics.Addr,
		ReadTimeout: 5 * time.Second,
	}, log.With(logx.String("comp", "debughttp")))

	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		// Reject a reload whose tool table wouldn't install.
		defs, err := cfg.BuildTools()
		if err != nil {
			return err
		}
		probe := &tool.StaticRegistry{}
		return probe.Replace(defs)
	})

	if a.store != nil {
		if err := a.recoverJobs(a.sup.Context()); err != nil {
			return err
		}
	}

	if a.notif != nil {
		a.notif.Start(a.sup.Context())
	}
	a.pool.Start(a.sup.Context())
	if a.sched != nil && a.cfgm.Get().Scheduler.Enabled {
		a.sched.Run(a.sup)
	}

	// Scheduler bookkeeping rides on completion events.
	if a.sched != nil {
		events, unsub := a.bus.Subscribe(256)
		a.sup.Go0("schedule.completions", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					if e.Type != "job.finished" {
						continue
					}
					data, _ := e.Data.(map[string]any)
					id, _ := data["job_id"].(string)
					status, _ := data["status"].(string)
					if id != "" {
						a.sched.OnJobFinished(c, id, job.Status(status))
					}
				}
			}
		})
	}

	a.debug.Start(a.sup.Context())

	a.startReloadLoop()

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("started")
	return nil
}

// recoverJobs restores queue state after a restart: persisted queued jobs go
// back on the queue; jobs stuck in processing are settled as errors since the
// attempt died with the old process.
func (a *App) recoverJobs(ctx context.Context) error {
	queued, err := a.store.ListJobs(ctx, storage.JobFilter{Status: job.StatusQueued})
	if err != nil {
		return fmt.Errorf("recover queued jobs: %w", err)
	}
	requeued := 0
	for _, j := range queued {
		if _, err := a.queue.Enqueue(j); err != nil {
			a.log.Warn("requeue failed", logx.String("job", j.ID), logx.Err(err))
			continue
		}
		requeued++
	}

	stuck, err := a.store.ListJobs(ctx, storage.JobFilter{Status: job.StatusProcessing})
	if err != nil {
		return fmt.Errorf("recover processing jobs: %w", err)
	}
	for _, j := range stuck {
		j.Finish(job.StatusError, nil, job.NewError(job.KindUnknown, "daemon restarted during execution"))
		if err := a.store.SaveJob(ctx, j); err != nil {
			a.log.Warn("settle stuck job failed", logx.String("job", j.ID), logx.Err(err))
		}
	}

	if requeued > 0 || len(stuck) > 0 {
		a.log.Info("recovered jobs",
			logx.Int("requeued", requeued), logx.Int("settled_stuck", len(stuck)))
	}
	return nil
}

func (a *App) startReloadLoop() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs, changedTools := config.SummarizeConfigChange(lastApplied, newCfg)
				lastApplied = newCfg
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}

				a.applyReload(c, newCfg, sections, changedTools)

				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			}
		}
	})
}

// applyReload applies what can change live: logging, the tool table and the
// debug listener. Structural sections need a restart and are called out in
// the log.
func (a *App) applyReload(ctx context.Context, cfg *config.Config, sections []string, changedTools []string) {
	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
		case "tools":
			defs, err := cfg.BuildTools()
			if err != nil {
				a.log.Warn("invalid tool config; keeping previous table", logx.Err(err))
				continue
			}
			if err := a.registry.Replace(defs); err != nil {
				a.log.Warn("tool table rejected; keeping previous", logx.Err(err))
				continue
			}
			// Cached results for an edited tool may no longer match its
			// behavior.
			for _, id := range changedTools {
				a.cache.Invalidate(id)
			}
			a.log.Info("tool table replaced",
				logx.Int("tools", len(defs)), logx.Any("invalidated", changedTools))
		case "metrics":
			a.debug.Reconfigure(ctx, debughttp.Config{
				Enabled:     cfg.Metrics.Enabled,
				Addr:        cfg.Metrics.Addr,
				ReadTimeout: 5 * time.Second,
			})
		case "queue":
			a.queue.SetGlobalCap(cfg.Queue.GlobalCap)
		case "storage", "workers", "scheduler", "cache", "notify", "timeouts", "retry":
			a.log.Warn("config section changed; restart required to take effect", logx.String("section", s))
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Workers first: let in-flight jobs drain within their grace period.
	deadline := 35 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < deadline {
			deadline = rem
		}
	}
	a.pool.Stop(deadline)

	a.sup.Cancel()
	dctx, dcancel := context.WithTimeout(ctx, 2*time.Second)
	a.debug.Stop(dctx)
	dcancel()
	if a.notif != nil {
		nctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(nctx)
		cancel()
	}

	wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	_ = a.sup.Wait(wctx)
	cancel()

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}
