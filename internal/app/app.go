// Package app wires the engine together: config, logging, storage,
// conflict detection, the queue state machine, the executor and
// operator alerts. It owns startup order, hot reload and shutdown.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pubsched/internal/config"
	"pubsched/internal/conflict"
	"pubsched/internal/counters"
	"pubsched/internal/eventbus"
	"pubsched/internal/executor"
	"pubsched/internal/notify"
	"pubsched/internal/platform"
	"pubsched/internal/queue"
	"pubsched/internal/schedule"
	"pubsched/pkg/logx"

	rtsup "pubsched/internal/runtime/supervisor"
)

type App struct {
	cfgMgr *config.ConfigManager
	logSvc *logx.Service
	log    logx.Logger

	bus      eventbus.Bus
	store    schedule.Store
	counters counters.Counters
	detector *conflict.Detector
	registry *platform.Registry
	queue    *queue.Service
	executor *executor.Service
	notify   *notify.Dispatcher

	sup        *rtsup.Supervisor
	cfgUpdates chan *config.Config
}

// New parses the config and builds the logging service. Everything
// else is constructed in Start, after the config has been validated.
func New(cfgPath string) (*App, error) {
	mgr := config.NewConfigManager(cfgPath)
	mgr.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	return &App{
		cfgMgr: mgr,
		logSvc: logSvc,
		log:    log,
		bus:    eventbus.New(),
	}, nil
}

// Queue exposes the state machine for embedding callers (API surface,
// admin tooling).
func (a *App) Queue() *queue.Service { return a.queue }

// Registry exposes publisher registration so adapters can plug in
// before Start.
func (a *App) Registry() *platform.Registry {
	if a.registry == nil {
		a.registry = platform.NewRegistry()
	}
	return a.registry
}

// Bus exposes the event stream for embedding callers.
func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgMgr.Get()
	log := a.log

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return err
	}
	store, err := schedule.OpenSQLite(schedule.StoreConfig{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		return fmt.Errorf("opening schedule store: %w", err)
	}
	a.store = store

	if cfg.Redis != nil && cfg.Redis.Enabled {
		rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		ctr, err := counters.ConnectRedis(rctx, cfg.Redis.URL, cfg.Redis.Prefix)
		cancel()
		if err != nil {
			store.Close()
			return fmt.Errorf("connecting redis counters: %w", err)
		}
		a.counters = ctr
	} else {
		a.counters = counters.NewMemory()
	}

	a.detector = conflict.NewDetector(limitsFrom(cfg.Conflicts))
	reg := a.Registry()
	if cfg.Platforms.RatePerSec > 0 {
		reg.SetRate(cfg.Platforms.RatePerSec, cfg.Platforms.Burst)
	}
	if len(cfg.Platforms.Connections) > 0 {
		reg.SetConnections(cfg.Platforms.Connections)
	}

	retry, err := retryFrom(cfg.Retry)
	if err != nil {
		return err
	}
	a.queue = queue.New(store, a.detector, retry,
		log.With(logx.String("comp", "queue")), a.bus)

	execCfg, err := executorFrom(cfg.Executor)
	if err != nil {
		return err
	}
	a.executor = executor.New(execCfg, a.queue, reg, a.counters, executor.NopContent{},
		log.With(logx.String("comp", "executor")), a.bus)

	a.notify = a.buildNotify(cfg)

	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(log.With(logx.String("comp", "app"))))

	a.executor.Start(a.sup.Context())
	if a.notify != nil {
		a.notify.Start(a.sup.Context())
	}

	// Config hot reload: the watcher parses and validates; we apply.
	updates := a.cfgMgr.Subscribe(4)
	a.cfgUpdates = updates
	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgMgr.Watch(c)
	})
	a.sup.Go("config.apply", func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				return c.Err()
			case next, ok := <-updates:
				if !ok {
					return nil
				}
				a.applyConfig(cfg, next)
				cfg = next
			}
		}
	})

	log.Info("engine started",
		logx.String("storage", cfg.Storage.Path),
		logx.Bool("redis", cfg.Redis != nil && cfg.Redis.Enabled),
		logx.Bool("notify", a.notify != nil))
	return nil
}

func (a *App) applyConfig(prev, next *config.Config) {
	changed, attrs := config.SummarizeConfigChange(prev, next)
	if len(changed) == 0 {
		return
	}
	a.log.Info("config reloaded",
		append([]logx.Field{logx.String("sections", strings.Join(changed, ","))}, attrs...)...)

	for _, section := range changed {
		switch section {
		case "logging":
			a.logSvc.Apply(logx.Config{
				Level:   next.Logging.Level,
				Console: next.Logging.Console,
				File: logx.FileConfig{
					Enabled: next.Logging.File.Enabled,
					Path:    next.Logging.File.Path,
				},
			})
		case "conflicts":
			a.detector.Apply(limitsFrom(next.Conflicts))
		case "platforms":
			if next.Platforms.RatePerSec > 0 {
				a.registry.SetRate(next.Platforms.RatePerSec, next.Platforms.Burst)
			}
			a.registry.SetConnections(next.Platforms.Connections)
		case "executor":
			if execCfg, err := executorFrom(next.Executor); err == nil {
				a.executor.Apply(execCfg)
			} else {
				a.log.Warn("executor config rejected", logx.Err(err))
			}
		case "notify":
			// Sink changes require a restart; tunables apply live.
			if a.notify != nil && next.Notify != nil {
				if nc, err := notifyFrom(next.Notify); err == nil {
					a.notify.Apply(nc)
				}
			}
		case "storage", "redis":
			a.log.Warn("section change requires a restart",
				logx.String("section", section))
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	// Closes the updates channel, so the apply loop drains and exits.
	a.cfgMgr.Unsubscribe(a.cfgUpdates)
	if a.sup != nil {
		a.sup.Cancel()
	}
	if a.executor != nil {
		a.executor.Stop(ctx)
	}
	if a.notify != nil {
		a.notify.Stop(ctx)
	}
	if a.sup != nil {
		_ = a.sup.Wait(ctx)
	}
	if a.counters != nil {
		_ = a.counters.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("engine stopped")
	if a.logSvc != nil {
		_ = a.logSvc.Close()
	}
	return nil
}

func (a *App) buildNotify(cfg *config.Config) *notify.Dispatcher {
	if cfg.Notify == nil || !cfg.Notify.Enabled {
		return nil
	}
	nc, err := notifyFrom(cfg.Notify)
	if err != nil {
		a.log.Warn("notify config rejected", logx.Err(err))
		return nil
	}

	var sink notify.Sink
	if tg := cfg.Notify.Telegram; tg != nil {
		s, err := notify.NewTelegramSink(notify.TelegramConfig{
			Token:    tg.Token,
			ChatID:   tg.ChatID,
			ThreadID: tg.ThreadID,
		})
		if err != nil {
			a.log.Warn("telegram sink unavailable, falling back to log",
				logx.Err(err))
		} else {
			sink = s
		}
	}
	return notify.NewDispatcher(nc, sink, a.bus,
		a.log.With(logx.String("comp", "notify")))
}

func limitsFrom(c config.ConflictsConfig) conflict.Limits {
	return conflict.Limits{
		PlatformHourly:  c.PlatformHourly,
		ResourceCeiling: c.ResourceCeiling,
	}
}

func retryFrom(c config.RetryConfig) (queue.RetryPolicy, error) {
	base, err := config.ParseDurationField("retry.base", c.Base)
	if err != nil {
		return queue.RetryPolicy{}, err
	}
	maxDelay, err := config.ParseDurationField("retry.max_delay", c.MaxDelay)
	if err != nil {
		return queue.RetryPolicy{}, err
	}
	p := queue.DefaultRetryPolicy()
	if base > 0 {
		p.Base = base
	}
	if maxDelay > 0 {
		p.MaxDelay = maxDelay
	}
	if c.Jitter > 0 {
		p.Jitter = c.Jitter
	}
	return p, nil
}

func executorFrom(c config.ExecutorConfig) (executor.Config, error) {
	interval, err := config.ParseDurationField("executor.interval", c.Interval)
	if err != nil {
		return executor.Config{}, err
	}
	publishTimeout, err := config.ParseDurationField("executor.publish_timeout", c.PublishTimeout)
	if err != nil {
		return executor.Config{}, err
	}
	counterTTL, err := config.ParseDurationField("executor.counter_ttl", c.CounterTTL)
	if err != nil {
		return executor.Config{}, err
	}
	enabled := true
	if c.Enabled != nil {
		enabled = *c.Enabled
	}
	return executor.Config{
		Enabled:        enabled,
		Interval:       interval,
		ProjectBatch:   c.ProjectBatch,
		ItemBatch:      c.ItemBatch,
		ItemWorkers:    c.ItemWorkers,
		PublishTimeout: publishTimeout,
		CounterTTL:     counterTTL,
	}, nil
}

func notifyFrom(c *config.NotifyConfig) (notify.Config, error) {
	dedup, err := config.ParseDurationField("notify.dedup_window", c.DedupWindow)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		Enabled:     c.Enabled,
		DedupWindow: dedup,
		RatePerSec:  c.RatePerSec,
		Buffer:      c.Buffer,
	}, nil
}
