package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"pollhub/internal/config"
	"pollhub/internal/eventbus"
	"pollhub/internal/influx"
	"pollhub/internal/metrics"
	"pollhub/internal/mqtt"
	"pollhub/internal/ops"
	"pollhub/internal/poll"
	"pollhub/internal/probe"
	rtsup "pollhub/internal/runtime/supervisor"
	"pollhub/internal/storage"
	logx "pollhub/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	recorder *storage.Recorder

	reg     *prometheus.Registry
	metrics *metrics.Collector

	mgr   *poll.Manager
	grace time.Duration
	ops   *ops.Service

	broker   *mqtt.Client
	reporter *mqtt.Reporter
	influx   *influx.Exporter

	// units is shared by every systemd unit probe; dialed on first use.
	units *probe.SystemBus

	// probes holds the task configs currently registered, by name.
	probes map[string]config.TaskConfig
}

// NewApp loads the config and builds every component. Nothing runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return newApp(cfgm, cfg)
}

func newApp(cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	policy, grace, err := cfg.Scheduler.Policy()
	if err != nil {
		return nil, err
	}
	mgr, err := poll.New(poll.Config{Policy: policy, ShutdownGrace: grace}, logSvc.Logger(), bus)
	if err != nil {
		return nil, err
	}

	var (
		store    storage.Store
		recorder *storage.Recorder
	)
	if sc, retention, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, logSvc.Logger())
		if err != nil {
			return nil, err
		}
		store = st
		recorder = storage.NewRecorder(st, bus, logSvc.Logger(), retention)
		log.Info("outcome journal enabled", logx.String("driver", sc.Driver), logx.Duration("retention", retention))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	coll := metrics.New(reg, bus, mgr)

	oc, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}
	opsSvc := ops.New(oc, ops.Deps{Manager: mgr, Gatherer: reg, Store: store}, logSvc.Logger().With(logx.String("comp", "ops")))

	return &App{
		cfgPath:  cfgm.Path(),
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		recorder: recorder,
		reg:      reg,
		metrics:  coll,
		mgr:      mgr,
		grace:    grace,
		ops:      opsSvc,
		units:    probe.NewSystemBus(),
		probes:   make(map[string]config.TaskConfig),
	}, nil
}

// Manager exposes the poll manager so embedders can register their own tasks.
func (a *App) Manager() *poll.Manager { return a.mgr }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		var errs []error
		if _, err := mapOpsConfig(cfg); err != nil {
			errs = append(errs, err)
		}
		if _, _, _, err := mapStorageConfig(cfg); err != nil {
			errs = append(errs, err)
		}
		if _, _, _, err := mapMQTTConfig(cfg); err != nil {
			errs = append(errs, err)
		}
		if _, _, err := mapInfluxConfig(cfg); err != nil {
			errs = append(errs, err)
		}
		for _, tc := range cfg.Tasks {
			if _, err := mapProbe(tc, nil); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	cfg := a.cfgm.Get()
	if err := a.connectMQTT(cfg); err != nil {
		return err
	}
	if err := a.connectInflux(ctx, cfg); err != nil {
		return err
	}
	a.syncProbes(cfg.Tasks, nil)

	if a.recorder != nil {
		a.sup.Go("storage.recorder", a.recorder.Run)
	}
	if a.influx != nil {
		a.sup.Go("influx.exporter", a.influx.Run)
	}
	a.sup.Go("metrics.collector", a.metrics.Run)

	if err := a.mgr.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.ops.Enabled() {
		a.ops.Start(a.sup.Context())
	}

	if a.log.Enabled(logx.LevelDebug) {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", a.watchdog)

	notifyReady(a.log, a.mgr.AllStatus())
	a.log.Info("app started", logx.String("config", a.cfgPath), logx.Int("tasks", len(a.probes)))
	return nil
}

// connectMQTT dials the broker and registers the health reporter task.
func (a *App) connectMQTT(cfg *config.Config) error {
	mc, interval, enabled, err := mapMQTTConfig(cfg)
	if err != nil || !enabled {
		return err
	}
	client, err := mqtt.Connect(mc, a.logs.Logger())
	if err != nil {
		return err
	}
	a.broker = client
	a.reporter = mqtt.NewReporter(client, a.mgr, mc)
	if _, err := a.mgr.Register(a.reporter, interval); err != nil {
		return fmt.Errorf("register %s: %w", mqtt.ReporterName, err)
	}
	a.log.Info("mqtt health reporter enabled", logx.String("topic", mc.Topic), logx.Duration("interval", interval))
	return nil
}

// connectInflux starts the outcome exporter. An unreachable server is logged
// and export stays off until restart; polling does not depend on it.
func (a *App) connectInflux(ctx context.Context, cfg *config.Config) error {
	ic, enabled, err := mapInfluxConfig(cfg)
	if err != nil || !enabled {
		return err
	}
	ex, err := influx.Connect(ctx, ic, a.bus, a.logs.Logger())
	if err != nil {
		a.log.Warn("influxdb export disabled", logx.String("url", ic.URL), logx.Err(err))
		return nil
	}
	a.influx = ex
	a.log.Info("influxdb export enabled", logx.String("url", ic.URL), logx.String("bucket", ic.Bucket))
	return nil
}

// syncProbes registers configured probes. When changed is non-nil only those
// names are re-registered; the rest are left running untouched.
func (a *App) syncProbes(tasks []config.TaskConfig, changed []string) {
	want := make(map[string]config.TaskConfig, len(tasks))
	for _, tc := range tasks {
		want[strings.TrimSpace(tc.Name)] = tc
	}
	names := changed
	if names == nil {
		for name := range want {
			names = append(names, name)
		}
	}

	for _, name := range names {
		if _, had := a.probes[name]; had {
			a.mgr.Unregister(name)
			delete(a.probes, name)
		}
		tc, ok := want[name]
		if !ok {
			a.log.Info("probe removed", logx.String("task", name))
			continue
		}
		pr, err := mapProbe(tc, a.units)
		if err != nil {
			a.log.Warn("probe config invalid; skipped", logx.String("task", name), logx.Err(err))
			continue
		}
		if _, err := a.mgr.Register(pr.task, pr.interval, pr.opts...); err != nil {
			a.log.Warn("probe registration failed", logx.String("task", name), logx.Err(err))
			continue
		}
		a.probes[name] = tc
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)), logx.Duration("grace", a.grace))
	notifyStopping(a.log)

	// The poll manager drains first while the app context is still alive.
	// Its own grace period bounds this.
	start := time.Now()
	stopErr := a.mgr.Stop(-1)
	if stopErr != nil {
		a.log.Warn("poll manager stopped with cancelled tasks", logx.Err(stopErr), logx.Duration("took", time.Since(start)))
	}

	a.sup.Cancel()

	a.step(ctx, "ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "mqtt", 2*time.Second, func(context.Context) error {
		if a.broker != nil {
			return a.broker.Close()
		}
		return nil
	})
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "influx", 2*time.Second, func(context.Context) error { return a.influx.Close() })
	a.step(ctx, "systemd.bus", 1*time.Second, func(context.Context) error { return a.units.Close() })
	a.step(ctx, "storage", 1*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return stopErr
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
