package app

import (
	"context"
	"slices"
	"strings"

	"pollhub/internal/config"
	logx "pollhub/pkg/logx"
)

// reloadLoop applies hot-reloaded configs. Storage, MQTT and InfluxDB changes need a restart.
func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
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
}

func (a *App) apply(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, tasks := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if slices.Contains(sections, "logging") {
		a.logs.Apply(mapLogConfig(newCfg))
	}

	if slices.Contains(sections, "scheduler") {
		p, _, err := newCfg.Scheduler.Policy()
		if err == nil {
			err = a.mgr.ApplyPolicy(p)
		}
		if err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		} else if oldCfg.Scheduler.ShutdownGrace != newCfg.Scheduler.ShutdownGrace {
			a.log.Warn("scheduler.shutdown_grace changed; restart required for it to take effect")
		}
	}

	if slices.Contains(sections, "ops") {
		oc, err := mapOpsConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
		} else {
			a.ops.Reconfigure(c, oc)
		}
	}

	for _, s := range []string{"storage", "mqtt", "influxdb"} {
		if slices.Contains(sections, s) {
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	if len(tasks) > 0 {
		a.syncProbes(newCfg.Tasks, tasks)
		a.log.Info("probes updated", logx.Strings("tasks", tasks))
	}

	a.log.Info("config reloaded", fields...)
}
