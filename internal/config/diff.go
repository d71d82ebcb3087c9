package config

import (
	"reflect"
	"sort"
	"strings"

	logx "pollhub/pkg/logx"
)

// SummarizeConfigChange returns the changed section names, safe log fields
// (never secrets such as the MQTT password), and the names of tasks that
// were added, removed or modified.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		s := newCfg.Scheduler
		attrs = append(attrs,
			logx.String("scheduler.max_backoff", strings.TrimSpace(s.MaxBackoff)),
			logx.Int("scheduler.unhealthy_threshold", s.UnhealthyThreshold),
			logx.Int("scheduler.max_concurrent", s.MaxConcurrent),
			logx.Int("scheduler.floor_overrides", len(s.Floors)),
		)
	}

	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
		)
	}

	if !reflect.DeepEqual(derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)) {
		changed = append(changed, "storage")
		s := derefStorage(newCfg.Storage)
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(s.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(s.Path) != ""),
			logx.String("storage.addr", strings.TrimSpace(s.Addr)),
		)
	}

	if !reflect.DeepEqual(derefMQTT(oldCfg.MQTT), derefMQTT(newCfg.MQTT)) {
		changed = append(changed, "mqtt")
		m := derefMQTT(newCfg.MQTT)
		attrs = append(attrs,
			logx.Bool("mqtt.enabled", m.Enabled),
			logx.String("mqtt.broker", strings.TrimSpace(m.Broker)),
			logx.Bool("mqtt.password_set", m.Password != ""),
		)
	}

	if !reflect.DeepEqual(derefInflux(oldCfg.InfluxDB), derefInflux(newCfg.InfluxDB)) {
		changed = append(changed, "influxdb")
		ix := derefInflux(newCfg.InfluxDB)
		attrs = append(attrs,
			logx.Bool("influxdb.enabled", ix.Enabled),
			logx.String("influxdb.bucket", ix.Bucket),
			logx.Bool("influxdb.token_set", ix.Token != ""),
		)
	}

	tasks := diffTasks(oldCfg.Tasks, newCfg.Tasks)
	if len(tasks) > 0 {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Int("tasks.changed_count", len(tasks)),
			logx.Int("tasks.total", len(newCfg.Tasks)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, tasks
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func derefMQTT(m *MQTTConfig) MQTTConfig {
	if m == nil {
		return MQTTConfig{}
	}
	return *m
}

func diffTasks(oldT, newT []TaskConfig) []string {
	index := func(ts []TaskConfig) map[string]TaskConfig {
		out := make(map[string]TaskConfig, len(ts))
		for _, t := range ts {
			out[strings.TrimSpace(t.Name)] = t
		}
		return out
	}
	o, n := index(oldT), index(newT)

	var out []string
	for name, ot := range o {
		nt, ok := n[name]
		if !ok || !reflect.DeepEqual(ot, nt) {
			out = append(out, name)
		}
	}
	for name := range n {
		if _, ok := o[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func derefInflux(c *InfluxDBConfig) InfluxDBConfig {
	if c == nil {
		return InfluxDBConfig{}
	}
	return *c
}
