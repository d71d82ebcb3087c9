package app

import (
	"fmt"
	"strings"
	"time"

	"pollhub/internal/config"
	"pollhub/internal/influx"
	"pollhub/internal/mqtt"
	"pollhub/internal/ops"
	"pollhub/internal/poll"
	"pollhub/internal/probe"
	"pollhub/internal/storage"
	logx "pollhub/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorageConfig returns the store config, its retention, and whether storage is on.
func mapStorageConfig(cfg *config.Config) (storage.Config, time.Duration, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, 0, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, 0, false, nil
	}
	out := storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path)}
	if driver == "redis" {
		out.Redis = storage.RedisConfig{
			Addr:     strings.TrimSpace(sc.Addr),
			Password: sc.Password,
			DB:       sc.DB,
			Prefix:   sc.Prefix,
		}
		if out.Redis.Addr == "" {
			return storage.Config{}, 0, false, fmt.Errorf("storage.addr is required when storage.driver=redis")
		}
	} else if out.Path == "" {
		return storage.Config{}, 0, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	retention, err := config.ParseDurationField("storage.retention", sc.Retention)
	if err != nil {
		return storage.Config{}, 0, false, err
	}
	if driver == "sqlite" {
		if out.BusyTimeout, err = config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second); err != nil {
			return storage.Config{}, 0, false, err
		}
	}
	return out, retention, true, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	out := ops.Config{Enabled: oc.Enabled, Addr: strings.TrimSpace(oc.Addr), Pprof: oc.Pprof}
	if out.Addr == "" {
		out.Addr = config.DefaultOpsAddr
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 5*time.Second); err != nil {
		return ops.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationOrDefault("ops.write_timeout", oc.WriteTimeout, 30*time.Second); err != nil {
		return ops.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, 60*time.Second); err != nil {
		return ops.Config{}, err
	}
	return out, nil
}

// mapMQTTConfig returns the broker config, the report interval and whether mqtt is on.
func mapMQTTConfig(cfg *config.Config) (mqtt.Config, time.Duration, bool, error) {
	m := cfg.MQTT
	if m == nil || !m.Enabled {
		return mqtt.Config{}, 0, false, nil
	}
	topic := strings.Trim(strings.TrimSpace(m.Topic), "/")
	if topic == "" {
		topic = config.DefaultMQTTTopic
	}
	interval := config.DefaultMQTTInterval
	if strings.TrimSpace(m.Interval) != "" {
		d, _, err := config.ParseInterval(m.Interval)
		if err != nil {
			return mqtt.Config{}, 0, false, fmt.Errorf("mqtt.interval: %w", err)
		}
		interval = d
	}
	return mqtt.Config{
		Broker:   strings.TrimSpace(m.Broker),
		ClientID: m.ClientID,
		Username: m.Username,
		Password: m.Password,
		Topic:    topic,
		QoS:      byte(m.QoS),
		Retain:   m.Retain,
	}, interval, true, nil
}

// mapInfluxConfig returns the exporter config and whether export is on.
func mapInfluxConfig(cfg *config.Config) (influx.Config, bool, error) {
	ix := cfg.InfluxDB
	if ix == nil || !ix.Enabled {
		return influx.Config{}, false, nil
	}
	if ix.BatchSize < 0 {
		return influx.Config{}, false, fmt.Errorf("influxdb.batch_size: must be >= 0")
	}
	flush, err := config.ParseDurationField("influxdb.flush_interval", ix.FlushInterval)
	if err != nil {
		return influx.Config{}, false, err
	}
	return influx.Config{
		URL:           strings.TrimSpace(ix.URL),
		Token:         ix.Token,
		Org:           strings.TrimSpace(ix.Org),
		Bucket:        strings.TrimSpace(ix.Bucket),
		BatchSize:     uint(ix.BatchSize),
		FlushInterval: flush,
	}, true, nil
}

// probeRegistration is everything needed to register one configured probe.
type probeRegistration struct {
	task     poll.Task
	interval time.Duration
	opts     []poll.RegisterOption
}

// mapProbe builds the probe a task config describes. units backs systemd
// unit probes and may be nil when none are configured.
func mapProbe(tc config.TaskConfig, units probe.PropertySource) (probeRegistration, error) {
	name := strings.TrimSpace(tc.Name)
	pr, err := poll.ParsePriority(tc.Priority)
	if err != nil {
		return probeRegistration{}, fmt.Errorf("tasks[%s].priority: %w", name, err)
	}
	interval, _, err := config.ParseInterval(tc.Interval)
	if err != nil {
		return probeRegistration{}, fmt.Errorf("tasks[%s].interval: %w", name, err)
	}
	timeout, err := config.ParseDurationField("tasks["+name+"].timeout", tc.Timeout)
	if err != nil {
		return probeRegistration{}, err
	}
	var task poll.Task
	if unit := strings.TrimSpace(tc.Unit); unit != "" {
		task = probe.NewUnit(probe.UnitSpec{Name: name, Priority: pr, Unit: unit}, units)
	} else {
		task = probe.New(probe.Spec{
			Name:     name,
			Priority: pr,
			URL:      strings.TrimSpace(tc.URL),
			Method:   tc.Method,
			Headers:  tc.Headers,
			Expect:   tc.ExpectStatus,
		}, nil)
	}
	return probeRegistration{
		task:     task,
		interval: interval,
		opts:     []poll.RegisterOption{poll.WithEnabled(tc.IsEnabled()), poll.WithTimeout(timeout)},
	}, nil
}
