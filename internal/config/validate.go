package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"pollhub/internal/poll"
)

const (
	DefaultOpsAddr       = "127.0.0.1:9280"
	DefaultMQTTTopic     = "pollhub"
	DefaultMQTTInterval  = 60 * time.Second
	defaultShutdownGrace = 10 * time.Second
)

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if _, _, err := c.Scheduler.Policy(); err != nil {
		errs = append(errs, err)
	}
	for _, f := range []struct{ path, raw string }{
		{"ops.read_timeout", c.Ops.ReadTimeout},
		{"ops.write_timeout", c.Ops.WriteTimeout},
		{"ops.idle_timeout", c.Ops.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}

	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file", "sqlite", "redis":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField("storage.retention", s.Retention); err != nil {
			errs = append(errs, err)
		}
	}

	if m := c.MQTT; m != nil && m.Enabled {
		if strings.TrimSpace(m.Broker) == "" {
			errs = append(errs, errors.New("mqtt.broker: required when mqtt is enabled"))
		}
		if m.QoS < 0 || m.QoS > 2 {
			errs = append(errs, fmt.Errorf("mqtt.qos: must be 0, 1 or 2 (got %d)", m.QoS))
		}
		if strings.TrimSpace(m.Interval) != "" {
			if _, _, err := ParseInterval(m.Interval); err != nil {
				errs = append(errs, fmt.Errorf("mqtt.interval: %w", err))
			}
		}
	}

	if ix := c.InfluxDB; ix != nil && ix.Enabled {
		if u, err := url.Parse(strings.TrimSpace(ix.URL)); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("influxdb.url: absolute URL required (got %q)", ix.URL))
		}
		if strings.TrimSpace(ix.Bucket) == "" {
			errs = append(errs, errors.New("influxdb.bucket: required when influxdb is enabled"))
		}
		if ix.BatchSize < 0 {
			errs = append(errs, errors.New("influxdb.batch_size: must be >= 0"))
		}
		if _, err := ParseDurationField("influxdb.flush_interval", ix.FlushInterval); err != nil {
			errs = append(errs, err)
		}
	}

	seen := make(map[string]struct{}, len(c.Tasks))
	for i, t := range c.Tasks {
		path := fmt.Sprintf("tasks[%d]", i)
		name := strings.TrimSpace(t.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name: required", path))
		} else {
			path = fmt.Sprintf("tasks[%s]", name)
			if _, dup := seen[name]; dup {
				errs = append(errs, fmt.Errorf("%s: duplicate task name", path))
			}
			seen[name] = struct{}{}
		}
		if _, err := poll.ParsePriority(t.Priority); err != nil {
			errs = append(errs, fmt.Errorf("%s.priority: %w", path, err))
		}
		if _, _, err := ParseInterval(t.Interval); err != nil {
			errs = append(errs, fmt.Errorf("%s.interval: %w", path, err))
		}
		if _, err := ParseDurationField(path+".timeout", t.Timeout); err != nil {
			errs = append(errs, err)
		}
		rawURL, unit := strings.TrimSpace(t.URL), strings.TrimSpace(t.Unit)
		switch {
		case rawURL != "" && unit != "":
			errs = append(errs, fmt.Errorf("%s: url and unit are mutually exclusive", path))
		case unit != "":
		default:
			if u, err := url.Parse(rawURL); err != nil || u.Scheme == "" || u.Host == "" {
				errs = append(errs, fmt.Errorf("%s.url: absolute http(s) URL required (got %q)", path, t.URL))
			}
		}
		for _, code := range t.ExpectStatus {
			if code < 100 || code > 599 {
				errs = append(errs, fmt.Errorf("%s.expect_status: invalid code %d", path, code))
			}
		}
	}
	return errors.Join(errs...)
}

// Policy converts the scheduler section into a validated poll policy and the shutdown grace.
func (s SchedulerConfig) Policy() (poll.Policy, time.Duration, error) {
	var p poll.Policy
	if len(s.Floors) > 0 {
		p.Floors = make(map[poll.Priority]time.Duration, len(s.Floors))
		for name, raw := range s.Floors {
			pr, err := poll.ParsePriority(name)
			if err != nil {
				return poll.Policy{}, 0, fmt.Errorf("scheduler.floors: %w", err)
			}
			d, err := ParseDurationField("scheduler.floors."+name, raw)
			if err != nil {
				return poll.Policy{}, 0, err
			}
			p.Floors[pr] = d
		}
	}

	var err error
	if p.MaxBackoff, err = ParseDurationField("scheduler.max_backoff", s.MaxBackoff); err != nil {
		return poll.Policy{}, 0, err
	}
	if p.DefaultTimeout, err = ParseDurationField("scheduler.default_timeout", s.DefaultTimeout); err != nil {
		return poll.Policy{}, 0, err
	}
	grace, err := ParseDurationOrDefault("scheduler.shutdown_grace", s.ShutdownGrace, defaultShutdownGrace)
	if err != nil {
		return poll.Policy{}, 0, err
	}
	if s.UnhealthyThreshold < 0 {
		return poll.Policy{}, 0, fmt.Errorf("scheduler.unhealthy_threshold: must be >= 0")
	}
	if s.StaleMultiple < 0 {
		return poll.Policy{}, 0, fmt.Errorf("scheduler.stale_multiple: must be >= 0")
	}
	if s.MaxConcurrent < 0 {
		return poll.Policy{}, 0, fmt.Errorf("scheduler.max_concurrent: must be >= 0")
	}
	p.UnhealthyThreshold = s.UnhealthyThreshold
	p.StaleMultiple = s.StaleMultiple
	p.MaxConcurrent = s.MaxConcurrent

	p, err = p.Validate()
	if err != nil {
		return poll.Policy{}, 0, fmt.Errorf("scheduler: %w", err)
	}
	return p, grace, nil
}
