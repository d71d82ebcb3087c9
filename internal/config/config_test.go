package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pollhub/internal/poll"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  floors:
    normal: 10s
  max_backoff: 4m
  unhealthy_threshold: 3
  shutdown_grace: 5s
ops:
  enabled: true
  addr: 127.0.0.1:9281
storage:
  driver: file
  path: ./journal
mqtt:
  enabled: true
  broker: tcp://127.0.0.1:1883
  interval: "@every 2m"
tasks:
  - name: porch-camera
    priority: high
    interval: 10s
    timeout: 3s
    url: http://192.168.1.20/status
  - name: weather
    priority: low
    interval: "00:05"
    url: https://weather.local/api
    expect_status: [200, 204]
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, t.TempDir(), "pollhub.yaml", sampleYAML)

	cfg, err := NewConfigManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Ops.Enabled || len(cfg.Tasks) != 2 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Tasks[1].ExpectStatus[1] != 204 {
		t.Fatalf("expect_status = %v", cfg.Tasks[1].ExpectStatus)
	}

	p, grace, err := cfg.Scheduler.Policy()
	if err != nil {
		t.Fatalf("Policy: %v", err)
	}
	if p.Floor(poll.PriorityNormal) != 10*time.Second || p.Floor(poll.PriorityLow) != time.Minute {
		t.Fatalf("floors = %v", p.Floors)
	}
	if p.MaxBackoff != 4*time.Minute || p.UnhealthyThreshold != 3 || grace != 5*time.Second {
		t.Fatalf("policy = %+v grace = %s", p, grace)
	}
}

func TestDecodeJSONStrict(t *testing.T) {
	t.Parallel()
	if _, err := Decode("c.json", []byte(`{"logging":{"level":"info"},"telegram":{}}`)); err == nil {
		t.Fatal("expected unknown field error")
	}
	if _, err := Decode("c.json", []byte(`{"tasks":[]} {"tasks":[]}`)); err == nil {
		t.Fatal("expected trailing data error")
	}
	cfg, err := Decode("c.json", []byte(`{"scheduler":{"max_concurrent":4}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Scheduler.MaxConcurrent != 4 {
		t.Fatalf("max_concurrent = %d", cfg.Scheduler.MaxConcurrent)
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("c.yml", nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty config should validate: %v", err)
	}
}

func TestParseInterval(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw    string
		want   time.Duration
		source string
	}{
		{raw: "30s", want: 30 * time.Second, source: SourceDuration},
		{raw: "2m30s", want: 150 * time.Second, source: SourceDuration},
		{raw: "00:05", want: 5 * time.Minute, source: SourceHHMM},
		{raw: "01:30", want: 90 * time.Minute, source: SourceHHMM},
		{raw: "@every 45s", want: 45 * time.Second, source: SourceCron},
		{raw: "@hourly", want: time.Hour, source: SourceCron},
		{raw: "*/5 * * * *", want: 5 * time.Minute, source: SourceCron},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			got, src, err := ParseInterval(tt.raw)
			if err != nil {
				t.Fatalf("ParseInterval(%q): %v", tt.raw, err)
			}
			if got != tt.want || src != tt.source {
				t.Fatalf("ParseInterval(%q) = %s/%s, want %s/%s", tt.raw, got, src, tt.want, tt.source)
			}
		})
	}

	for _, bad := range []string{"", "soon", "-5s", "00:00", "01:75", "@every nope", "99 * * * *"} {
		if _, _, err := ParseInterval(bad); err == nil {
			t.Fatalf("ParseInterval(%q) should fail", bad)
		}
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Scheduler: SchedulerConfig{MaxBackoff: "nope"},
		Storage:   &StorageConfig{Driver: "redis"},
		MQTT:      &MQTTConfig{Enabled: true, QoS: 3},
		InfluxDB:  &InfluxDBConfig{Enabled: true, URL: "influx:8086"},
		Tasks: []TaskConfig{
			{Name: "a", Priority: "high", Interval: "10s", URL: "http://a.local/"},
			{Name: "a", Priority: "urgent", Interval: "later", URL: "not a url"},
			{Name: "broker", Priority: "critical", Interval: "5s", URL: "http://b.local/", Unit: "mosquitto"},
			{Name: "bridge", Priority: "high", Interval: "5s", Unit: "zigbee2mqtt"},
		},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{
		"scheduler.max_backoff",
		"storage.driver",
		"mqtt.broker",
		"mqtt.qos",
		"influxdb.url",
		"influxdb.bucket",
		"duplicate task name",
		"priority",
		"interval",
		"url",
		"tasks[broker]: url and unit are mutually exclusive",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q: %v", want, err)
		}
	}
	if strings.Contains(err.Error(), "tasks[bridge]") {
		t.Errorf("unit probe without url rejected: %v", err)
	}
}

func TestSchedulerPolicyRejectsFloorAboveMax(t *testing.T) {
	t.Parallel()
	s := SchedulerConfig{Floors: map[string]string{"critical": "10m"}, MaxBackoff: "5m"}
	if _, _, err := s.Policy(); err == nil {
		t.Fatal("expected error for floor above max backoff")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Logging: LoggingConfig{Level: "info"},
		Tasks:   []TaskConfig{{Name: "cam", Interval: "10s"}, {Name: "plug", Interval: "10s"}},
	}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		MQTT:    &MQTTConfig{Enabled: true, Password: "secret"},
		Tasks:   []TaskConfig{{Name: "cam", Interval: "20s"}, {Name: "lamp", Interval: "10s"}},
	}
	changed, attrs, tasks := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "logging,mqtt,tasks" {
		t.Fatalf("changed = %v", changed)
	}
	if strings.Join(tasks, ",") != "cam,lamp,plug" {
		t.Fatalf("tasks = %v", tasks)
	}
	if len(attrs) == 0 {
		t.Fatal("expected log fields")
	}
}

func TestWatchPublishesReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "pollhub.json", `{"logging":{"level":"info"}}`)

	m := NewConfigManager(path)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	updates := m.Subscribe(1)
	defer m.Unsubscribe(updates)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	// Give the watcher a moment to register, then rewrite until an update lands.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-updates:
			if cfg.Logging.Level != "debug" {
				t.Fatalf("reloaded level = %q", cfg.Logging.Level)
			}
			if m.Get().Logging.Level != "debug" {
				t.Fatal("reload not committed")
			}
			cancel()
			<-done
			return
		case <-tick.C:
			writeFile(t, dir, "pollhub.json", `{"logging":{"level":"debug"}}`)
		case <-deadline:
			t.Fatal("no reload published")
		}
	}
}

func TestWatchRejectsInvalidReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "pollhub.json", `{"logging":{"level":"info"}}`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	writeFile(t, dir, "pollhub.json", `{"scheduler":{"max_backoff":"-1s"}}`)
	if m.reload(context.Background()) {
		t.Fatal("invalid config published")
	}
	if m.Get().Logging.Level != "info" {
		t.Fatal("invalid config committed")
	}
}
