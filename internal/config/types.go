package config

// Config is the root of the pollhub config file (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "15s", "5m") unless noted.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Ops is the operational HTTP server (/healthz, /status, /metrics).
	Ops OpsConfig `json:"ops"`

	Storage *StorageConfig `json:"storage,omitempty"`
	MQTT    *MQTTConfig    `json:"mqtt,omitempty"`

	// InfluxDB exports task outcomes as time-series points.
	InfluxDB *InfluxDBConfig `json:"influxdb,omitempty"`

	// Tasks are device probes registered with the poll manager.
	Tasks []TaskConfig `json:"tasks"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig holds the poll manager policy knobs.
//
// Defaults (when fields are omitted/zero):
//   - floors: critical 1s, high 5s, normal 15s, low 60s
//   - max_backoff: "300s"
//   - unhealthy_threshold: 5
//   - stale_multiple: 3
//   - default_timeout: "0s" (disabled)
//   - max_concurrent: 0 (unlimited)
//   - shutdown_grace: "10s"
type SchedulerConfig struct {
	// Floors maps a priority name to its minimum interval.
	Floors map[string]string `json:"floors,omitempty"`

	MaxBackoff         string  `json:"max_backoff,omitempty"`
	UnhealthyThreshold int     `json:"unhealthy_threshold,omitempty"`
	StaleMultiple      float64 `json:"stale_multiple,omitempty"`
	DefaultTimeout     string  `json:"default_timeout,omitempty"`
	MaxConcurrent      int     `json:"max_concurrent,omitempty"`
	ShutdownGrace      string  `json:"shutdown_grace,omitempty"`
}

// OpsConfig controls the operational HTTP server.
//
// Prefer binding to localhost; the endpoints are unauthenticated.
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9280"
	// Pprof mounts /debug/pprof/ on the same listener.
	Pprof bool `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// StorageConfig controls the outcome journal.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./pollhub_journal" }
//	"storage": { "driver": "redis", "addr": "127.0.0.1:6379", "prefix": "pollhub" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`         // file, sqlite
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only

	Addr     string `json:"addr,omitempty"` // redis only
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`

	// Retention prunes journal rows older than this. "0s" keeps everything.
	Retention string `json:"retention,omitempty"`
}

// MQTTConfig controls the health reporter.
type MQTTConfig struct {
	Enabled  bool   `json:"enabled"`
	Broker   string `json:"broker"` // e.g. "tcp://127.0.0.1:1883"
	ClientID string `json:"client_id,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // never logged
	Topic    string `json:"topic,omitempty"`    // default: "pollhub"
	QoS      int    `json:"qos,omitempty"`
	Retain   bool   `json:"retain,omitempty"`
	// Interval accepts the same forms as task intervals. Default: "60s".
	Interval string `json:"interval,omitempty"`
}

// InfluxDBConfig controls the outcome exporter (InfluxDB v2 write API).
type InfluxDBConfig struct {
	Enabled       bool   `json:"enabled"`
	URL           string `json:"url"`
	Token         string `json:"token,omitempty"` // never logged
	Org           string `json:"org"`
	Bucket        string `json:"bucket"`
	BatchSize     int    `json:"batch_size,omitempty"`     // default: 100
	FlushInterval string `json:"flush_interval,omitempty"` // default: "10s"
}

// TaskConfig declares one probe. Exactly one of URL (HTTP status probe) or
// Unit (systemd unit probe, linux only) must be set.
//
// Interval accepts a Go duration ("30s"), HH:MM ("00:05"), or a cron
// descriptor ("@every 45s", "@hourly", "*/5 * * * *").
type TaskConfig struct {
	Name     string `json:"name"`
	Priority string `json:"priority"`
	Interval string `json:"interval"`
	Timeout  string `json:"timeout,omitempty"`
	Enabled  *bool  `json:"enabled,omitempty"`

	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"` // default: GET
	Headers map[string]string `json:"headers,omitempty"`
	// ExpectStatus lists accepted status codes. Empty means any 2xx.
	ExpectStatus []int `json:"expect_status,omitempty"`

	// Unit is a systemd unit name, e.g. "mosquitto" or "zigbee2mqtt.service".
	Unit string `json:"unit,omitempty"`
}

// IsEnabled reports the effective enabled flag (default true).
func (t TaskConfig) IsEnabled() bool { return t.Enabled == nil || *t.Enabled }
