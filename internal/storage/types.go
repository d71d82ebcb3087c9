package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free JSON Lines backend
//   - "sqlite": SQLite database file (optional build tag)
//   - "redis": sorted sets on a Redis server
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Redis       RedisConfig
}

// RedisConfig is used by the redis driver only.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Prefix namespaces every key. Default: "pollhub".
	Prefix string
}

// Outcome statuses.
const (
	StatusOK        = "ok"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
	StatusCancelled = "cancelled"
)

// Outcome records one completed invocation.
// Keep it compact and schema-stable.
type Outcome struct {
	At                time.Time `json:"at"`
	Task              string    `json:"task"`
	RunID             string    `json:"run_id"`
	Priority          string    `json:"priority"`
	Status            string    `json:"status"`
	Started           time.Time `json:"started"`
	TookMS            int64     `json:"took_ms"`
	Error             string    `json:"error,omitempty"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	EffectiveMS       int64     `json:"effective_ms"`
}
