package poll

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Priority selects the minimum polling interval (floor) of a task.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

var priorityNames = [...]string{"critical", "high", "normal", "low"}

func (p Priority) Valid() bool { return p >= PriorityCritical && p <= PriorityLow }

func (p Priority) String() string {
	if !p.Valid() {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParsePriority accepts the lower- or upper-case tier name.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range priorityNames {
		if n == s {
			return Priority(i), nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q (want critical, high, normal or low)", s)
}

// State is the scheduling state of a task.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateBackoff
	StateDisabled
)

var stateNames = [...]string{"idle", "running", "backoff", "disabled"}

func (s State) String() string {
	if s < StateIdle || s > StateDisabled {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Task is one unit of polling work. Run performs the device I/O and reports
// failure through its error; it should return promptly once ctx is done.
type Task interface {
	Name() string
	Priority() Priority
	Run(ctx context.Context) error
}

type funcTask struct {
	name     string
	priority Priority
	fn       func(ctx context.Context) error
}

func (t funcTask) Name() string                  { return t.name }
func (t funcTask) Priority() Priority            { return t.priority }
func (t funcTask) Run(ctx context.Context) error { return t.fn(ctx) }

// TaskFunc adapts a plain function to Task.
func TaskFunc(name string, priority Priority, fn func(ctx context.Context) error) Task {
	return funcTask{name: name, priority: priority, fn: fn}
}

// Config controls the manager.
type Config struct {
	Policy Policy

	// ShutdownGrace is used by Stop when a negative grace is passed.
	// Default: 10s.
	ShutdownGrace time.Duration
}

// TaskStatus is a point-in-time copy of one task's bookkeeping.
type TaskStatus struct {
	Name              string        `json:"name"`
	Priority          Priority      `json:"priority"`
	State             State         `json:"state"`
	Enabled           bool          `json:"enabled"`
	RequestedInterval time.Duration `json:"requested_interval"`
	EffectiveInterval time.Duration `json:"effective_interval"`
	Timeout           time.Duration `json:"timeout,omitempty"`
	RegisteredAt      time.Time     `json:"registered_at"`
	LastRun           time.Time     `json:"last_run,omitempty"`
	LastSuccess       time.Time     `json:"last_success,omitempty"`
	LastError         string        `json:"last_error,omitempty"`
	LastErrorAt       time.Time     `json:"last_error_at,omitempty"`
	LastDuration      time.Duration `json:"last_duration"`
	NextRun           time.Time     `json:"next_run,omitempty"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	Runs              uint64        `json:"runs"`
	Successes         uint64        `json:"successes"`
	Failures          uint64        `json:"failures"`
	Warnings          []string      `json:"warnings,omitempty"`
}

// Status aggregates every task.
type Status struct {
	Running   bool         `json:"running"`
	Total     int          `json:"total_tasks"`
	Active    int          `json:"active_tasks"`
	Disabled  int          `json:"disabled_tasks"`
	InFlight  int          `json:"in_flight"`
	StartedAt time.Time    `json:"started_at,omitempty"`
	Tasks     []TaskStatus `json:"per_task"`
}

// Health is the overall verdict. Reasons maps each unhealthy task to a short explanation.
type Health struct {
	Healthy        bool              `json:"healthy"`
	UnhealthyTasks []string          `json:"unhealthy_tasks"`
	Reasons        map[string]string `json:"reasons,omitempty"`
	CheckedAt      time.Time         `json:"checked_at"`
}

// Event types published on the bus.
const (
	EventRegistered = "task.registered"
	EventClamped    = "task.clamped"
	EventStarted    = "task.started"
	EventSucceeded  = "task.succeeded"
	EventFailed     = "task.failed"
	EventSkipped    = "task.skipped"
	EventCancelled  = "task.cancelled"
	EventRemoved    = "task.removed"
	EventEnabled    = "task.enabled"
	EventDisabled   = "task.disabled"

	EventManagerStarted = "manager.started"
	EventManagerStopped = "manager.stopped"
	EventPolicyApplied  = "manager.policy"
)

// TaskEvent is the payload of every task.* event.
type TaskEvent struct {
	RunID             string        `json:"run_id,omitempty"`
	Name              string        `json:"name"`
	Priority          Priority      `json:"priority"`
	Started           time.Time     `json:"started,omitempty"`
	Duration          time.Duration `json:"duration,omitempty"`
	Error             string        `json:"error,omitempty"`
	Timeout           bool          `json:"timeout,omitempty"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	EffectiveInterval time.Duration `json:"effective_interval"`
	Warning           string        `json:"warning,omitempty"`
}
