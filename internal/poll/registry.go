package poll

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pollhub/internal/eventbus"
	logx "pollhub/pkg/logx"
)

// failureWarnEvery throttles repeated "task failed" warnings per task.
const failureWarnEvery = 30 * time.Second

// runGuard is the per-name in-flight guard. It is held from dispatch until
// the callback really returns, which can be later than the outcome when a
// deadline fires on a callback that ignores its context.
type runGuard struct {
	mu       sync.Mutex
	inflight bool
}

func (g *runGuard) tryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inflight {
		return false
	}
	g.inflight = true
	return true
}

func (g *runGuard) release() {
	g.mu.Lock()
	g.inflight = false
	g.mu.Unlock()
}

func (g *runGuard) held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inflight
}

// entry is the registry record of one task. Guarded by Manager.mu.
type entry struct {
	task     Task
	name     string
	priority Priority
	guard    *runGuard

	asked     time.Duration // interval as passed by the caller
	requested time.Duration // asked, clamped to policy bounds
	effective time.Duration
	timeout   time.Duration

	enabled bool
	state   State

	registeredAt time.Time
	enabledAt    time.Time
	lastRun      time.Time
	lastSuccess  time.Time
	lastErr      error
	lastErrAt    time.Time
	lastDuration time.Duration

	consecutiveErrors int
	runs              uint64
	successes         uint64
	failures          uint64
	warnings          []string

	runID       string
	cancel      context.CancelFunc
	skipNoted   bool
	failureWarn rate.Sometimes

	// stopCancelled marks the current run as cancelled by Stop.
	stopCancelled bool
}

// nextDue is the earliest time the task may run again. A task that never ran is due immediately.
func (e *entry) nextDue() time.Time {
	if e.lastRun.IsZero() {
		return time.Time{}
	}
	return e.lastRun.Add(e.effective)
}

func (e *entry) status() TaskStatus {
	st := TaskStatus{
		Name:              e.name,
		Priority:          e.priority,
		State:             e.state,
		Enabled:           e.enabled,
		RequestedInterval: e.requested,
		EffectiveInterval: e.effective,
		Timeout:           e.timeout,
		RegisteredAt:      e.registeredAt,
		LastRun:           e.lastRun,
		LastSuccess:       e.lastSuccess,
		LastErrorAt:       e.lastErrAt,
		LastDuration:      e.lastDuration,
		ConsecutiveErrors: e.consecutiveErrors,
		Runs:              e.runs,
		Successes:         e.successes,
		Failures:          e.failures,
		Warnings:          append([]string(nil), e.warnings...),
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	// Enable/Disable flip the flag immediately; the coordinator catches the
	// state up on its next pass.
	if !e.enabled && e.state != StateRunning {
		st.State = StateDisabled
	}
	if e.enabled && st.State == StateDisabled {
		st.State = StateIdle
	}
	if e.enabled && e.state != StateRunning {
		st.NextRun = e.nextDue()
	}
	return st
}

func (e *entry) event() TaskEvent {
	return TaskEvent{
		RunID:             e.runID,
		Name:              e.name,
		Priority:          e.priority,
		ConsecutiveErrors: e.consecutiveErrors,
		EffectiveInterval: e.effective,
	}
}

// RegisterOption customizes a registration.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	enabled bool
	timeout time.Duration
}

// WithEnabled registers the task enabled (default) or disabled.
func WithEnabled(enabled bool) RegisterOption {
	return func(o *registerOptions) { o.enabled = enabled }
}

// WithTimeout sets a per-invocation deadline. Overrunning it counts as a failure.
func WithTimeout(d time.Duration) RegisterOption {
	return func(o *registerOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// Register adds a task. The interval is clamped into [floor(priority), MaxBackoff];
// clamping is logged and recorded as a warning on the task, not an error.
func (m *Manager) Register(task Task, interval time.Duration, opts ...RegisterOption) (*Handle, error) {
	if task == nil {
		return nil, &RegistrationError{Err: fmt.Errorf("%w: nil task", ErrInvalidTask)}
	}
	name := strings.TrimSpace(task.Name())
	if name == "" {
		return nil, &RegistrationError{Err: fmt.Errorf("%w: name required", ErrInvalidTask)}
	}
	pr := task.Priority()
	if !pr.Valid() {
		return nil, &RegistrationError{Name: name, Err: fmt.Errorf("%w: %s", ErrInvalidTask, pr)}
	}
	o := registerOptions{enabled: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	m.mu.Lock()
	if _, exists := m.tasks[name]; exists {
		m.mu.Unlock()
		return nil, &RegistrationError{Name: name, Err: ErrDuplicateTask}
	}

	now := m.now()
	bo := Backoff{Policy: m.policy}
	requested := bo.Clamp(pr, interval)
	guard := m.guards[name]
	if guard == nil {
		guard = &runGuard{}
		m.guards[name] = guard
	}
	e := &entry{
		task:         task,
		name:         name,
		priority:     pr,
		guard:        guard,
		asked:        interval,
		requested:    requested,
		effective:    requested,
		timeout:      o.timeout,
		enabled:      o.enabled,
		state:        StateIdle,
		registeredAt: now,
		failureWarn:  rate.Sometimes{First: 1, Interval: failureWarnEvery},
	}
	if !o.enabled {
		e.state = StateDisabled
	}
	if requested != interval {
		w := clampWarning(pr, interval, requested, m.policy)
		e.warnings = append(e.warnings, w)
		m.log.Warn("task interval clamped",
			logx.String("task", name),
			logx.String("priority", pr.String()),
			logx.Duration("requested", interval),
			logx.Duration("effective", requested),
		)
		ev := e.event()
		ev.Warning = w
		m.bus.Publish(eventbus.Event{Type: EventClamped, Time: now, Data: ev})
	}
	m.tasks[name] = e
	m.bus.Publish(eventbus.Event{Type: EventRegistered, Time: now, Data: e.event()})
	m.mu.Unlock()

	m.log.Debug("task registered",
		logx.String("task", name),
		logx.String("priority", pr.String()),
		logx.Duration("interval", requested),
		logx.Bool("enabled", o.enabled),
	)
	m.wake()
	return &Handle{m: m, name: name}, nil
}

// RegisterFunc registers a plain function as a task.
func (m *Manager) RegisterFunc(name string, priority Priority, interval time.Duration, fn func(ctx context.Context) error, opts ...RegisterOption) (*Handle, error) {
	if fn == nil {
		return nil, &RegistrationError{Name: name, Err: fmt.Errorf("%w: nil callback", ErrInvalidTask)}
	}
	return m.Register(TaskFunc(name, priority, fn), interval, opts...)
}

func clampWarning(pr Priority, asked, got time.Duration, p Policy) string {
	if asked < got {
		return fmt.Sprintf("interval %s below %s floor %s; using %s", asked, pr, p.Floor(pr), got)
	}
	return fmt.Sprintf("interval %s above max backoff %s; using %s", asked, p.MaxBackoff, got)
}

// Unregister removes a task and cancels its in-flight invocation, if any.
// Unknown names are a no-op.
func (m *Manager) Unregister(name string) {
	name = strings.TrimSpace(name)
	m.mu.Lock()
	e, ok := m.tasks[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.tasks, name)
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	// Keep a held guard so a re-registration under the same name still waits
	// for the old callback to return.
	if !e.guard.held() {
		delete(m.guards, name)
	}
	m.bus.Publish(eventbus.Event{Type: EventRemoved, Time: m.now(), Data: e.event()})
	m.mu.Unlock()

	m.log.Debug("task unregistered", logx.String("task", name))
	m.wake()
}

// Enable resumes scheduling of a task. Idempotent.
func (m *Manager) Enable(name string) error { return m.setEnabled(name, true) }

// Disable stops scheduling a task without forgetting its history. A run in
// progress is allowed to finish. Idempotent.
func (m *Manager) Disable(name string) error { return m.setEnabled(name, false) }

func (m *Manager) setEnabled(name string, enabled bool) error {
	name = strings.TrimSpace(name)
	m.mu.Lock()
	e, ok := m.tasks[name]
	if !ok {
		m.mu.Unlock()
		return &NotFoundError{Name: name}
	}
	changed := e.enabled != enabled
	e.enabled = enabled
	if changed && enabled {
		e.enabledAt = m.now()
	}
	if changed && !m.isRunningLocked() {
		// No coordinator to catch up; settle the state here.
		m.settleStateLocked(e, m.now())
	}
	if changed {
		typ := EventEnabled
		if !enabled {
			typ = EventDisabled
		}
		m.bus.Publish(eventbus.Event{Type: typ, Time: m.now(), Data: e.event()})
	}
	m.mu.Unlock()

	if changed {
		m.log.Info("task toggled", logx.String("task", name), logx.Bool("enabled", enabled))
		m.wake()
	}
	return nil
}

// settleStateLocked reconciles state with the enabled flag and the clock.
// A backed-off task turns idle once its interval has elapsed, even when
// dispatch is held up. Call with m.mu held.
func (m *Manager) settleStateLocked(e *entry, now time.Time) {
	switch {
	case e.state == StateRunning:
	case !e.enabled:
		e.state = StateDisabled
	case e.state == StateDisabled:
		if e.consecutiveErrors > 0 && now.Before(e.nextDue()) {
			e.state = StateBackoff
		} else {
			e.state = StateIdle
		}
	case e.state == StateBackoff && !now.Before(e.nextDue()):
		e.state = StateIdle
	}
}

// Handle is returned by Register and scopes lifecycle calls to one task.
type Handle struct {
	m    *Manager
	name string
}

func (h *Handle) Name() string                { return h.name }
func (h *Handle) Status() (TaskStatus, error) { return h.m.TaskStatus(h.name) }
func (h *Handle) Enable() error               { return h.m.Enable(h.name) }
func (h *Handle) Disable() error              { return h.m.Disable(h.name) }
func (h *Handle) Unregister()                 { h.m.Unregister(h.name) }
