package poll

import (
	"context"
	"errors"
	"sync"
	"time"

	"pollhub/internal/eventbus"
	logx "pollhub/pkg/logx"

	rtsup "pollhub/internal/runtime/supervisor"
)

const (
	defaultShutdownGrace = 10 * time.Second

	// forceCollectWait bounds how long Stop waits for cancelled invocations
	// to report back after the grace period ran out.
	forceCollectWait = time.Second
)

type phase int

const (
	phaseNew phase = iota
	phaseRunning
	phaseDraining
	phaseStopped
)

// Manager owns the task registry and the coordinator goroutine.
// Construct one per process and pass it to every integration that polls.
type Manager struct {
	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	grace time.Duration

	mu        sync.Mutex
	policy    Policy
	tasks     map[string]*entry
	guards    map[string]*runGuard
	phase     phase
	startedAt time.Time
	inflight  int

	sup     *rtsup.Supervisor
	wakeCh  chan struct{}
	results chan outcome
	quit    chan struct{}

	drained     chan struct{}
	drainClosed bool
	stopped     chan struct{}
	stopErr     error
}

// New validates cfg.Policy and returns an idle manager. A nil bus disables events.
func New(cfg Config, log logx.Logger, bus eventbus.Bus) (*Manager, error) {
	p, err := cfg.Policy.Validate()
	if err != nil {
		return nil, err
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = defaultShutdownGrace
	}
	return &Manager{
		log:     log.With(logx.String("comp", "poll")),
		bus:     bus,
		now:     time.Now,
		grace:   grace,
		policy:  p,
		tasks:   make(map[string]*entry),
		guards:  make(map[string]*runGuard),
		wakeCh:  make(chan struct{}, 1),
		results: make(chan outcome),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}, nil
}

// Start launches the coordinator. Calling it again while running is a no-op;
// calling it after Stop returns ErrStopped.
func (m *Manager) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	switch m.phase {
	case phaseRunning:
		m.mu.Unlock()
		return nil
	case phaseDraining, phaseStopped:
		m.mu.Unlock()
		return ErrStopped
	}
	now := m.now()
	m.phase = phaseRunning
	m.startedAt = now
	m.sup = rtsup.New(ctx,
		rtsup.WithLogger(m.log),
		// A failing coordinator is restarted, never allowed to take the process down.
		rtsup.WithCancelOnError(false),
	)
	sup := m.sup
	n := len(m.tasks)
	m.bus.Publish(eventbus.Event{Type: EventManagerStarted, Time: now, Data: n})
	m.mu.Unlock()

	sup.GoRestart("poll.coordinator", 250*time.Millisecond, 5*time.Second, func(c context.Context) error {
		m.loop(c)
		if c.Err() != nil {
			return nil
		}
		return errors.New("coordinator exited unexpectedly")
	})
	m.log.Info("poll manager started", logx.Int("tasks", n))
	return nil
}

// Stop stops dispatching, waits up to grace for running callbacks, then
// cancels the rest. Each cancelled task contributes a *ShutdownTimeoutError
// to the returned error. A negative grace uses Config.ShutdownGrace.
// No dispatch happens after Stop returns.
func (m *Manager) Stop(grace time.Duration) error {
	if grace < 0 {
		grace = m.grace
	}
	m.mu.Lock()
	switch m.phase {
	case phaseNew:
		m.phase = phaseStopped
		close(m.stopped)
		m.mu.Unlock()
		return nil
	case phaseStopped:
		err := m.stopErr
		m.mu.Unlock()
		return err
	case phaseDraining:
		stopped := m.stopped
		m.mu.Unlock()
		<-stopped
		return m.stopErrSnapshot()
	}
	m.phase = phaseDraining
	m.drained = make(chan struct{})
	m.drainClosed = false
	drained := m.drained
	sup := m.sup
	inflight := m.inflight
	m.mu.Unlock()

	m.log.Info("poll manager stopping", logx.Int("in_flight", inflight), logx.Duration("grace", grace))
	m.wake()

	var errs []error
	t := time.NewTimer(grace)
	select {
	case <-drained:
	case <-sup.Context().Done():
	case <-t.C:
		errs = m.cancelInFlight(grace)
		c := time.NewTimer(forceCollectWait)
		select {
		case <-drained:
		case <-sup.Context().Done():
		case <-c.C:
		}
		c.Stop()
	}
	t.Stop()

	sup.Cancel()
	close(m.quit)
	wctx, cancel := context.WithTimeout(context.Background(), forceCollectWait)
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		m.log.Warn("poll supervisor reported error", logx.Err(err))
	}
	cancel()

	err := errors.Join(errs...)
	m.mu.Lock()
	m.phase = phaseStopped
	m.stopErr = err
	m.bus.Publish(eventbus.Event{Type: EventManagerStopped, Time: m.now(), Data: len(errs)})
	close(m.stopped)
	m.mu.Unlock()

	if err != nil {
		m.log.Warn("poll manager stopped with cancelled tasks", logx.Int("cancelled", len(errs)))
	} else {
		m.log.Info("poll manager stopped")
	}
	return err
}

func (m *Manager) stopErrSnapshot() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopErr
}

// cancelInFlight cancels every invocation still outstanding after the grace period.
func (m *Manager) cancelInFlight(grace time.Duration) []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for name, e := range m.tasks {
		if e.cancel == nil {
			continue
		}
		e.stopCancelled = true
		e.cancel()
		e.cancel = nil
		m.log.Warn("task cancelled at shutdown", logx.String("task", name), logx.String("run_id", e.runID), logx.Duration("grace", grace))
		errs = append(errs, &ShutdownTimeoutError{Task: name, Grace: grace})
	}
	return errs
}

// ApplyPolicy swaps the policy at runtime. Every task is re-clamped and its
// effective interval recomputed from its current error count.
func (m *Manager) ApplyPolicy(p Policy) error {
	p, err := p.Validate()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.policy = p
	bo := Backoff{Policy: p}
	now := m.now()
	for _, e := range m.tasks {
		e.requested = bo.Clamp(e.priority, e.asked)
		e.effective = bo.Effective(e.priority, e.requested, e.consecutiveErrors)
		if e.requested != e.asked {
			w := clampWarning(e.priority, e.asked, e.requested, p)
			if n := len(e.warnings); n == 0 || e.warnings[n-1] != w {
				e.warnings = append(e.warnings, w)
			}
		}
	}
	m.bus.Publish(eventbus.Event{Type: EventPolicyApplied, Time: now, Data: p})
	n := len(m.tasks)
	m.mu.Unlock()

	m.log.Info("poll policy applied",
		logx.Duration("max_backoff", p.MaxBackoff),
		logx.Int("unhealthy_threshold", p.UnhealthyThreshold),
		logx.Int("max_concurrent", p.MaxConcurrent),
		logx.Int("tasks", n),
	)
	m.wake()
	return nil
}

// Policy returns the active policy.
func (m *Manager) Policy() Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy
}

// Running reports whether the coordinator is dispatching.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isRunningLocked()
}

func (m *Manager) isRunningLocked() bool { return m.phase == phaseRunning }

// Supervisor exposes the goroutine supervisor for operational snapshots (nil before Start).
func (m *Manager) Supervisor() *rtsup.Supervisor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sup
}

func (m *Manager) wake() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}
