package poll

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"pollhub/internal/eventbus"
	logx "pollhub/pkg/logx"
)

// loop is the coordinator. It sleeps until the earliest due time, a wake-up
// (registry change, released guard) or a completion, whichever comes first.
func (m *Manager) loop(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait, armed := m.dispatchDue(ctx)

		timer.Stop()
		var tick <-chan time.Time
		if armed {
			timer.Reset(wait)
			tick = timer.C
		}

		select {
		case <-ctx.Done():
			return
		case <-m.wakeCh:
		case out := <-m.results:
			m.complete(out)
		case <-tick:
		}
	}
}

// dispatchDue starts every due task and returns how long to sleep until the
// next one becomes due. armed is false when nothing is waiting on time.
func (m *Manager) dispatchDue(ctx context.Context) (wait time.Duration, armed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != phaseRunning {
		m.noteDrainedLocked()
		return 0, false
	}

	now := m.now()
	var next time.Time
	for _, e := range m.tasks {
		m.settleStateLocked(e, now)
		if !e.enabled || e.state == StateRunning {
			continue
		}
		due := e.nextDue()
		if now.Before(due) {
			if next.IsZero() || due.Before(next) {
				next = due
			}
			continue
		}
		// Blocked tasks stay due and are not part of the timer: a completion
		// or guard release wakes the loop.
		if max := m.policy.MaxConcurrent; max > 0 && m.inflight >= max {
			m.noteSkipLocked(e, now, "max concurrent invocations reached")
			continue
		}
		if !e.guard.tryAcquire() {
			m.noteSkipLocked(e, now, "previous invocation still running")
			continue
		}
		m.dispatchLocked(ctx, e, now)
	}

	if next.IsZero() {
		return 0, false
	}
	wait = next.Sub(now)
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

func (m *Manager) noteSkipLocked(e *entry, now time.Time, reason string) {
	if e.skipNoted {
		return
	}
	e.skipNoted = true
	ev := e.event()
	ev.Warning = reason
	m.bus.Publish(eventbus.Event{Type: EventSkipped, Time: now, Data: ev})
	m.log.Debug("task skipped", logx.String("task", e.name), logx.String("reason", reason))
}

// dispatchLocked marks e running and starts its invocation. The guard is
// already held by the caller.
func (m *Manager) dispatchLocked(ctx context.Context, e *entry, now time.Time) {
	timeout := e.timeout
	if timeout <= 0 {
		timeout = m.policy.DefaultTimeout
	}
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	e.state = StateRunning
	e.runID = uuid.NewString()
	e.lastRun = now
	e.runs++
	e.cancel = cancel
	e.skipNoted = false
	e.stopCancelled = false
	m.inflight++
	holds := 2

	ev := e.event()
	ev.Started = now
	m.bus.Publish(eventbus.Event{Type: EventStarted, Time: now, Data: ev})

	inv := invocation{
		e:       e,
		task:    e.task,
		guard:   e.guard,
		runID:   e.runID,
		started: now,
		timeout: timeout,
		holds:   &holds,
	}
	m.sup.Go0("task."+e.name, func(context.Context) { m.invoke(runCtx, inv) })
}

// complete applies one outcome. Outcomes of unregistered or replaced tasks
// are discarded.
func (m *Manager) complete(out outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.releaseHoldLocked(out.inv)

	e := out.inv.e
	if cur, ok := m.tasks[e.name]; !ok || cur != e || e.runID != out.inv.runID {
		return
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}

	now := m.now()
	bo := Backoff{Policy: m.policy}
	e.lastDuration = out.duration

	ev := e.event()
	ev.Started = out.inv.started
	ev.Duration = out.duration

	var xe *ExecutionError
	switch {
	case out.err == nil:
		e.successes++
		e.lastSuccess = now
		e.consecutiveErrors, e.effective = bo.Success(e.priority, e.requested, e.consecutiveErrors)
		e.state = StateIdle
		ev.ConsecutiveErrors, ev.EffectiveInterval = e.consecutiveErrors, e.effective
		m.bus.Publish(eventbus.Event{Type: EventSucceeded, Time: now, Data: ev})
		m.log.Trace("task succeeded", logx.String("task", e.name), logx.Duration("took", out.duration))

	case e.stopCancelled && errors.As(out.err, &xe) && !xe.Timeout:
		// Cancelled by Stop: not the device's fault, no backoff.
		e.lastErr = out.err
		e.lastErrAt = now
		if e.consecutiveErrors > 0 {
			e.state = StateBackoff
		} else {
			e.state = StateIdle
		}
		ev.Error = out.err.Error()
		m.bus.Publish(eventbus.Event{Type: EventCancelled, Time: now, Data: ev})

	default:
		e.failures++
		e.lastErr = out.err
		e.lastErrAt = now
		e.consecutiveErrors, e.effective = bo.Failure(e.priority, e.requested, e.consecutiveErrors)
		e.state = StateBackoff
		ev.ConsecutiveErrors, ev.EffectiveInterval = e.consecutiveErrors, e.effective
		ev.Error = out.err.Error()
		ev.Timeout = xe != nil && xe.Timeout
		m.bus.Publish(eventbus.Event{Type: EventFailed, Time: now, Data: ev})

		fields := []logx.Field{
			logx.String("task", e.name),
			logx.String("run_id", out.inv.runID),
			logx.Int("consecutive_errors", e.consecutiveErrors),
			logx.Duration("next_interval", e.effective),
			logx.Err(out.err),
		}
		logged := false
		e.failureWarn.Do(func() {
			logged = true
			m.log.Warn("task failed", fields...)
		})
		if !logged {
			m.log.Debug("task failed", fields...)
		}
	}

	if !e.enabled {
		e.state = StateDisabled
	}
}

// releaseHoldLocked drops one of the two holds of an invocation. The
// concurrency slot is freed once the outcome is applied and the callback has
// returned, so callbacks that overrun their deadline still count against
// MaxConcurrent.
func (m *Manager) releaseHoldLocked(inv invocation) {
	if inv.holds == nil || *inv.holds <= 0 {
		return
	}
	*inv.holds--
	if *inv.holds > 0 {
		return
	}
	m.inflight--
	m.noteDrainedLocked()
}

// callReturned runs once the callback itself has returned.
func (m *Manager) callReturned(inv invocation) {
	m.mu.Lock()
	// Drop the guard of a task that was unregistered meanwhile.
	if cur, ok := m.tasks[inv.e.name]; (!ok || cur.guard != inv.guard) && m.guards[inv.e.name] == inv.guard {
		delete(m.guards, inv.e.name)
	}
	m.releaseHoldLocked(inv)
	m.mu.Unlock()
	m.wake()
}

func (m *Manager) noteDrainedLocked() {
	if m.phase != phaseDraining || m.inflight > 0 || m.drainClosed {
		return
	}
	m.drainClosed = true
	close(m.drained)
}
