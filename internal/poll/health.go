package poll

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// TaskStatus returns a copy of one task's bookkeeping.
func (m *Manager) TaskStatus(name string) (TaskStatus, error) {
	name = strings.TrimSpace(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tasks[name]
	if !ok {
		return TaskStatus{}, &NotFoundError{Name: name}
	}
	return e.status(), nil
}

// AllStatus returns every task, sorted by name.
func (m *Manager) AllStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		Running:   m.isRunningLocked(),
		Total:     len(m.tasks),
		InFlight:  m.inflight,
		StartedAt: m.startedAt,
		Tasks:     make([]TaskStatus, 0, len(m.tasks)),
	}
	for _, e := range m.tasks {
		if e.enabled {
			st.Active++
		} else {
			st.Disabled++
		}
		st.Tasks = append(st.Tasks, e.status())
	}
	sort.Slice(st.Tasks, func(i, j int) bool { return st.Tasks[i].Name < st.Tasks[j].Name })
	return st
}

// Health judges every enabled task. A task is unhealthy when its consecutive
// error count exceeds the threshold, or, while the manager runs, when it has
// not succeeded within StaleMultiple × its effective interval.
func (m *Manager) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	h := Health{Healthy: true, UnhealthyTasks: []string{}, CheckedAt: now}
	for _, e := range m.tasks {
		if !e.enabled {
			continue
		}
		if reason := m.judgeLocked(e, now); reason != "" {
			h.UnhealthyTasks = append(h.UnhealthyTasks, e.name)
			if h.Reasons == nil {
				h.Reasons = make(map[string]string)
			}
			h.Reasons[e.name] = reason
		}
	}
	sort.Strings(h.UnhealthyTasks)
	h.Healthy = len(h.UnhealthyTasks) == 0
	return h
}

func (m *Manager) judgeLocked(e *entry, now time.Time) string {
	p := m.policy
	if e.consecutiveErrors > p.UnhealthyThreshold {
		return fmt.Sprintf("%d consecutive errors (threshold %d)", e.consecutiveErrors, p.UnhealthyThreshold)
	}
	if !m.isRunningLocked() {
		return ""
	}
	ref := e.lastSuccess
	if e.registeredAt.After(ref) {
		ref = e.registeredAt
	}
	if m.startedAt.After(ref) {
		ref = m.startedAt
	}
	if e.enabledAt.After(ref) {
		ref = e.enabledAt
	}
	limit := time.Duration(float64(e.effective) * p.StaleMultiple)
	if since := now.Sub(ref); since > limit {
		return fmt.Sprintf("no success for %s (limit %s)", since.Truncate(time.Millisecond), limit)
	}
	return ""
}
