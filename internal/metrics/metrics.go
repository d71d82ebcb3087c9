// Package metrics exports poll manager activity as Prometheus collectors.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"pollhub/internal/eventbus"
	"pollhub/internal/poll"
)

const namespace = "pollhub"

// Collector folds task events into Prometheus series.
type Collector struct {
	bus eventbus.Bus

	runs        *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	skipped     *prometheus.CounterVec
	effective   *prometheus.GaugeVec
	consecutive *prometheus.GaugeVec
	clamped     *prometheus.CounterVec
}

// HealthSource is the subset of the poll manager read at scrape time.
type HealthSource interface {
	Health() poll.Health
	AllStatus() poll.Status
}

// New registers the collectors on reg. src may be nil.
func New(reg prometheus.Registerer, bus eventbus.Bus, src HealthSource) *Collector {
	f := promauto.With(reg)
	c := &Collector{
		bus: bus,
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_runs_total",
			Help:      "Completed task invocations by outcome.",
		}, []string{"task", "outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Duration of task invocations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task"}),
		skipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_skipped_total",
			Help:      "Due dispatches skipped because the task or the manager was busy.",
		}, []string{"task"}),
		effective: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "task_effective_interval_seconds",
			Help:      "Current effective polling interval including backoff.",
		}, []string{"task"}),
		consecutive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "task_consecutive_errors",
			Help:      "Consecutive failed invocations.",
		}, []string{"task"}),
		clamped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_clamped_total",
			Help:      "Registrations whose requested interval was clamped.",
		}, []string{"task"}),
	}

	if bus != nil {
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eventbus_dropped_total",
			Help:      "Events dropped because a subscriber was full.",
		}, func() float64 { return float64(bus.Dropped()) })
	}
	if src != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_unhealthy",
			Help:      "Tasks currently judged unhealthy.",
		}, func() float64 { return float64(len(src.Health().UnhealthyTasks)) })
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_in_flight",
			Help:      "Invocations currently running.",
		}, func() float64 { return float64(src.AllStatus().InFlight) })
	}
	return c
}

// Run consumes bus events until ctx is done.
func (c *Collector) Run(ctx context.Context) error {
	if c.bus == nil {
		return nil
	}
	events, unsub := c.bus.Subscribe(1024)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.Observe(ev)
		}
	}
}

// Observe applies one event. Non-task events are ignored.
func (c *Collector) Observe(ev eventbus.Event) {
	te, ok := ev.Data.(poll.TaskEvent)
	if !ok {
		return
	}
	switch ev.Type {
	case poll.EventSucceeded, poll.EventFailed, poll.EventCancelled:
		c.runs.WithLabelValues(te.Name, outcome(ev.Type, te)).Inc()
		c.duration.WithLabelValues(te.Name).Observe(te.Duration.Seconds())
		c.effective.WithLabelValues(te.Name).Set(te.EffectiveInterval.Seconds())
		c.consecutive.WithLabelValues(te.Name).Set(float64(te.ConsecutiveErrors))
	case poll.EventRegistered:
		c.effective.WithLabelValues(te.Name).Set(te.EffectiveInterval.Seconds())
		c.consecutive.WithLabelValues(te.Name).Set(0)
	case poll.EventClamped:
		c.clamped.WithLabelValues(te.Name).Inc()
	case poll.EventSkipped:
		c.skipped.WithLabelValues(te.Name).Inc()
	case poll.EventRemoved:
		c.forget(te.Name)
	}
}

func (c *Collector) forget(task string) {
	l := prometheus.Labels{"task": task}
	c.runs.DeletePartialMatch(l)
	c.duration.DeletePartialMatch(l)
	c.skipped.DeletePartialMatch(l)
	c.effective.DeletePartialMatch(l)
	c.consecutive.DeletePartialMatch(l)
	c.clamped.DeletePartialMatch(l)
}

func outcome(typ string, te poll.TaskEvent) string {
	switch {
	case typ == poll.EventSucceeded:
		return "ok"
	case typ == poll.EventCancelled:
		return "cancelled"
	case te.Timeout:
		return "timeout"
	default:
		return "failed"
	}
}
