package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"pollhub/internal/eventbus"
	"pollhub/internal/poll"
)

type fakeSource struct{ health poll.Health }

func (f fakeSource) Health() poll.Health    { return f.health }
func (f fakeSource) AllStatus() poll.Status { return poll.Status{InFlight: 2} }

func taskEvent(typ string, te poll.TaskEvent) eventbus.Event {
	return eventbus.Event{Type: typ, Time: time.Now(), Data: te}
}

func TestCollectorCountsOutcomes(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	c := New(reg, nil, nil)

	c.Observe(taskEvent(poll.EventSucceeded, poll.TaskEvent{Name: "cam", Duration: 20 * time.Millisecond, EffectiveInterval: 10 * time.Second}))
	c.Observe(taskEvent(poll.EventFailed, poll.TaskEvent{Name: "cam", ConsecutiveErrors: 1, EffectiveInterval: 20 * time.Second}))
	c.Observe(taskEvent(poll.EventFailed, poll.TaskEvent{Name: "cam", Timeout: true, ConsecutiveErrors: 2, EffectiveInterval: 40 * time.Second}))
	c.Observe(taskEvent(poll.EventStarted, poll.TaskEvent{Name: "cam"}))
	c.Observe(eventbus.Event{Type: poll.EventSucceeded, Data: "not a task"})

	if got := testutil.ToFloat64(c.runs.WithLabelValues("cam", "ok")); got != 1 {
		t.Fatalf("ok runs = %v", got)
	}
	if got := testutil.ToFloat64(c.runs.WithLabelValues("cam", "failed")); got != 1 {
		t.Fatalf("failed runs = %v", got)
	}
	if got := testutil.ToFloat64(c.runs.WithLabelValues("cam", "timeout")); got != 1 {
		t.Fatalf("timeout runs = %v", got)
	}
	if got := testutil.ToFloat64(c.effective.WithLabelValues("cam")); got != 40 {
		t.Fatalf("effective = %v", got)
	}
	if got := testutil.ToFloat64(c.consecutive.WithLabelValues("cam")); got != 2 {
		t.Fatalf("consecutive = %v", got)
	}
}

func TestCollectorForgetsRemovedTask(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	c := New(reg, nil, nil)

	c.Observe(taskEvent(poll.EventRegistered, poll.TaskEvent{Name: "plug", EffectiveInterval: 15 * time.Second}))
	c.Observe(taskEvent(poll.EventClamped, poll.TaskEvent{Name: "plug"}))
	if n := testutil.CollectAndCount(c.effective); n != 1 {
		t.Fatalf("effective series = %d", n)
	}
	c.Observe(taskEvent(poll.EventRemoved, poll.TaskEvent{Name: "plug"}))
	if n := testutil.CollectAndCount(c.effective); n != 0 {
		t.Fatalf("effective series after removal = %d", n)
	}
	if n := testutil.CollectAndCount(c.clamped); n != 0 {
		t.Fatalf("clamped series after removal = %d", n)
	}
}

func TestCollectorScrapeTimeGauges(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	src := fakeSource{health: poll.Health{UnhealthyTasks: []string{"cam", "plug"}}}
	New(reg, eventbus.New(), src)

	expected := `
# HELP pollhub_tasks_unhealthy Tasks currently judged unhealthy.
# TYPE pollhub_tasks_unhealthy gauge
pollhub_tasks_unhealthy 2
# HELP pollhub_tasks_in_flight Invocations currently running.
# TYPE pollhub_tasks_in_flight gauge
pollhub_tasks_in_flight 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "pollhub_tasks_unhealthy", "pollhub_tasks_in_flight"); err != nil {
		t.Fatal(err)
	}
}
