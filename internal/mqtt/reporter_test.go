package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"pollhub/internal/poll"
)

type message struct {
	topic   string
	qos     byte
	retain  bool
	payload []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []message
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, topic string, qos byte, retain bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, message{topic, qos, retain, payload})
	return nil
}

func (f *fakePublisher) Close() error { return nil }

type fakeSource struct{}

func (fakeSource) Health() poll.Health {
	return poll.Health{
		Healthy:        false,
		UnhealthyTasks: []string{"porch-camera"},
		Reasons:        map[string]string{"porch-camera": "6 consecutive errors"},
		CheckedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func (fakeSource) AllStatus() poll.Status {
	return poll.Status{Running: true, Total: 1, Active: 1, Tasks: []poll.TaskStatus{{
		Name:              "porch-camera",
		Priority:          poll.PriorityHigh,
		State:             poll.StateBackoff,
		Enabled:           true,
		EffectiveInterval: 40 * time.Second,
		ConsecutiveErrors: 6,
	}}}
}

func TestReporterPublishesHealthAndStatus(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{}
	r := NewReporter(pub, fakeSource{}, Config{Topic: "home/pollhub", QoS: 1, Retain: true})

	if r.Name() != ReporterName || r.Priority() != poll.PriorityLow {
		t.Fatalf("identity = %s/%s", r.Name(), r.Priority())
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(pub.msgs) != 2 {
		t.Fatalf("published %d messages", len(pub.msgs))
	}
	h := pub.msgs[0]
	if h.topic != "home/pollhub/health" || h.qos != 1 || !h.retain {
		t.Fatalf("health message = %+v", h)
	}
	var health struct {
		Healthy        bool     `json:"healthy"`
		UnhealthyTasks []string `json:"unhealthy_tasks"`
	}
	if err := json.Unmarshal(h.payload, &health); err != nil {
		t.Fatalf("health payload: %v", err)
	}
	if health.Healthy || len(health.UnhealthyTasks) != 1 {
		t.Fatalf("health = %+v", health)
	}

	s := pub.msgs[1]
	var status struct {
		Tasks []struct {
			Name     string `json:"name"`
			Priority string `json:"priority"`
			State    string `json:"state"`
		} `json:"per_task"`
	}
	if err := json.Unmarshal(s.payload, &status); err != nil {
		t.Fatalf("status payload: %v", err)
	}
	if s.topic != "home/pollhub/status" || status.Tasks[0].Priority != "high" || status.Tasks[0].State != "backoff" {
		t.Fatalf("status = %s %+v", s.topic, status)
	}
}

func TestReporterSurfacesPublishFailure(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{err: ErrNotConnected}
	err := NewReporter(pub, fakeSource{}, Config{Topic: "pollhub"}).Run(context.Background())
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}
