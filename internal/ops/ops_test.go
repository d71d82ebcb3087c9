package ops

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"pollhub/internal/poll"
	logx "pollhub/pkg/logx"
)

type fakeManager struct {
	healthy  bool
	enabled  map[string]bool
	statuses map[string]poll.TaskStatus
}

func newFakeManager(healthy bool) *fakeManager {
	return &fakeManager{
		healthy:  healthy,
		enabled:  map[string]bool{"cam": true},
		statuses: map[string]poll.TaskStatus{"cam": {Name: "cam", Priority: poll.PriorityHigh, Enabled: true}},
	}
}

func (f *fakeManager) Health() poll.Health {
	h := poll.Health{Healthy: f.healthy, UnhealthyTasks: []string{}}
	if !f.healthy {
		h.UnhealthyTasks = []string{"cam"}
		h.Reasons = map[string]string{"cam": "6 consecutive errors"}
	}
	return h
}

func (f *fakeManager) AllStatus() poll.Status {
	return poll.Status{Running: true, Total: len(f.statuses), Tasks: []poll.TaskStatus{f.statuses["cam"]}}
}

func (f *fakeManager) TaskStatus(name string) (poll.TaskStatus, error) {
	st, ok := f.statuses[name]
	if !ok {
		return poll.TaskStatus{}, &poll.NotFoundError{Name: name}
	}
	return st, nil
}

func (f *fakeManager) Enable(name string) error  { return f.set(name, true) }
func (f *fakeManager) Disable(name string) error { return f.set(name, false) }

func (f *fakeManager) set(name string, v bool) error {
	if _, ok := f.statuses[name]; !ok {
		return &poll.NotFoundError{Name: name}
	}
	f.enabled[name] = v
	return nil
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealthzReflectsVerdict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		healthy bool
		code    int
	}{
		{"healthy", true, http.StatusOK},
		{"unhealthy", false, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := do(t, Routes(Deps{Manager: newFakeManager(tt.healthy)}), http.MethodGet, "/healthz")
			if rec.Code != tt.code {
				t.Fatalf("code = %d, want %d", rec.Code, tt.code)
			}
			var h poll.Health
			if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if h.Healthy != tt.healthy {
				t.Fatalf("healthy = %v", h.Healthy)
			}
		})
	}
}

func TestStatusEndpoints(t *testing.T) {
	t.Parallel()
	h := Routes(Deps{Manager: newFakeManager(true)})

	rec := do(t, h, http.MethodGet, "/status")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"per_task"`) {
		t.Fatalf("/status = %d %s", rec.Code, rec.Body)
	}
	rec = do(t, h, http.MethodGet, "/status/cam")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"priority": "high"`) {
		t.Fatalf("/status/cam = %d %s", rec.Code, rec.Body)
	}
	if rec = do(t, h, http.MethodGet, "/status/ghost"); rec.Code != http.StatusNotFound {
		t.Fatalf("/status/ghost = %d", rec.Code)
	}
	if rec = do(t, h, http.MethodGet, "/outcomes"); rec.Code != http.StatusNotFound {
		t.Fatalf("/outcomes without store = %d", rec.Code)
	}
}

func TestEnableDisableEndpoints(t *testing.T) {
	t.Parallel()
	m := newFakeManager(true)
	h := Routes(Deps{Manager: m})

	if rec := do(t, h, http.MethodPost, "/tasks/cam/disable"); rec.Code != http.StatusNoContent || m.enabled["cam"] {
		t.Fatalf("disable = %d enabled=%v", rec.Code, m.enabled["cam"])
	}
	if rec := do(t, h, http.MethodPost, "/tasks/cam/enable"); rec.Code != http.StatusNoContent || !m.enabled["cam"] {
		t.Fatalf("enable = %d enabled=%v", rec.Code, m.enabled["cam"])
	}
	if rec := do(t, h, http.MethodPost, "/tasks/ghost/enable"); rec.Code != http.StatusNotFound {
		t.Fatalf("enable ghost = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/tasks/cam/enable"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET enable = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	promauto.With(reg).NewCounter(prometheus.CounterOpts{Name: "pollhub_test_total", Help: "test"}).Add(3)

	rec := do(t, Routes(Deps{Manager: newFakeManager(true), Gatherer: reg}), http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "pollhub_test_total 3") {
		t.Fatalf("/metrics = %d %s", rec.Code, rec.Body)
	}
}

func TestPprofMountedOnlyWhenEnabled(t *testing.T) {
	t.Parallel()
	svc := New(Config{Addr: "127.0.0.1:0"}, Deps{Manager: newFakeManager(true)}, logx.Nop())
	if rec := do(t, svc.handler(Config{Pprof: true}), http.MethodGet, "/debug/pprof/"); rec.Code != http.StatusOK {
		t.Fatalf("pprof on = %d", rec.Code)
	}
	if rec := do(t, svc.handler(Config{}), http.MethodGet, "/debug/pprof/"); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof off = %d", rec.Code)
	}
}

func TestServiceStartStop(t *testing.T) {
	t.Parallel()
	svc := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{Manager: newFakeManager(true)}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	svc.Start(ctx)
	var addr string
	for addr == "" {
		if ctx.Err() != nil {
			t.Fatal("server never bound")
		}
		time.Sleep(10 * time.Millisecond)
		addr = svc.Addr()
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d %s", resp.StatusCode, body)
	}

	svc.Reconfigure(ctx, Config{Enabled: false})
	if svc.Addr() != "" || svc.Supervisor() != nil {
		t.Fatal("server still running after disable")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:9280": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":9280":          false,
		"0.0.0.0:9280":   false,
		"192.168.1.5:80": false,
		"garbage":        false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
