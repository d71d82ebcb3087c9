// Package probe implements HTTP status probes as poll tasks.
package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"pollhub/internal/poll"
)

// maxDrain bounds how much of a response body is read before closing.
const maxDrain = 64 << 10

// Spec describes one probe.
type Spec struct {
	Name     string
	Priority poll.Priority
	URL      string
	Method   string
	Headers  map[string]string
	// Expect lists accepted status codes. Empty means any 2xx.
	Expect []int
}

// StatusError reports an unexpected response code.
type StatusError struct {
	Method string
	URL    string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.Code)
}

// HTTP polls one endpoint. It satisfies poll.Task.
type HTTP struct {
	spec   Spec
	client *http.Client
	ua     string
}

// New returns a probe using client, or a default client when nil.
func New(spec Spec, client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	spec.Method = strings.ToUpper(strings.TrimSpace(spec.Method))
	if spec.Method == "" {
		spec.Method = http.MethodGet
	}
	return &HTTP{spec: spec, client: client, ua: "pollhub-probe"}
}

func (p *HTTP) Name() string            { return p.spec.Name }
func (p *HTTP) Priority() poll.Priority { return p.spec.Priority }
func (p *HTTP) Spec() Spec              { return p.spec }

// Run issues one request and checks the status code.
func (p *HTTP) Run(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, p.spec.Method, p.spec.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", p.ua)
	for k, v := range p.spec.Headers {
		req.Header.Set(k, v)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))

	if !p.accepts(resp.StatusCode) {
		return &StatusError{Method: p.spec.Method, URL: p.spec.URL, Code: resp.StatusCode}
	}
	return nil
}

func (p *HTTP) accepts(code int) bool {
	if len(p.spec.Expect) == 0 {
		return code >= 200 && code < 300
	}
	return slices.Contains(p.spec.Expect, code)
}
