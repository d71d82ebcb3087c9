package poll

import (
	"fmt"
	"time"
)

// Policy holds the externally tunable knobs of the manager.
type Policy struct {
	// Floors is the minimum interval per priority. Missing tiers fall back to
	// the defaults (critical 1s, high 5s, normal 15s, low 60s).
	Floors map[Priority]time.Duration

	// MaxBackoff caps every effective interval. Default: 5m.
	MaxBackoff time.Duration

	// UnhealthyThreshold: a task whose consecutive error count exceeds it is
	// unhealthy. Default: 5.
	UnhealthyThreshold int

	// StaleMultiple: a task is unhealthy when it has not succeeded within
	// StaleMultiple × its effective interval. Default: 3.
	StaleMultiple float64

	// DefaultTimeout applies to tasks registered without their own deadline.
	// 0 disables the default deadline.
	DefaultTimeout time.Duration

	// MaxConcurrent caps concurrently running callbacks. 0 means unlimited.
	// A callback that overruns its deadline keeps its slot until it returns.
	MaxConcurrent int
}

var defaultFloors = map[Priority]time.Duration{
	PriorityCritical: time.Second,
	PriorityHigh:     5 * time.Second,
	PriorityNormal:   15 * time.Second,
	PriorityLow:      60 * time.Second,
}

const (
	defaultMaxBackoff         = 300 * time.Second
	defaultUnhealthyThreshold = 5
	defaultStaleMultiple      = 3
)

// DefaultPolicy returns the stock policy.
func DefaultPolicy() Policy {
	return Policy{}.withDefaults()
}

func (p Policy) withDefaults() Policy {
	floors := make(map[Priority]time.Duration, len(defaultFloors))
	for pr, d := range defaultFloors {
		floors[pr] = d
	}
	for pr, d := range p.Floors {
		if d > 0 {
			floors[pr] = d
		}
	}
	p.Floors = floors
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaultMaxBackoff
	}
	if p.UnhealthyThreshold <= 0 {
		p.UnhealthyThreshold = defaultUnhealthyThreshold
	}
	if p.StaleMultiple <= 0 {
		p.StaleMultiple = defaultStaleMultiple
	}
	if p.DefaultTimeout < 0 {
		p.DefaultTimeout = 0
	}
	if p.MaxConcurrent < 0 {
		p.MaxConcurrent = 0
	}
	return p
}

// Validate applies defaults and rejects policies that would break the floor ≤ ceiling invariant.
func (p Policy) Validate() (Policy, error) {
	for pr := range p.Floors {
		if !pr.Valid() {
			return Policy{}, fmt.Errorf("%w: floor for %s", ErrInvalidPolicy, pr)
		}
	}
	p = p.withDefaults()
	for pr, floor := range p.Floors {
		if floor > p.MaxBackoff {
			return Policy{}, fmt.Errorf("%w: %s floor %s exceeds max backoff %s", ErrInvalidPolicy, pr, floor, p.MaxBackoff)
		}
	}
	return p, nil
}

// Floor returns the minimum interval of a priority tier.
func (p Policy) Floor(pr Priority) time.Duration {
	if d, ok := p.Floors[pr]; ok && d > 0 {
		return d
	}
	return defaultFloors[pr]
}
