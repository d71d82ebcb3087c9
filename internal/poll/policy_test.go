package poll

import (
	"errors"
	"testing"
	"time"
)

func TestDefaultPolicy(t *testing.T) {
	t.Parallel()
	p := DefaultPolicy()
	floors := map[Priority]time.Duration{
		PriorityCritical: time.Second,
		PriorityHigh:     5 * time.Second,
		PriorityNormal:   15 * time.Second,
		PriorityLow:      60 * time.Second,
	}
	for pr, want := range floors {
		if got := p.Floor(pr); got != want {
			t.Fatalf("Floor(%s) = %s, want %s", pr, got, want)
		}
	}
	if p.MaxBackoff != 300*time.Second {
		t.Fatalf("MaxBackoff = %s", p.MaxBackoff)
	}
	if p.UnhealthyThreshold != 5 || p.StaleMultiple != 3 {
		t.Fatalf("threshold/stale = %d/%v", p.UnhealthyThreshold, p.StaleMultiple)
	}
}

func TestPolicyValidateMergesFloors(t *testing.T) {
	t.Parallel()
	p, err := Policy{Floors: map[Priority]time.Duration{PriorityNormal: 2 * time.Second}}.Validate()
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if p.Floor(PriorityNormal) != 2*time.Second {
		t.Fatalf("normal floor = %s", p.Floor(PriorityNormal))
	}
	if p.Floor(PriorityLow) != time.Minute {
		t.Fatalf("low floor = %s, want default", p.Floor(PriorityLow))
	}
}

func TestPolicyValidateRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		p    Policy
	}{
		{name: "floor above max", p: Policy{MaxBackoff: 30 * time.Second}},
		{name: "unknown priority", p: Policy{Floors: map[Priority]time.Duration{Priority(7): time.Second}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.p.Validate(); !errors.Is(err, ErrInvalidPolicy) {
				t.Fatalf("Validate() = %v, want ErrInvalidPolicy", err)
			}
		})
	}
}

func TestParsePriority(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"critical", "HIGH", " normal ", "Low"} {
		if _, err := ParsePriority(s); err != nil {
			t.Fatalf("ParsePriority(%q): %v", s, err)
		}
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Fatal("expected error for unknown priority")
	}
	var p Priority
	if err := p.UnmarshalText([]byte("high")); err != nil || p != PriorityHigh {
		t.Fatalf("UnmarshalText = %v, %v", p, err)
	}
}
