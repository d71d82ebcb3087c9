package probe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pollhub/internal/poll"
)

var ErrUnsupported = errors.New("probe: systemd units are only supported on linux")

// PropertySource reads systemd unit properties. *SystemBus implements it.
type PropertySource interface {
	GetUnitPropertiesContext(ctx context.Context, unit string) (map[string]interface{}, error)
}

// UnitSpec describes a systemd unit probe.
type UnitSpec struct {
	Name     string
	Priority poll.Priority
	// Unit is the unit name; ".service" is appended when no suffix is given.
	Unit string
}

// UnitStateError reports a unit that is not active.
type UnitStateError struct {
	Unit        string
	ActiveState string
	SubState    string
	LoadState   string
	Since       time.Time
}

func (e *UnitStateError) Error() string {
	msg := fmt.Sprintf("unit %s is %s/%s", e.Unit, e.ActiveState, e.SubState)
	if e.LoadState == "not-found" {
		msg = fmt.Sprintf("unit %s not found", e.Unit)
	}
	if !e.Since.IsZero() {
		msg += " since " + e.Since.UTC().Format(time.RFC3339)
	}
	return msg
}

// Unit polls the ActiveState of a local systemd unit, e.g. the MQTT broker
// or a bridge daemon the hub depends on. It satisfies poll.Task.
type Unit struct {
	spec UnitSpec
	src  PropertySource
}

func NewUnit(spec UnitSpec, src PropertySource) *Unit {
	spec.Unit = UnitName(spec.Unit)
	return &Unit{spec: spec, src: src}
}

func (u *Unit) Name() string            { return u.spec.Name }
func (u *Unit) Priority() poll.Priority { return u.spec.Priority }

// Run fails unless the unit is active.
func (u *Unit) Run(ctx context.Context) error {
	if u.src == nil {
		return ErrUnsupported
	}
	props, err := u.src.GetUnitPropertiesContext(ctx, u.spec.Unit)
	if err != nil {
		return fmt.Errorf("unit %s: %w", u.spec.Unit, err)
	}
	active := stringProp(props, "ActiveState")
	if active == "active" {
		return nil
	}
	return &UnitStateError{
		Unit:        u.spec.Unit,
		ActiveState: active,
		SubState:    stringProp(props, "SubState"),
		LoadState:   stringProp(props, "LoadState"),
		Since:       timestampProp(props, "InactiveEnterTimestamp"),
	}
}

// UnitName appends ".service" to bare unit names.
func UnitName(unit string) string {
	unit = strings.TrimSpace(unit)
	if unit == "" || strings.Contains(unit, ".") {
		return unit
	}
	return unit + ".service"
}

func stringProp(props map[string]interface{}, key string) string {
	v, _ := props[key].(string)
	return v
}

// systemd timestamps are microseconds since the Unix epoch.
func timestampProp(props map[string]interface{}, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		return time.UnixMicro(int64(ts))
	}
	return time.Time{}
}
