package probe

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"pollhub/internal/poll"
)

type fakeUnits map[string]map[string]interface{}

func (f fakeUnits) GetUnitPropertiesContext(_ context.Context, unit string) (map[string]interface{}, error) {
	p, ok := f[unit]
	if !ok {
		return nil, errors.New("org.freedesktop.systemd1.NoSuchUnit")
	}
	return p, nil
}

func TestUnitName(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]string{
		"mosquitto":              "mosquitto.service",
		" zigbee2mqtt ":          "zigbee2mqtt.service",
		"backup.timer":           "backup.timer",
		"home-assistant.service": "home-assistant.service",
		"":                       "",
	} {
		if got := UnitName(in); got != want {
			t.Errorf("UnitName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestUnitProbe(t *testing.T) {
	t.Parallel()
	down := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	src := fakeUnits{
		"mosquitto.service": {"ActiveState": "active", "SubState": "running", "LoadState": "loaded"},

		"zigbee2mqtt.service": {
			"ActiveState":            "failed",
			"SubState":               "failed",
			"LoadState":              "loaded",
			"InactiveEnterTimestamp": uint64(down.UnixMicro()),
		},

		"ghost.service": {"ActiveState": "inactive", "SubState": "dead", "LoadState": "not-found"},
	}

	if err := NewUnit(UnitSpec{Name: "broker", Priority: poll.PriorityCritical, Unit: "mosquitto"}, src).Run(context.Background()); err != nil {
		t.Fatalf("active unit: %v", err)
	}

	err := NewUnit(UnitSpec{Name: "zigbee", Unit: "zigbee2mqtt"}, src).Run(context.Background())
	var se *UnitStateError
	if !errors.As(err, &se) || se.ActiveState != "failed" || !se.Since.Equal(down) {
		t.Fatalf("failed unit err = %v", err)
	}
	if !strings.Contains(err.Error(), "since 2026-05-01T08:00:00Z") {
		t.Fatalf("message = %q", err.Error())
	}

	err = NewUnit(UnitSpec{Name: "ghost", Unit: "ghost"}, src).Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("missing unit err = %v", err)
	}

	if err := NewUnit(UnitSpec{Name: "gone", Unit: "gone"}, src).Run(context.Background()); err == nil {
		t.Fatal("lookup error not surfaced")
	}
	if err := NewUnit(UnitSpec{Name: "nil", Unit: "x"}, nil).Run(context.Background()); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("nil source err = %v", err)
	}
}
