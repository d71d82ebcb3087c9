//go:build !linux

package probe

import "context"

// SystemBus is unavailable off linux; every call returns ErrUnsupported.
type SystemBus struct{}

func NewSystemBus() *SystemBus { return &SystemBus{} }

func (*SystemBus) GetUnitPropertiesContext(context.Context, string) (map[string]interface{}, error) {
	return nil, ErrUnsupported
}

func (*SystemBus) Close() error { return nil }
