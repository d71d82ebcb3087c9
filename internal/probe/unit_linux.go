//go:build linux

package probe

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"
)

// SystemBus is a lazily dialed, shared connection to the systemd manager.
// A failed call drops the connection so the next poll redials.
type SystemBus struct {
	mu   sync.Mutex
	conn *dbus.Conn
}

func NewSystemBus() *SystemBus { return &SystemBus{} }

func (b *SystemBus) GetUnitPropertiesContext(ctx context.Context, unit string) (map[string]interface{}, error) {
	conn, err := b.get(ctx)
	if err != nil {
		return nil, err
	}
	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil && !conn.Connected() {
		b.drop(conn)
	}
	return props, err
}

func (b *SystemBus) get(ctx context.Context) (*dbus.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return b.conn, nil
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	b.conn = conn
	return conn, nil
}

func (b *SystemBus) drop(conn *dbus.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == conn {
		b.conn.Close()
		b.conn = nil
	}
}

// Close closes the connection if one was opened.
func (b *SystemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	return nil
}
