package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"pollhub/internal/poll"
	logx "pollhub/pkg/logx"
)

// Notifications are no-ops when NOTIFY_SOCKET is unset.

func notifyReady(log logx.Logger, st poll.Status) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady+"\n"+statusLine(st)); err != nil {
		log.Debug("sd_notify ready failed", logx.Err(err))
	}
}

func notifyStopping(log logx.Logger) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		log.Debug("sd_notify stopping failed", logx.Err(err))
	}
}

func statusLine(st poll.Status) string {
	return fmt.Sprintf("STATUS=%d tasks, %d active, %d in flight", st.Total, st.Active, st.InFlight)
}

// watchdog pings systemd at half the configured WatchdogSec while the poll
// manager is running. A stalled manager stops the pings and systemd restarts us.
func (a *App) watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("systemd watchdog misconfigured", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !a.mgr.Running() {
				continue
			}
			msg := daemon.SdNotifyWatchdog + "\n" + statusLine(a.mgr.AllStatus())
			if _, err := daemon.SdNotify(false, msg); err != nil {
				a.log.Debug("sd_notify watchdog failed", logx.Err(err))
			}
		}
	}
}
