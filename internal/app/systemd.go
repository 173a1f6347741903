package app

import (
	"context"
	"time"

	"actionq/internal/runtime/supervisor"
	logx "actionq/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

// startSystemd reports readiness to systemd (Type=notify units) and, when
// WatchdogSec is set, pings the watchdog at half its interval. Both are
// no-ops outside systemd.
func (a *App) startSystemd(sup *supervisor.Supervisor) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	switch {
	case err != nil:
		a.log.Warn("systemd notify failed", logx.Err(err))
	case sent:
		a.log.Debug("systemd notified ready")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("systemd watchdog config invalid", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	sup.Go0("systemd.watchdog", func(ctx context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
					a.log.Warn("systemd watchdog ping failed", logx.Err(err))
				}
			}
		}
	})
}

func notifyStopping(log logx.Logger) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		log.Debug("systemd notify stopping failed", logx.Err(err))
	}
}
