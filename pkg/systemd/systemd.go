// Package systemd speaks the sd_notify protocol. Every call is a no-op when
// the process was not started by systemd with NOTIFY_SOCKET set.
package systemd

import (
	"context"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready reports READY=1.
func Ready() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyReady) }

// Stopping reports STOPPING=1.
func Stopping() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyStopping) }

// Status sets the free-form STATUS= line shown by systemctl status.
func Status(msg string) (bool, error) {
	msg = strings.ReplaceAll(strings.TrimSpace(msg), "\n", " ")
	return daemon.SdNotify(false, "STATUS="+msg)
}

// Watchdog pings the watchdog at half the configured WatchdogSec until ctx
// ends. It returns immediately when the watchdog is not enabled.
func Watchdog(ctx context.Context, healthy func() bool) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy == nil || healthy() {
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}
}
