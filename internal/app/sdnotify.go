package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "anidbsync/pkg/logx"
)

// sdNotify reports state to systemd. Outside a notify unit it does nothing.
func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify", logx.String("state", state))
	}
}

// watchdogInterval returns how often to ping the systemd watchdog, or 0
// when the unit has no WatchdogSec.
func watchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// watchdogLoop pings systemd until ctx ends. alive gates each ping so a
// wedged component stops the pings and lets systemd restart the unit.
func watchdogLoop(ctx context.Context, every time.Duration, log logx.Logger, alive func() bool) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if alive != nil && !alive() {
				log.Warn("health check failed; skipping watchdog ping")
				continue
			}
			sdNotify(log, daemon.SdNotifyWatchdog)
		}
	}
}
