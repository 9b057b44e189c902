package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "settlebot/pkg/logx"
)

// sdNotifier reports lifecycle state to systemd when running as a
// Type=notify unit. Outside systemd every call is a no-op.
type sdNotifier struct {
	enabled  bool
	watchdog bool
	log      logx.Logger
}

func (n sdNotifier) send(state string) {
	if !n.enabled {
		return
	}
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}

func (n sdNotifier) ready()           { n.send(daemon.SdNotifyReady) }
func (n sdNotifier) stopping()        { n.send(daemon.SdNotifyStopping) }
func (n sdNotifier) status(s string)  { n.send("STATUS=" + s) }
func (n sdNotifier) watchdogPing()    { n.send(daemon.SdNotifyWatchdog) }
func (n sdNotifier) watchdogOn() bool { return n.enabled && n.watchdog }

// watchdogLoop pings at half the interval systemd asked for. It returns
// at once when WatchdogSec is not set for the unit.
func (n sdNotifier) watchdogLoop(ctx context.Context, alive func() bool) {
	if !n.watchdogOn() {
		return
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		if err != nil {
			n.log.Warn("watchdog disabled", logx.Err(err))
		}
		return
	}
	period := interval / 2
	if period < time.Second {
		period = time.Second
	}
	n.log.Info("watchdog enabled", logx.Duration("interval", interval))
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			// A wedged poller stops the pings so systemd restarts us.
			if alive == nil || alive() {
				n.watchdogPing()
			}
		}
	}
}
