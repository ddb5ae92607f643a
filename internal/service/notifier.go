package service

import (
	"context"
	"log/slog"
	"time"
)

// Live-feed channels.
const (
	ChannelDevices     = "devices"
	ChannelHeartbeats  = "heartbeats"
	ChannelScreenshots = "screenshots"
	ChannelIdleAlerts  = "idle_alerts"
)

// Notifier fans telemetry out to live dashboards. A nil Notifier disables fan-out.
type Notifier interface {
	Publish(ctx context.Context, channel string, payload any) error
}

const notifyTimeout = 2 * time.Second

// notify publishes on its own goroutine so a slow or absent broker never delays the caller.
func notify(n Notifier, log *slog.Logger, channel string, payload any) {
	if n == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := n.Publish(ctx, channel, payload); err != nil {
			log.Warn("live fan-out failed", "channel", channel, "err", err)
		}
	}()
}
