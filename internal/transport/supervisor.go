package transport

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"device-command-service/internal/utils"
)

// Supervise keeps an Opener's link up until ctx is done. Each interval it
// checks the link and, when down, re-opens it with exponential backoff.
// Transports that cannot be opened are left alone.
func Supervise(ctx context.Context, deviceID string, t Transport, interval time.Duration, logger *zap.Logger) {
	opener, ok := t.(Opener)
	if !ok {
		return
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	dl := utils.NewDeviceLogger(logger, deviceID, t.DeviceType())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if !t.IsConnected() {
			reconnect(ctx, opener, dl)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func reconnect(ctx context.Context, opener Opener, dl *utils.DeviceLogger) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0

	op := func() error { return opener.Open(ctx) }
	notify := func(err error, next time.Duration) {
		dl.Warn("Device link down, retrying", zap.Error(err), zap.Duration("next_attempt", next))
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify); err != nil {
		dl.Debug("Link supervision stopped", zap.Error(err))
		return
	}
	dl.LogConnection("reconnect", true, nil)
}
