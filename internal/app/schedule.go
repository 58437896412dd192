package app

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Every runs fn every interval until ctx is done. A non-positive interval
// disables the loop.
func Every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// ScheduledVerify verifies every chain and updates the health monitor.
func (a *App) ScheduledVerify(ctx context.Context) {
	a.Health.CheckAll(ctx)
}

// ScheduledAudit runs and records an isolation certification.
func (a *App) ScheduledAudit(ctx context.Context) {
	res, err := a.Engine.Run(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Error("scheduled isolation audit failed", zap.Error(err))
		}
		return
	}
	if res.HasCritical() {
		a.logger.Error("isolation audit has critical violations",
			zap.Float64("score", res.Score),
			zap.Int("violations", len(res.Violations)),
		)
	}
}
