package server

import (
	"context"
	"time"

	"tipline/internal/engine"
	"tipline/internal/log"
)

const defaultSweepInterval = time.Minute

// StartSweeper deletes expired tokens every interval until ctx is done.
func StartSweeper(ctx context.Context, e engine.Engine, interval time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := e.SweepExpired(ctx); err != nil && ctx.Err() == nil {
					log.Warnf("sweeper: %v", err)
				}
			}
		}
	}()
	return done
}
