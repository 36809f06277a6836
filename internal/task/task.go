// Package task has small helpers for background work bound to a context.
package task

import (
	"context"
	"log"
	"time"
)

// RunPeriodic runs fn immediately and then every interval until ctx is cancelled.
// Errors are logged and do not stop the loop.
//
//	go task.RunPeriodic(ctx, time.Minute, logger, "Flows", func(ctx context.Context) error {
//	    return flows.Sweep()
//	})
func RunPeriodic(ctx context.Context, interval time.Duration, logger *log.Logger, component string, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	run := func() {
		if err := fn(ctx); err != nil && logger != nil {
			logger.Printf("[%s] Background task error: %v", component, err)
		}
	}

	run()
	for {
		select {
		case <-ctx.Done():
			if logger != nil {
				logger.Printf("[%s] Background task stopped", component)
			}
			return
		case <-ticker.C:
			run()
		}
	}
}

// RunOnce runs fn once after delay, unless ctx is cancelled first.
func RunOnce(ctx context.Context, delay time.Duration, logger *log.Logger, component string, fn func(context.Context) error) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		if logger != nil {
			logger.Printf("[%s] Delayed task cancelled", component)
		}
	case <-timer.C:
		if err := fn(ctx); err != nil && logger != nil {
			logger.Printf("[%s] Delayed task error: %v", component, err)
		}
	}
}
