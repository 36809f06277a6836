package task

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunPeriodic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	done := make(chan struct{})

	go func() {
		RunPeriodic(ctx, 5*time.Millisecond, nil, "Test", func(context.Context) error {
			calls.Add(1)
			return nil
		})
		close(done)
	}()

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestRunPeriodicLogsErrors(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	RunPeriodic(ctx, time.Hour, logger, "Test", func(context.Context) error {
		return errors.New("boom")
	})

	assert.Contains(t, buf.String(), "[Test] Background task error: boom")
	assert.Contains(t, buf.String(), "[Test] Background task stopped")
}

func TestRunOnce(t *testing.T) {
	var called atomic.Bool
	RunOnce(context.Background(), time.Millisecond, nil, "Test", func(context.Context) error {
		called.Store(true)
		return nil
	})
	assert.True(t, called.Load())
}

func TestRunOnceCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var called atomic.Bool
	RunOnce(ctx, time.Hour, nil, "Test", func(context.Context) error {
		called.Store(true)
		return nil
	})
	assert.False(t, called.Load())
}
