package history

import (
	"context"
	"errors"
	"log"
	"time"

	"vpdcalc/internal/metrics"
)

const (
	// DefaultQueueSize is the number of readings buffered ahead of the sinks
	DefaultQueueSize = 256

	// DefaultWriteTimeout bounds one write to the wrapped recorder
	DefaultWriteTimeout = 5 * time.Second
)

// ErrQueueFull is returned when a reading is dropped because the sinks are behind
var ErrQueueFull = errors.New("history queue is full")

// Queue hands readings to a background writer so that publishers never wait
// on a sink. Write errors are left to the wrapped recorder; wrap the sinks in
// Multi to count and log them.
type Queue struct {
	next    Recorder
	ch      chan Reading
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *log.Logger
}

// NewQueue creates a queue of size readings in front of next.
// Nothing is written until Run is started.
func NewQueue(next Recorder, size int, m *metrics.Metrics, logger *log.Logger) *Queue {
	if size < 1 {
		size = DefaultQueueSize
	}
	return &Queue{
		next:    next,
		ch:      make(chan Reading, size),
		timeout: DefaultWriteTimeout,
		metrics: m,
		logger:  logger,
	}
}

// Name implements Recorder
func (q *Queue) Name() string { return q.next.Name() }

// Record implements Recorder. It never blocks.
func (q *Queue) Record(_ context.Context, r Reading) error {
	select {
	case q.ch <- r:
		return nil
	default:
		q.metrics.IncHistoryError("queue")
		return ErrQueueFull
	}
}

// Run writes queued readings until ctx is cancelled, then flushes what is
// left with a fresh timeout per reading.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case r := <-q.ch:
			q.write(r)
		case <-ctx.Done():
			q.flush()
			return
		}
	}
}

func (q *Queue) flush() {
	n := 0
	for {
		select {
		case r := <-q.ch:
			q.write(r)
			n++
		default:
			if n > 0 && q.logger != nil {
				q.logger.Printf("[History] Flushed %d queued readings", n)
			}
			return
		}
	}
}

func (q *Queue) write(r Reading) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()
	q.next.Record(ctx, r)
}

// Pending returns the number of readings waiting to be written
func (q *Queue) Pending() int {
	return len(q.ch)
}

// Close closes the wrapped recorder
func (q *Queue) Close() error {
	return q.next.Close()
}
