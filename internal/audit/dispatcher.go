package audit

import (
	"context"
	"sync"
	"time"

	"CloudVault/internal/metrics"

	"go.uber.org/zap"
)

// Dispatcher delivers events to a sink from one goroutine, so events reach the
// sink in the order they were recorded.
type Dispatcher struct {
	sink    Sink
	log     *zap.Logger
	metrics *metrics.Metrics
	events  chan Event

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewDispatcher starts a dispatcher with a buffer of size events.
func NewDispatcher(sink Sink, size int, log *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if size <= 0 {
		size = 256
	}
	d := &Dispatcher{
		sink:    sink,
		log:     log,
		metrics: m,
		events:  make(chan Event, size),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Record queues e. It blocks while the buffer is full unless ctx ends first.
func (d *Dispatcher) Record(ctx context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.log.Warn("audit event after close", zap.String("action", e.Action), zap.String("resource_id", e.ResourceID))
		d.metrics.AuditDropped()
		return nil
	}
	select {
	case d.events <- e:
		return nil
	case <-ctx.Done():
		d.metrics.AuditDropped()
		return ctx.Err()
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.events {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := d.sink.Record(ctx, e); err != nil {
			d.log.Error("audit sink failed", zap.String("action", e.Action), zap.String("resource_id", e.ResourceID), zap.Error(err))
			d.metrics.AuditDropped()
		}
		cancel()
	}
}
