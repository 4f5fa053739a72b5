package task

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrQueueClosed is returned after Close.
var ErrQueueClosed = errors.New("queue closed")

// MemoryQueue is an in-process Queue. Nack with requeue puts the message back.
type MemoryQueue struct {
	ch chan Delivery

	mu        sync.Mutex
	closed    bool
	published []ProcessingJob
	dead      []DeadLetter
	acks      int
	nacks     int
	timers    []*time.Timer
}

// NewMemoryQueue creates a queue buffering up to size messages.
func NewMemoryQueue(size int) *MemoryQueue {
	return &MemoryQueue{ch: make(chan Delivery, size)}
}

func (q *MemoryQueue) Publish(ctx context.Context, job ProcessingJob) error {
	body, err := job.Encode()
	if err != nil {
		return err
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.published = append(q.published, job)
	q.mu.Unlock()
	return q.push(ctx, body)
}

func (q *MemoryQueue) PublishDelayed(ctx context.Context, job ProcessingJob, delay time.Duration) error {
	if delay <= 0 {
		return q.Publish(ctx, job)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.timers = append(q.timers, time.AfterFunc(delay, func() {
		_ = q.Publish(context.Background(), job)
	}))
	return nil
}

// PublishRaw enqueues an arbitrary body.
func (q *MemoryQueue) PublishRaw(ctx context.Context, body []byte) error {
	return q.push(ctx, body)
}

func (q *MemoryQueue) DeadLetter(_ context.Context, dl DeadLetter) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, dl)
	return nil
}

func (q *MemoryQueue) Consume(_ context.Context) (<-chan Delivery, error) {
	return q.ch, nil
}

// Close stops delayed publishes and rejects new messages.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for _, t := range q.timers {
		t.Stop()
	}
}

// Published returns every job published so far.
func (q *MemoryQueue) Published() []ProcessingJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]ProcessingJob(nil), q.published...)
}

// DeadLetters returns every dead-lettered job.
func (q *MemoryQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.dead...)
}

// Settled returns the ack and nack counts.
func (q *MemoryQueue) Settled() (acks, nacks int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.acks, q.nacks
}

func (q *MemoryQueue) push(ctx context.Context, body []byte) error {
	select {
	case q.ch <- &memoryDelivery{q: q, body: body}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type memoryDelivery struct {
	q       *MemoryQueue
	body    []byte
	settled bool
}

func (d *memoryDelivery) Body() []byte { return d.body }

func (d *memoryDelivery) Ack() error {
	d.q.mu.Lock()
	defer d.q.mu.Unlock()
	if d.settled {
		return errors.New("delivery already settled")
	}
	d.settled = true
	d.q.acks++
	return nil
}

func (d *memoryDelivery) Nack(requeue bool) error {
	d.q.mu.Lock()
	if d.settled {
		d.q.mu.Unlock()
		return errors.New("delivery already settled")
	}
	d.settled = true
	d.q.nacks++
	d.q.mu.Unlock()
	if requeue {
		return d.q.push(context.Background(), d.body)
	}
	return nil
}
