package mq

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"CloudVault/internal/task"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Queue implements task.Queue on RabbitMQ. Publishing goes through a shared
// Publisher; each Consume call opens its own channel with prefetch.
type Queue struct {
	url       string
	prefetch  int
	publisher *Publisher

	mu        sync.Mutex
	consumers []*Client
}

func NewQueue(url string, prefetch int, publisher *Publisher) *Queue {
	if prefetch <= 0 {
		prefetch = 1
	}
	return &Queue{url: url, prefetch: prefetch, publisher: publisher}
}

func (q *Queue) Publish(ctx context.Context, job task.ProcessingJob) error {
	body, err := job.Encode()
	if err != nil {
		return err
	}
	return q.publisher.PublishTask(ctx, body)
}

func (q *Queue) PublishDelayed(ctx context.Context, job task.ProcessingJob, delay time.Duration) error {
	body, err := job.Encode()
	if err != nil {
		return err
	}
	if delay <= 0 {
		return q.publisher.PublishTask(ctx, body)
	}
	return q.publisher.PublishRetry(ctx, body, delay)
}

func (q *Queue) DeadLetter(ctx context.Context, dl task.DeadLetter) error {
	body, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	return q.publisher.PublishDLQ(ctx, body)
}

// Consume starts a manual-ack consumer. The returned channel closes when ctx is
// done or the broker closes the channel. The consumer connection stays open
// until Close so in-flight deliveries can still be acked.
func (q *Queue) Consume(ctx context.Context) (<-chan task.Delivery, error) {
	client, err := Dial(q.url)
	if err != nil {
		return nil, err
	}
	if err := client.DeclareTopology(); err != nil {
		client.Close()
		return nil, err
	}
	if err := client.Channel.Qos(q.prefetch, 0, false); err != nil {
		client.Close()
		return nil, err
	}
	deliveries, err := client.Channel.Consume(QueueTasks, "", false, false, false, false, nil)
	if err != nil {
		client.Close()
		return nil, err
	}
	q.mu.Lock()
	q.consumers = append(q.consumers, client)
	q.mu.Unlock()

	out := make(chan task.Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				select {
				case out <- &delivery{d: d}:
				case <-ctx.Done():
					_ = d.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

// Close shuts consumer connections and the publisher.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, c := range q.consumers {
		c.Close()
	}
	q.consumers = nil
	q.publisher.Close()
}

type delivery struct {
	d amqp.Delivery
}

func (d *delivery) Body() []byte { return d.d.Body }

func (d *delivery) Ack() error { return d.d.Ack(false) }

func (d *delivery) Nack(requeue bool) error { return d.d.Nack(false, requeue) }
