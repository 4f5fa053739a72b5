package mq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	ExchangeTasks = "file.process.exchange"
	ExchangeRetry = "file.process.retry.exchange"
	ExchangeDLQ   = "file.process.dlq.exchange"
	ExchangeAudit = "audit.exchange"

	QueueTasks = "file.process.queue"
	QueueRetry = "file.process.retry.queue"
	QueueDLQ   = "file.process.dlq.queue"
	QueueAudit = "audit.queue"

	RoutingTask  = "file.process"
	RoutingRetry = "file.process.retry"
	RoutingDLQ   = "file.process.dlq"
	RoutingAudit = "audit.#"
)

type Client struct {
	Conn      *amqp.Connection //tcp
	Channel   *amqp.Channel    // AMQP
	publishMu sync.Mutex
}

// Dial opens a connection and one channel.
func Dial(url string) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Client{Conn: conn, Channel: ch}, nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	if c.Channel != nil {
		_ = c.Channel.Close()
	}
	if c.Conn != nil {
		_ = c.Conn.Close()
	}
}

// Healthy reports whether the connection and channel are open.
func (c *Client) Healthy() bool {
	return c != nil && !c.Conn.IsClosed() && !c.Channel.IsClosed()
}

type exchangeDecl struct {
	name string
	kind string
}

type queueDecl struct {
	name     string
	args     amqp.Table
	exchange string
	key      string
}

// topology is declared idempotently by every publisher and consumer. The retry
// queue has no consumer: messages wait out their per-message TTL and are
// dead-lettered back onto the task exchange.
var (
	exchanges = []exchangeDecl{
		{ExchangeTasks, "direct"},
		{ExchangeRetry, "direct"},
		{ExchangeDLQ, "direct"},
		{ExchangeAudit, "topic"},
	}
	queues = []queueDecl{
		{QueueTasks, nil, ExchangeTasks, RoutingTask},
		{QueueRetry, amqp.Table{
			"x-dead-letter-exchange":    ExchangeTasks,
			"x-dead-letter-routing-key": RoutingTask,
		}, ExchangeRetry, RoutingRetry},
		{QueueDLQ, nil, ExchangeDLQ, RoutingDLQ},
		{QueueAudit, nil, ExchangeAudit, RoutingAudit},
	}
)

func (c *Client) DeclareTopology() error {
	for _, ex := range exchanges {
		if err := c.Channel.ExchangeDeclare(ex.name, ex.kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}
	for _, q := range queues {
		if _, err := c.Channel.QueueDeclare(q.name, true, false, false, false, q.args); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
		if err := c.Channel.QueueBind(q.name, q.key, q.exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", q.name, err)
		}
	}
	return nil
}

func (c *Client) PublishTask(ctx context.Context, body []byte) error {
	return c.publish(ctx, ExchangeTasks, RoutingTask, body, "")
}

func (c *Client) PublishRetry(ctx context.Context, body []byte, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	expiration := fmt.Sprintf("%d", delay.Milliseconds())
	return c.publish(ctx, ExchangeRetry, RoutingRetry, body, expiration)
}

func (c *Client) PublishDLQ(ctx context.Context, body []byte) error {
	return c.publish(ctx, ExchangeDLQ, RoutingDLQ, body, "")
}

// PublishAudit publishes an audit event under "audit.<action>".
func (c *Client) PublishAudit(ctx context.Context, action string, body []byte) error {
	return c.publish(ctx, ExchangeAudit, "audit."+action, body, "")
}

func (c *Client) publish(ctx context.Context, exchange, key string, body []byte, expiration string) error {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()
	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	}
	if expiration != "" {
		msg.Expiration = expiration
	}
	return c.Channel.PublishWithContext(ctx, exchange, key, false, false, msg)
}
