package mq

import (
	"context"
	"sync"
	"time"
)

// Publisher holds one publishing client and redials it when the connection
// drops.
type Publisher struct {
	url string

	mu     sync.Mutex
	client *Client
}

func NewPublisher(url string) *Publisher {
	return &Publisher{url: url}
}

func (p *Publisher) get() (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		if p.client.Healthy() {
			return p.client, nil
		}
		p.client.Close()
		p.client = nil
	}
	client, err := Dial(p.url)
	if err != nil {
		return nil, err
	}
	if err := client.DeclareTopology(); err != nil {
		client.Close()
		return nil, err
	}
	p.client = client
	return client, nil
}

func (p *Publisher) PublishTask(ctx context.Context, body []byte) error {
	c, err := p.get()
	if err != nil {
		return err
	}
	return c.PublishTask(ctx, body)
}

func (p *Publisher) PublishRetry(ctx context.Context, body []byte, delay time.Duration) error {
	c, err := p.get()
	if err != nil {
		return err
	}
	return c.PublishRetry(ctx, body, delay)
}

func (p *Publisher) PublishDLQ(ctx context.Context, body []byte) error {
	c, err := p.get()
	if err != nil {
		return err
	}
	return c.PublishDLQ(ctx, body)
}

func (p *Publisher) PublishAudit(ctx context.Context, action string, body []byte) error {
	c, err := p.get()
	if err != nil {
		return err
	}
	return c.PublishAudit(ctx, action, body)
}

func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.client.Close()
	p.client = nil
}
