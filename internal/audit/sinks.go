package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// LogSink writes every event as a structured log line.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Record(_ context.Context, e Event) error {
	fields := []zap.Field{
		zap.String("action", e.Action),
		zap.String("resource_type", e.ResourceType),
		zap.String("resource_id", e.ResourceID),
		zap.Time("at", e.At),
	}
	if e.Actor != nil {
		fields = append(fields, zap.Uint64("actor", *e.Actor))
	}
	if len(e.Details) > 0 {
		fields = append(fields, zap.Any("details", e.Details))
	}
	s.log.Info("audit", fields...)
	return nil
}

// AuditPublisher is the slice of the broker client the MQ sink needs.
type AuditPublisher interface {
	PublishAudit(ctx context.Context, action string, body []byte) error
}

// MQSink publishes events to the audit exchange for the external audit store.
type MQSink struct {
	pub AuditPublisher
}

func NewMQSink(pub AuditPublisher) *MQSink {
	return &MQSink{pub: pub}
}

func (s *MQSink) Record(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.pub.PublishAudit(ctx, e.Action, body)
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Record(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Record(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many recorded events have action.
func (r *Recorder) Count(action string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Action == action {
			n++
		}
	}
	return n
}
