package task

import (
	"context"
	"encoding/json"
	"time"
)

// ProcessingJob is the payload sent to the processing worker.
type ProcessingJob struct {
	FileID     string    `json:"file_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// DeadLetter is the payload parked on the dead-letter queue.
type DeadLetter struct {
	FileID   string    `json:"file_id"`
	Attempt  int       `json:"attempt"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// NewJob builds the first job for a record entering pending.
func NewJob(fileID string) ProcessingJob {
	return ProcessingJob{FileID: fileID, EnqueuedAt: time.Now()}
}

func (j ProcessingJob) Encode() ([]byte, error) {
	return json.Marshal(j)
}

// Decode parses a job body.
func Decode(body []byte) (ProcessingJob, error) {
	var job ProcessingJob
	err := json.Unmarshal(body, &job)
	return job, err
}

// Delivery is one received job message. Exactly one of Ack or Nack is called.
type Delivery interface {
	Body() []byte
	Ack() error
	Nack(requeue bool) error
}

// Queue is the durable, at-least-once processing queue.
type Queue interface {
	Publish(ctx context.Context, job ProcessingJob) error
	// PublishDelayed makes job visible again after delay.
	PublishDelayed(ctx context.Context, job ProcessingJob, delay time.Duration) error
	DeadLetter(ctx context.Context, dl DeadLetter) error
	Consume(ctx context.Context) (<-chan Delivery, error)
}

// PickRetryDelay returns the backoff for attempt; attempts past the list reuse
// the last delay.
func PickRetryDelay(attempt int, delays []time.Duration) time.Duration {
	if len(delays) == 0 {
		return 0
	}
	index := attempt - 1
	if index < 0 {
		index = 0
	}
	if index >= len(delays) {
		return delays[len(delays)-1]
	}
	return delays[index]
}
