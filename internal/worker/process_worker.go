package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"CloudVault/config"
	"CloudVault/internal/audit"
	"CloudVault/internal/derive"
	"CloudVault/internal/metrics"
	"CloudVault/internal/scanner"
	"CloudVault/internal/storage"
	"CloudVault/internal/task"
	"CloudVault/model"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// FileStore is the part of the record store the worker needs.
type FileStore interface {
	Get(ctx context.Context, id string) (*model.FileRecord, error)
	CompareAndSet(ctx context.Context, cur *model.FileRecord, to model.FileStatus, upd model.FileUpdate) (*model.FileRecord, error)
}

// Ledger finalizes the reservation backing a record. CommitHeld and
// ReleaseHeld treat an already finalized reservation as done and report
// whether the call itself finalized it.
type Ledger interface {
	Adjust(ctx context.Context, reservationID string, newBytes int64) (*model.QuotaReservation, error)
	CommitHeld(ctx context.Context, reservationID string) (bool, error)
	ReleaseHeld(ctx context.Context, reservationID string) (bool, error)
}

// Config tunes the processing pool.
type Config struct {
	Concurrency   int
	Rate          float64
	Burst         int
	RetryMax      int
	RetryDelays   []time.Duration
	LeaseTTL      time.Duration
	ScanTimeout   time.Duration
	DeriveTimeout time.Duration
}

// ConfigFrom reads the worker settings out of the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Concurrency:   cfg.ProcessConcurrency,
		Rate:          cfg.ProcessRate,
		Burst:         cfg.ProcessBurst,
		RetryMax:      cfg.ProcessRetryMax,
		RetryDelays:   cfg.ProcessRetryDelays,
		LeaseTTL:      cfg.LeaseTTL,
		ScanTimeout:   cfg.ScanTimeout,
		DeriveTimeout: cfg.DeriveTimeout,
	}
}

type Deps struct {
	Files   FileStore
	Ledger  Ledger
	Queue   task.Queue
	Objects storage.Store
	Scanner scanner.Scanner
	Deriver derive.Deriver
	Audit   audit.Sink
	Metrics *metrics.Metrics
	Log     *zap.Logger
}

// Worker drives uploaded files from pending to a terminal status.
type Worker struct {
	files   FileStore
	ledger  Ledger
	queue   task.Queue
	objects storage.Store
	scanner scanner.Scanner
	deriver derive.Deriver
	audit   audit.Sink
	metrics *metrics.Metrics
	log     *zap.Logger
	cfg     Config
	limiter *rate.Limiter
	now     func() time.Time
}

func New(deps Deps, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 1
	}
	var limiter *rate.Limiter
	if cfg.Rate <= 0 {
		limiter = rate.NewLimiter(rate.Inf, cfg.Burst)
	} else {
		limiter = rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst)
	}
	return &Worker{
		files:   deps.Files,
		ledger:  deps.Ledger,
		queue:   deps.Queue,
		objects: deps.Objects,
		scanner: deps.Scanner,
		deriver: deps.Deriver,
		audit:   deps.Audit,
		metrics: deps.Metrics,
		log:     deps.Log.Named("worker"),
		cfg:     cfg,
		limiter: limiter,
		now:     time.Now,
	}
}

// Run consumes jobs until ctx is cancelled, then waits for in-flight jobs.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.queue.Consume(ctx)
	if err != nil {
		return err
	}
	w.log.Info("process worker started", zap.Int("concurrency", w.cfg.Concurrency))

	sem := make(chan struct{}, w.cfg.Concurrency)
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		w.log.Info("process worker stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("process worker: delivery channel closed")
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				_ = delivery.Nack(true)
				return nil
			}
			wg.Add(1)
			go func(d task.Delivery) {
				defer wg.Done()
				defer func() { <-sem }()
				w.handleMessage(ctx, d)
			}(delivery)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, delivery task.Delivery) {
	job, err := task.Decode(delivery.Body())
	if err != nil || job.FileID == "" {
		w.log.Warn("invalid job message", zap.ByteString("body", delivery.Body()), zap.Error(err))
		_ = delivery.Ack()
		return
	}

	if err := w.limiter.Wait(ctx); err != nil {
		_ = delivery.Nack(true)
		return
	}

	start := w.now()
	// A job that started runs to its ack even if shutdown begins.
	outcome, err := w.Process(context.WithoutCancel(ctx), job)
	if err != nil {
		w.log.Error("process job failed, requeueing",
			zap.String("file_id", job.FileID), zap.Int("attempt", job.Attempt), zap.Error(err))
		w.metrics.ObserveJob(outcomeRequeued, time.Since(start))
		_ = delivery.Nack(true)
		return
	}
	w.metrics.ObserveJob(outcome, time.Since(start))
	_ = delivery.Ack()
}
