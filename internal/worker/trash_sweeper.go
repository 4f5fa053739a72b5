package worker

import (
	"context"
	"errors"
	"time"

	"CloudVault/internal/repo"

	"go.uber.org/zap"
)

// Locker serializes sweeps across worker processes.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// Purger permanently deletes files whose trash retention has passed.
type Purger interface {
	PurgeExpired(ctx context.Context, limit int) (int, error)
}

// TrashSweeper periodically purges expired recycle-bin entries. Only the
// process holding the lock sweeps.
type TrashSweeper struct {
	purger   Purger
	lock     Locker
	interval time.Duration
	batch    int
	log      *zap.Logger
}

func NewTrashSweeper(purger Purger, lock Locker, interval time.Duration, batch int, log *zap.Logger) *TrashSweeper {
	if batch <= 0 {
		batch = 100
	}
	return &TrashSweeper{purger: purger, lock: lock, interval: interval, batch: batch, log: log.Named("sweeper")}
}

// Run sweeps every interval until ctx is cancelled.
func (s *TrashSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.log.Error("trash sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce purges expired entries in batches and returns how many went.
// It does nothing when another process holds the lock.
func (s *TrashSweeper) SweepOnce(ctx context.Context) (int, error) {
	if err := s.lock.Lock(ctx); err != nil {
		if errors.Is(err, repo.ErrLockBusy) {
			return 0, nil
		}
		return 0, err
	}
	defer func() {
		if err := s.lock.Unlock(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("release sweep lock failed", zap.Error(err))
		}
	}()

	total := 0
	for {
		n, err := s.purger.PurgeExpired(ctx, s.batch)
		total += n
		if err != nil {
			return total, err
		}
		if n < s.batch {
			break
		}
	}
	if total > 0 {
		s.log.Info("trash swept", zap.Int("purged", total))
	}
	return total, nil
}
