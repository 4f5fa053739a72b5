package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"CloudVault/internal/apperr"
	"CloudVault/internal/audit"
	"CloudVault/internal/metrics"
	"CloudVault/model"

	"go.uber.org/zap"
)

// QuotaLedger is the only path by which a user's used bytes change.
type QuotaLedger struct {
	store   QuotaStore
	audit   audit.Sink
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewQuotaLedger(store QuotaStore, sink audit.Sink, m *metrics.Metrics, log *zap.Logger) *QuotaLedger {
	return &QuotaLedger{store: store, audit: sink, metrics: m, log: log.Named("quota")}
}

// EnsureAccount creates the ledger entry of an authenticated user on first
// sight. An existing entry keeps its quota and balances.
func (l *QuotaLedger) EnsureAccount(ctx context.Context, userID uint64, name, email string, quotaBytes int64) error {
	if name == "" {
		name = "user-" + strconv.FormatUint(userID, 10)
	}
	return l.store.EnsureUser(ctx, &model.User{
		ID:         userID,
		UserName:   name,
		Email:      email,
		IsActive:   true,
		QuotaBytes: quotaBytes,
		CreatedAt:  time.Now(),
	})
}

// Reserve holds bytes for fileID against userID's quota.
func (l *QuotaLedger) Reserve(ctx context.Context, userID uint64, fileID string, bytes int64) (*model.QuotaReservation, error) {
	res, err := l.store.Reserve(ctx, userID, fileID, bytes)
	if errors.Is(err, apperr.ErrQuotaExceeded) {
		l.metrics.QuotaRejected()
	}
	return res, err
}

// Commit turns a held reservation into used bytes.
func (l *QuotaLedger) Commit(ctx context.Context, reservationID string) (*model.QuotaReservation, error) {
	return l.store.Commit(ctx, reservationID)
}

// Release drops a held reservation.
func (l *QuotaLedger) Release(ctx context.Context, reservationID string) (*model.QuotaReservation, error) {
	return l.store.Release(ctx, reservationID)
}

// Refund returns the bytes of a committed reservation.
func (l *QuotaLedger) Refund(ctx context.Context, reservationID string) (*model.QuotaReservation, error) {
	return l.store.Refund(ctx, reservationID)
}

// Adjust reconciles a held reservation to newBytes. Growth can fail with
// ErrQuotaExceeded, in which case the reservation keeps its old size.
func (l *QuotaLedger) Adjust(ctx context.Context, reservationID string, newBytes int64) (*model.QuotaReservation, error) {
	res, err := l.store.Adjust(ctx, reservationID, newBytes)
	if errors.Is(err, apperr.ErrQuotaExceeded) {
		l.metrics.QuotaRejected()
	}
	return res, err
}

// ReleaseHeld releases a reservation that another path may already have
// finalized. ErrAlreadyFinalized counts as done; settled reports whether this
// call did the release.
func (l *QuotaLedger) ReleaseHeld(ctx context.Context, reservationID string) (settled bool, err error) {
	return l.settle(ctx, reservationID, l.store.Release)
}

// CommitHeld commits a reservation, tolerating one that was already finalized.
func (l *QuotaLedger) CommitHeld(ctx context.Context, reservationID string) (settled bool, err error) {
	return l.settle(ctx, reservationID, l.store.Commit)
}

// RefundCommitted refunds a reservation, tolerating one that is no longer committed.
func (l *QuotaLedger) RefundCommitted(ctx context.Context, reservationID string) (settled bool, err error) {
	return l.settle(ctx, reservationID, l.store.Refund)
}

func (l *QuotaLedger) settle(ctx context.Context, reservationID string, finalize func(context.Context, string) (*model.QuotaReservation, error)) (bool, error) {
	if reservationID == "" {
		return false, nil
	}
	if _, err := finalize(ctx, reservationID); err != nil {
		if errors.Is(err, apperr.ErrAlreadyFinalized) {
			l.log.Debug("reservation already finalized", zap.String("reservation_id", reservationID))
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (l *QuotaLedger) Usage(ctx context.Context, userID uint64) (model.QuotaUsage, error) {
	return l.store.Usage(ctx, userID)
}

// SetQuota changes userID's ceiling. Only administrators may call it.
func (l *QuotaLedger) SetQuota(ctx context.Context, actor Actor, userID uint64, quotaBytes int64) (model.QuotaUsage, error) {
	if !actor.Admin {
		return model.QuotaUsage{}, fmt.Errorf("%w: quota change needs an administrator", apperr.ErrForbidden)
	}
	if err := l.store.SetQuota(ctx, userID, quotaBytes); err != nil {
		return model.QuotaUsage{}, err
	}
	usage, err := l.store.Usage(ctx, userID)
	if err != nil {
		return model.QuotaUsage{}, err
	}
	l.record(ctx, audit.Event{
		Actor:        audit.Actor(actor.UserID),
		Action:       audit.QuotaChanged,
		ResourceType: audit.ResourceUser,
		ResourceID:   strconv.FormatUint(userID, 10),
		OwnerID:      userID,
		Details:      map[string]string{"quota_bytes": strconv.FormatInt(quotaBytes, 10)},
		At:           time.Now(),
	})
	return usage, nil
}

// Email returns the address of userID; it backs the infected-upload notice.
func (l *QuotaLedger) Email(ctx context.Context, userID uint64) (string, error) {
	user, err := l.store.User(ctx, userID)
	if err != nil {
		return "", err
	}
	return user.Email, nil
}

func (l *QuotaLedger) record(ctx context.Context, e audit.Event) {
	if l.audit == nil {
		return
	}
	if err := l.audit.Record(ctx, e); err != nil {
		l.log.Warn("audit record failed", zap.String("action", e.Action), zap.Error(err))
	}
}
