package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"CloudVault/internal/apperr"
	"CloudVault/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// QuotaStore keeps the quota ledger in the user table. Every balance change is a
// single guarded UPDATE inside the transaction that moves the reservation row.
type QuotaStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewQuotaStore creates a gorm-backed quota ledger.
func NewQuotaStore(db *gorm.DB) *QuotaStore {
	return &QuotaStore{db: db, now: time.Now}
}

// CreateUser inserts a ledger owner.
func (s *QuotaStore) CreateUser(ctx context.Context, user *model.User) error {
	return s.db.WithContext(ctx).Create(user).Error
}

// EnsureUser inserts user unless an account with its id already exists.
func (s *QuotaStore) EnsureUser(ctx context.Context, user *model.User) error {
	var existing model.User
	return s.db.WithContext(ctx).
		Where(model.User{ID: user.ID}).
		Attrs(*user).
		FirstOrCreate(&existing).Error
}

// Reserve holds bytes against userID's quota.
func (s *QuotaStore) Reserve(ctx context.Context, userID uint64, fileID string, bytes int64) (*model.QuotaReservation, error) {
	if bytes < 0 {
		return nil, fmt.Errorf("%w: negative reservation", apperr.ErrInvalidArgument)
	}
	res := &model.QuotaReservation{
		ID:        uuid.NewString(),
		UserID:    userID,
		FileID:    fileID,
		Bytes:     bytes,
		State:     model.ReservationHeld,
		CreatedAt: s.now(),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := growReserved(tx, userID, bytes); err != nil {
			return err
		}
		return tx.Create(res).Error
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Commit moves a held reservation into used bytes.
func (s *QuotaStore) Commit(ctx context.Context, reservationID string) (*model.QuotaReservation, error) {
	return s.finalize(ctx, reservationID, model.ReservationHeld, model.ReservationCommitted,
		func(bytes int64) map[string]interface{} {
			return map[string]interface{}{
				"used_bytes":     gorm.Expr("used_bytes + ?", bytes),
				"reserved_bytes": gorm.Expr("reserved_bytes - ?", bytes),
			}
		})
}

// Release drops a held reservation.
func (s *QuotaStore) Release(ctx context.Context, reservationID string) (*model.QuotaReservation, error) {
	return s.finalize(ctx, reservationID, model.ReservationHeld, model.ReservationReleased,
		func(bytes int64) map[string]interface{} {
			return map[string]interface{}{"reserved_bytes": gorm.Expr("reserved_bytes - ?", bytes)}
		})
}

// Refund returns committed bytes to the user.
func (s *QuotaStore) Refund(ctx context.Context, reservationID string) (*model.QuotaReservation, error) {
	return s.finalize(ctx, reservationID, model.ReservationCommitted, model.ReservationRefunded,
		func(bytes int64) map[string]interface{} {
			return map[string]interface{}{"used_bytes": gorm.Expr("used_bytes - ?", bytes)}
		})
}

// finalize moves a reservation from one state to another and applies the
// balance columns built for its byte count.
func (s *QuotaStore) finalize(ctx context.Context, id string, from, to model.ReservationState, balance func(bytes int64) map[string]interface{}) (*model.QuotaReservation, error) {
	var out model.QuotaReservation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res, err := loadReservation(tx, id)
		if err != nil {
			return err
		}
		if res.State != from {
			return fmt.Errorf("%w: reservation %s is %s", apperr.ErrAlreadyFinalized, id, res.State)
		}

		now := s.now()
		r := tx.Model(&model.QuotaReservation{}).
			Where("id = ? AND state = ?", id, from).
			Updates(map[string]interface{}{"state": to, "finalized_at": now})
		if r.Error != nil {
			return r.Error
		}
		if r.RowsAffected == 0 {
			return fmt.Errorf("%w: reservation %s", apperr.ErrAlreadyFinalized, id)
		}

		if err := tx.Model(&model.User{}).Where("id = ?", res.UserID).UpdateColumns(balance(res.Bytes)).Error; err != nil {
			return err
		}

		res.State = to
		res.FinalizedAt = &now
		out = *res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Adjust resizes a held reservation. Growth is guarded like Reserve.
func (s *QuotaStore) Adjust(ctx context.Context, reservationID string, newBytes int64) (*model.QuotaReservation, error) {
	if newBytes < 0 {
		return nil, fmt.Errorf("%w: negative reservation", apperr.ErrInvalidArgument)
	}
	var out model.QuotaReservation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res, err := loadReservation(tx, reservationID)
		if err != nil {
			return err
		}
		if res.State != model.ReservationHeld {
			return fmt.Errorf("%w: reservation %s is %s", apperr.ErrAlreadyFinalized, reservationID, res.State)
		}
		delta := newBytes - res.Bytes
		if delta == 0 {
			out = *res
			return nil
		}

		if delta > 0 {
			if err := growReserved(tx, res.UserID, delta); err != nil {
				return err
			}
		} else {
			err := tx.Model(&model.User{}).Where("id = ?", res.UserID).
				UpdateColumn("reserved_bytes", gorm.Expr("reserved_bytes + ?", delta)).Error
			if err != nil {
				return err
			}
		}

		r := tx.Model(&model.QuotaReservation{}).
			Where("id = ? AND state = ? AND bytes = ?", reservationID, model.ReservationHeld, res.Bytes).
			Update("bytes", newBytes)
		if r.Error != nil {
			return r.Error
		}
		if r.RowsAffected == 0 {
			return fmt.Errorf("%w: reservation %s", apperr.ErrConflict, reservationID)
		}
		res.Bytes = newBytes
		out = *res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Get loads one reservation.
func (s *QuotaStore) Get(ctx context.Context, reservationID string) (*model.QuotaReservation, error) {
	return loadReservation(s.db.WithContext(ctx), reservationID)
}

// User loads one account.
func (s *QuotaStore) User(ctx context.Context, userID uint64) (*model.User, error) {
	return loadUser(s.db.WithContext(ctx), userID)
}

// Usage returns the ledger entry of userID.
func (s *QuotaStore) Usage(ctx context.Context, userID uint64) (model.QuotaUsage, error) {
	user, err := loadUser(s.db.WithContext(ctx), userID)
	if err != nil {
		return model.QuotaUsage{}, err
	}
	return usageOf(user), nil
}

// SetQuota changes the ceiling; it never drops below used+reserved.
func (s *QuotaStore) SetQuota(ctx context.Context, userID uint64, quotaBytes int64) error {
	if quotaBytes < 0 {
		return fmt.Errorf("%w: negative quota", apperr.ErrInvalidArgument)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r := tx.Model(&model.User{}).
			Where("id = ? AND used_bytes + reserved_bytes <= ?", userID, quotaBytes).
			UpdateColumn("quota_bytes", quotaBytes)
		if r.Error != nil {
			return r.Error
		}
		if r.RowsAffected > 0 {
			return nil
		}
		user, err := loadUser(tx, userID)
		if err != nil {
			return err
		}
		if user.QuotaBytes == quotaBytes {
			return nil
		}
		return fmt.Errorf("%w: quota %d is below current usage", apperr.ErrInvalidArgument, quotaBytes)
	})
}

// growReserved adds bytes to reserved_bytes only if the quota still holds.
func growReserved(tx *gorm.DB, userID uint64, bytes int64) error {
	if bytes == 0 {
		_, err := loadUser(tx, userID)
		return err
	}
	r := tx.Model(&model.User{}).
		Where("id = ? AND used_bytes + reserved_bytes + ? <= quota_bytes", userID, bytes).
		UpdateColumn("reserved_bytes", gorm.Expr("reserved_bytes + ?", bytes))
	if r.Error != nil {
		return r.Error
	}
	if r.RowsAffected == 0 {
		if _, err := loadUser(tx, userID); err != nil {
			return err
		}
		return fmt.Errorf("%w: user %d needs %d more bytes", apperr.ErrQuotaExceeded, userID, bytes)
	}
	return nil
}

func loadUser(tx *gorm.DB, userID uint64) (*model.User, error) {
	var user model.User
	if err := tx.Where("id = ?", userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: user %d", apperr.ErrNotFound, userID)
		}
		return nil, err
	}
	return &user, nil
}

func loadReservation(tx *gorm.DB, id string) (*model.QuotaReservation, error) {
	var res model.QuotaReservation
	if err := tx.Where("id = ?", id).First(&res).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: reservation %s", apperr.ErrNotFound, id)
		}
		return nil, err
	}
	return &res, nil
}

func usageOf(user *model.User) model.QuotaUsage {
	return model.QuotaUsage{
		UserID:        user.ID,
		QuotaBytes:    user.QuotaBytes,
		UsedBytes:     user.UsedBytes,
		ReservedBytes: user.ReservedBytes,
	}
}
