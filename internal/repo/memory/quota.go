// Package memory holds in-process stores with the same semantics as the gorm
// stores. They back tests and single-node runs without MySQL.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"CloudVault/internal/apperr"
	"CloudVault/model"

	"github.com/google/uuid"
)

// QuotaStore is a mutex-guarded quota ledger.
type QuotaStore struct {
	mu           sync.Mutex
	users        map[uint64]*model.User
	reservations map[string]*model.QuotaReservation
	now          func() time.Time
}

func NewQuotaStore() *QuotaStore {
	return &QuotaStore{
		users:        make(map[uint64]*model.User),
		reservations: make(map[string]*model.QuotaReservation),
		now:          time.Now,
	}
}

func (s *QuotaStore) CreateUser(_ context.Context, user *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; ok {
		return fmt.Errorf("user %d already exists", user.ID)
	}
	cp := *user
	s.users[user.ID] = &cp
	return nil
}

func (s *QuotaStore) EnsureUser(_ context.Context, user *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; !ok {
		cp := *user
		s.users[user.ID] = &cp
	}
	return nil
}

func (s *QuotaStore) Reserve(_ context.Context, userID uint64, fileID string, bytes int64) (*model.QuotaReservation, error) {
	if bytes < 0 {
		return nil, fmt.Errorf("%w: negative reservation", apperr.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	user, err := s.user(userID)
	if err != nil {
		return nil, err
	}
	if user.UsedBytes+user.ReservedBytes+bytes > user.QuotaBytes {
		return nil, fmt.Errorf("%w: user %d needs %d more bytes", apperr.ErrQuotaExceeded, userID, bytes)
	}
	user.ReservedBytes += bytes

	res := &model.QuotaReservation{
		ID:        uuid.NewString(),
		UserID:    userID,
		FileID:    fileID,
		Bytes:     bytes,
		State:     model.ReservationHeld,
		CreatedAt: s.now(),
	}
	s.reservations[res.ID] = res
	cp := *res
	return &cp, nil
}

func (s *QuotaStore) Commit(_ context.Context, id string) (*model.QuotaReservation, error) {
	return s.finalize(id, model.ReservationHeld, model.ReservationCommitted, func(u *model.User, bytes int64) {
		u.ReservedBytes -= bytes
		u.UsedBytes += bytes
	})
}

func (s *QuotaStore) Release(_ context.Context, id string) (*model.QuotaReservation, error) {
	return s.finalize(id, model.ReservationHeld, model.ReservationReleased, func(u *model.User, bytes int64) {
		u.ReservedBytes -= bytes
	})
}

func (s *QuotaStore) Refund(_ context.Context, id string) (*model.QuotaReservation, error) {
	return s.finalize(id, model.ReservationCommitted, model.ReservationRefunded, func(u *model.User, bytes int64) {
		u.UsedBytes -= bytes
	})
}

func (s *QuotaStore) finalize(id string, from, to model.ReservationState, apply func(u *model.User, bytes int64)) (*model.QuotaReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.reservations[id]
	if !ok {
		return nil, fmt.Errorf("%w: reservation %s", apperr.ErrNotFound, id)
	}
	if res.State != from {
		return nil, fmt.Errorf("%w: reservation %s is %s", apperr.ErrAlreadyFinalized, id, res.State)
	}
	user, err := s.user(res.UserID)
	if err != nil {
		return nil, err
	}
	apply(user, res.Bytes)
	now := s.now()
	res.State = to
	res.FinalizedAt = &now
	cp := *res
	return &cp, nil
}

func (s *QuotaStore) Adjust(_ context.Context, id string, newBytes int64) (*model.QuotaReservation, error) {
	if newBytes < 0 {
		return nil, fmt.Errorf("%w: negative reservation", apperr.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.reservations[id]
	if !ok {
		return nil, fmt.Errorf("%w: reservation %s", apperr.ErrNotFound, id)
	}
	if res.State != model.ReservationHeld {
		return nil, fmt.Errorf("%w: reservation %s is %s", apperr.ErrAlreadyFinalized, id, res.State)
	}
	user, err := s.user(res.UserID)
	if err != nil {
		return nil, err
	}
	delta := newBytes - res.Bytes
	if delta > 0 && user.UsedBytes+user.ReservedBytes+delta > user.QuotaBytes {
		return nil, fmt.Errorf("%w: user %d needs %d more bytes", apperr.ErrQuotaExceeded, res.UserID, delta)
	}
	user.ReservedBytes += delta
	res.Bytes = newBytes
	cp := *res
	return &cp, nil
}

func (s *QuotaStore) Get(_ context.Context, id string) (*model.QuotaReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[id]
	if !ok {
		return nil, fmt.Errorf("%w: reservation %s", apperr.ErrNotFound, id)
	}
	cp := *res
	return &cp, nil
}

func (s *QuotaStore) User(_ context.Context, userID uint64) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, err := s.user(userID)
	if err != nil {
		return nil, err
	}
	cp := *user
	return &cp, nil
}

func (s *QuotaStore) Usage(_ context.Context, userID uint64) (model.QuotaUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, err := s.user(userID)
	if err != nil {
		return model.QuotaUsage{}, err
	}
	return model.QuotaUsage{
		UserID:        user.ID,
		QuotaBytes:    user.QuotaBytes,
		UsedBytes:     user.UsedBytes,
		ReservedBytes: user.ReservedBytes,
	}, nil
}

func (s *QuotaStore) SetQuota(_ context.Context, userID uint64, quotaBytes int64) error {
	if quotaBytes < 0 {
		return fmt.Errorf("%w: negative quota", apperr.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user, err := s.user(userID)
	if err != nil {
		return err
	}
	if user.UsedBytes+user.ReservedBytes > quotaBytes {
		return fmt.Errorf("%w: quota %d is below current usage", apperr.ErrInvalidArgument, quotaBytes)
	}
	user.QuotaBytes = quotaBytes
	return nil
}

// user must be called with s.mu held.
func (s *QuotaStore) user(id uint64) (*model.User, error) {
	user, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %d", apperr.ErrNotFound, id)
	}
	return user, nil
}
