package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"CloudVault/internal/apperr"
	"CloudVault/model"

	"gorm.io/gorm"
)

// ShareStore persists share links.
type ShareStore struct {
	db *gorm.DB
}

// NewShareStore creates a gorm-backed share link store.
func NewShareStore(db *gorm.DB) *ShareStore {
	return &ShareStore{db: db}
}

func (s *ShareStore) Create(ctx context.Context, link *model.ShareLink) error {
	return s.db.WithContext(ctx).Create(link).Error
}

func (s *ShareStore) Get(ctx context.Context, token string) (*model.ShareLink, error) {
	var link model.ShareLink
	if err := s.db.WithContext(ctx).Where("token = ?", token).First(&link).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	return &link, nil
}

// Exists reports whether token is already taken.
func (s *ShareStore) Exists(ctx context.Context, token string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.ShareLink{}).Where("token = ?", token).Count(&n).Error
	return n > 0, err
}

// Increment counts one redemption if the link is still live at now and below
// its access limit. It reports false when the guard rejected the update.
func (s *ShareStore) Increment(ctx context.Context, token string, now time.Time) (bool, error) {
	r := s.db.WithContext(ctx).Model(&model.ShareLink{}).
		Where("token = ? AND revoked_at IS NULL", token).
		Where("(max_access_count IS NULL OR access_count < max_access_count)").
		Where("(expires_at IS NULL OR expires_at >= ?)", now).
		UpdateColumn("access_count", gorm.Expr("access_count + 1"))
	if r.Error != nil {
		return false, r.Error
	}
	return r.RowsAffected == 1, nil
}

// Revoke marks the link revoked; revoking twice is a no-op.
func (s *ShareStore) Revoke(ctx context.Context, token string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&model.ShareLink{}).
		Where("token = ? AND revoked_at IS NULL", token).
		Update("revoked_at", at).Error
}

// MarkExpired records the expiry bookkeeping status.
func (s *ShareStore) MarkExpired(ctx context.Context, token string) error {
	return s.db.WithContext(ctx).Model(&model.ShareLink{}).
		Where("token = ?", token).
		Update("status", model.ShareExpired).Error
}

// ListForFile lists links pointing at fileID.
func (s *ShareStore) ListForFile(ctx context.Context, fileID string) ([]model.ShareLink, error) {
	var out []model.ShareLink
	err := s.db.WithContext(ctx).Where("file_id = ?", fileID).Order("created_at DESC").Find(&out).Error
	return out, err
}

// ListForFolder lists links pointing at folderID.
func (s *ShareStore) ListForFolder(ctx context.Context, folderID string) ([]model.ShareLink, error) {
	var out []model.ShareLink
	err := s.db.WithContext(ctx).Where("folder_id = ?", folderID).Order("created_at DESC").Find(&out).Error
	return out, err
}

// DeleteForFile removes every link to fileID and returns their tokens.
func (s *ShareStore) DeleteForFile(ctx context.Context, fileID string) ([]string, error) {
	var tokens []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.ShareLink{}).Where("file_id = ?", fileID).Pluck("token", &tokens).Error; err != nil {
			return err
		}
		if len(tokens) == 0 {
			return nil
		}
		return tx.Where("token IN ?", tokens).Delete(&model.ShareLink{}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("delete links of %s: %w", fileID, err)
	}
	return tokens, nil
}
