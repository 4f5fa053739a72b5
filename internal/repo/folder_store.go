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

// FolderStore persists folders.
type FolderStore struct {
	db *gorm.DB
}

// NewFolderStore creates a gorm-backed folder store.
func NewFolderStore(db *gorm.DB) *FolderStore {
	return &FolderStore{db: db}
}

func (s *FolderStore) Create(ctx context.Context, folder *model.Folder) error {
	return s.db.WithContext(ctx).Create(folder).Error
}

func (s *FolderStore) Get(ctx context.Context, id string) (*model.Folder, error) {
	var folder model.Folder
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&folder).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: folder %s", apperr.ErrNotFound, id)
		}
		return nil, err
	}
	return &folder, nil
}

// Children lists the direct sub-folders of parentID; nil lists root folders.
func (s *FolderStore) Children(ctx context.Context, ownerID uint64, parentID *string) ([]model.Folder, error) {
	q := s.db.WithContext(ctx).Where("owner_id = ? AND trashed_at IS NULL", ownerID)
	if parentID == nil {
		q = q.Where("parent_id IS NULL")
	} else {
		q = q.Where("parent_id = ?", *parentID)
	}
	var out []model.Folder
	err := q.Order("name ASC").Find(&out).Error
	return out, err
}

// SetTrashed sets or clears a folder's trash mark.
func (s *FolderStore) SetTrashed(ctx context.Context, id string, at *time.Time) error {
	r := s.db.WithContext(ctx).Model(&model.Folder{}).Where("id = ?", id).Update("trashed_at", at)
	if r.Error != nil {
		return r.Error
	}
	if r.RowsAffected == 0 {
		return fmt.Errorf("%w: folder %s", apperr.ErrNotFound, id)
	}
	return nil
}
