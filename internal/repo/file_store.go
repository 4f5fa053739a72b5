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

// FileStore persists FileRecords. Status changes go through CompareAndSet only.
type FileStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewFileStore creates a gorm-backed file record store.
func NewFileStore(db *gorm.DB) *FileStore {
	return &FileStore{db: db, now: time.Now}
}

// Create inserts a new record.
func (s *FileStore) Create(ctx context.Context, rec *model.FileRecord) error {
	if rec.Version == 0 {
		rec.Version = 1
	}
	return s.db.WithContext(ctx).Create(rec).Error
}

// Get loads one record by id.
func (s *FileStore) Get(ctx context.Context, id string) (*model.FileRecord, error) {
	var rec model.FileRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: file %s", apperr.ErrNotFound, id)
		}
		return nil, err
	}
	return &rec, nil
}

// CompareAndSet moves cur to status `to` only if the stored row still has
// cur's status and version. The version is bumped on success.
func (s *FileStore) CompareAndSet(ctx context.Context, cur *model.FileRecord, to model.FileStatus, upd model.FileUpdate) (*model.FileRecord, error) {
	if err := model.CheckChange(cur.Status, cur.PreviousStatus, to); err != nil {
		return nil, err
	}

	cols := upd.Columns()
	cols["status"] = to
	cols["version"] = cur.Version + 1
	cols["updated_at"] = s.now()

	r := s.db.WithContext(ctx).Model(&model.FileRecord{}).
		Where("id = ? AND status = ? AND version = ?", cur.ID, cur.Status, cur.Version).
		Updates(cols)
	if r.Error != nil {
		return nil, r.Error
	}
	if r.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: file %s at %s v%d", apperr.ErrConflict, cur.ID, cur.Status, cur.Version)
	}
	return s.Get(ctx, cur.ID)
}

// ListByFolder lists an owner's live records in one folder; nil is the root.
func (s *FileStore) ListByFolder(ctx context.Context, ownerID uint64, folderID *string) ([]model.FileRecord, error) {
	q := s.db.WithContext(ctx).Where("owner_id = ? AND status <> ?", ownerID, model.StatusTrashed)
	if folderID == nil {
		q = q.Where("folder_id IS NULL")
	} else {
		q = q.Where("folder_id = ?", *folderID)
	}
	var out []model.FileRecord
	err := q.Order("name ASC").Find(&out).Error
	return out, err
}

// ListTrashed lists an owner's recycle bin, newest first.
func (s *FileStore) ListTrashed(ctx context.Context, ownerID uint64) ([]model.FileRecord, error) {
	var out []model.FileRecord
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND status = ?", ownerID, model.StatusTrashed).
		Order("trashed_at DESC").
		Find(&out).Error
	return out, err
}

// ListTrashedBefore returns trashed records whose retention ended before cutoff.
func (s *FileStore) ListTrashedBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.FileRecord, error) {
	var out []model.FileRecord
	err := s.db.WithContext(ctx).
		Where("status = ? AND trashed_at < ?", model.StatusTrashed, cutoff).
		Order("trashed_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// Delete removes a record if it is still at version.
func (s *FileStore) Delete(ctx context.Context, id string, version int64) error {
	r := s.db.WithContext(ctx).Where("id = ? AND version = ?", id, version).Delete(&model.FileRecord{})
	if r.Error != nil {
		return r.Error
	}
	if r.RowsAffected == 0 {
		return fmt.Errorf("%w: file %s v%d", apperr.ErrConflict, id, version)
	}
	return nil
}
