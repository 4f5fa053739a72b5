package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"CloudVault/internal/apperr"
	"CloudVault/model"
)

// FileStore keeps FileRecords in a map.
type FileStore struct {
	mu    sync.Mutex
	files map[string]*model.FileRecord
	now   func() time.Time
}

func NewFileStore() *FileStore {
	return &FileStore{files: make(map[string]*model.FileRecord), now: time.Now}
}

func (s *FileStore) Create(_ context.Context, rec *model.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[rec.ID]; ok {
		return fmt.Errorf("file %s already exists", rec.ID)
	}
	for _, f := range s.files {
		if f.StorageKey == rec.StorageKey {
			return fmt.Errorf("storage key %s already used", rec.StorageKey)
		}
	}
	if rec.Version == 0 {
		rec.Version = 1
	}
	now := s.now()
	rec.CreatedAt, rec.UpdatedAt = now, now
	cp := *rec
	s.files[rec.ID] = &cp
	return nil
}

func (s *FileStore) Get(_ context.Context, id string) (*model.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.files[id]
	if !ok {
		return nil, fmt.Errorf("%w: file %s", apperr.ErrNotFound, id)
	}
	cp := *rec
	return &cp, nil
}

func (s *FileStore) CompareAndSet(_ context.Context, cur *model.FileRecord, to model.FileStatus, upd model.FileUpdate) (*model.FileRecord, error) {
	if err := model.CheckChange(cur.Status, cur.PreviousStatus, to); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.files[cur.ID]
	if !ok || rec.Status != cur.Status || rec.Version != cur.Version {
		return nil, fmt.Errorf("%w: file %s at %s v%d", apperr.ErrConflict, cur.ID, cur.Status, cur.Version)
	}
	upd.Apply(rec)
	rec.Status = to
	rec.Version++
	rec.UpdatedAt = s.now()
	cp := *rec
	return &cp, nil
}

func (s *FileStore) ListByFolder(_ context.Context, ownerID uint64, folderID *string) ([]model.FileRecord, error) {
	return s.filter(func(f *model.FileRecord) bool {
		return f.OwnerID == ownerID && f.Status != model.StatusTrashed && sameFolder(f.FolderID, folderID)
	}, func(a, b model.FileRecord) bool { return a.Name < b.Name }), nil
}

func (s *FileStore) ListTrashed(_ context.Context, ownerID uint64) ([]model.FileRecord, error) {
	return s.filter(func(f *model.FileRecord) bool {
		return f.OwnerID == ownerID && f.Status == model.StatusTrashed
	}, func(a, b model.FileRecord) bool { return a.TrashedAt.After(*b.TrashedAt) }), nil
}

func (s *FileStore) ListTrashedBefore(_ context.Context, cutoff time.Time, limit int) ([]model.FileRecord, error) {
	out := s.filter(func(f *model.FileRecord) bool {
		return f.Status == model.StatusTrashed && f.TrashedAt != nil && f.TrashedAt.Before(cutoff)
	}, func(a, b model.FileRecord) bool { return a.TrashedAt.Before(*b.TrashedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *FileStore) Delete(_ context.Context, id string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.files[id]
	if !ok || rec.Version != version {
		return fmt.Errorf("%w: file %s v%d", apperr.ErrConflict, id, version)
	}
	delete(s.files, id)
	return nil
}

func (s *FileStore) filter(keep func(*model.FileRecord) bool, less func(a, b model.FileRecord) bool) []model.FileRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.FileRecord
	for _, f := range s.files {
		if keep(f) {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func sameFolder(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
