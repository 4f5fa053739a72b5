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

type FolderStore struct {
	mu      sync.Mutex
	folders map[string]*model.Folder
}

func NewFolderStore() *FolderStore {
	return &FolderStore{folders: make(map[string]*model.Folder)}
}

func (s *FolderStore) Create(_ context.Context, folder *model.Folder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.folders[folder.ID]; ok {
		return fmt.Errorf("folder %s already exists", folder.ID)
	}
	now := time.Now()
	folder.CreatedAt, folder.UpdatedAt = now, now
	cp := *folder
	s.folders[folder.ID] = &cp
	return nil
}

func (s *FolderStore) Get(_ context.Context, id string) (*model.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	folder, ok := s.folders[id]
	if !ok {
		return nil, fmt.Errorf("%w: folder %s", apperr.ErrNotFound, id)
	}
	cp := *folder
	return &cp, nil
}

func (s *FolderStore) Children(_ context.Context, ownerID uint64, parentID *string) ([]model.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Folder
	for _, f := range s.folders {
		if f.OwnerID == ownerID && f.TrashedAt == nil && sameFolder(f.ParentID, parentID) {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *FolderStore) SetTrashed(_ context.Context, id string, at *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	folder, ok := s.folders[id]
	if !ok {
		return fmt.Errorf("%w: folder %s", apperr.ErrNotFound, id)
	}
	folder.TrashedAt = at
	return nil
}
