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

type ShareStore struct {
	mu    sync.Mutex
	links map[string]*model.ShareLink
}

func NewShareStore() *ShareStore {
	return &ShareStore{links: make(map[string]*model.ShareLink)}
}

func (s *ShareStore) Create(_ context.Context, link *model.ShareLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.links[link.Token]; ok {
		return fmt.Errorf("share token already exists")
	}
	cp := *link
	s.links[link.Token] = &cp
	return nil
}

func (s *ShareStore) Get(_ context.Context, token string) (*model.ShareLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[token]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *link
	return &cp, nil
}

func (s *ShareStore) Exists(_ context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.links[token]
	return ok, nil
}

func (s *ShareStore) Increment(_ context.Context, token string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[token]
	if !ok || link.RevokedAt != nil || link.Exhausted() || link.ExpiredAt(now) {
		return false, nil
	}
	link.AccessCount++
	return true, nil
}

func (s *ShareStore) Revoke(_ context.Context, token string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if link, ok := s.links[token]; ok && link.RevokedAt == nil {
		link.RevokedAt = &at
	}
	return nil
}

func (s *ShareStore) MarkExpired(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if link, ok := s.links[token]; ok {
		link.Status = model.ShareExpired
	}
	return nil
}

func (s *ShareStore) ListForFile(_ context.Context, fileID string) ([]model.ShareLink, error) {
	return s.list(func(l *model.ShareLink) bool { return l.FileID != nil && *l.FileID == fileID }), nil
}

func (s *ShareStore) ListForFolder(_ context.Context, folderID string) ([]model.ShareLink, error) {
	return s.list(func(l *model.ShareLink) bool { return l.FolderID != nil && *l.FolderID == folderID }), nil
}

func (s *ShareStore) DeleteForFile(_ context.Context, fileID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tokens []string
	for token, l := range s.links {
		if l.FileID != nil && *l.FileID == fileID {
			tokens = append(tokens, token)
			delete(s.links, token)
		}
	}
	return tokens, nil
}

func (s *ShareStore) list(keep func(*model.ShareLink) bool) []model.ShareLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ShareLink
	for _, l := range s.links {
		if keep(l) {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}
