package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"
)

// MemoryStore keeps objects in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	data        []byte
	contentType string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

func (s *MemoryStore) PutObject(_ context.Context, key string, reader io.Reader, size int64, opts PutOptions) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("short object %s: got %d bytes, want %d", key, len(data), size)
	}
	s.mu.Lock()
	s.objects[key] = memoryObject{data: data, contentType: opts.ContentType}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetObject(_ context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ObjectInfo{}, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), obj.info(key), nil
}

func (s *MemoryStore) StatObject(_ context.Context, key string) (ObjectInfo, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return ObjectInfo{}, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return obj.info(key), nil
}

func (s *MemoryStore) RemoveObject(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) PresignedGetObject(_ context.Context, key string, expiry time.Duration, filename string) (string, error) {
	if _, err := s.StatObject(context.Background(), key); err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("expires", expiry.String())
	if filename != "" {
		q.Set("filename", filename)
	}
	return "memory://" + key + "?" + q.Encode(), nil
}

// Len reports how many objects are stored.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

func (o memoryObject) info(key string) ObjectInfo {
	return ObjectInfo{Key: key, Size: int64(len(o.data)), ContentType: o.contentType}
}
