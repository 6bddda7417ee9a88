package storage

import (
	"bytes"
	"context"
	"io"
	"maps"
	"sync"
)

// StoredObject is what MemoryStore keeps per key.
type StoredObject struct {
	Data        []byte
	ContentType string
	Metadata    map[string]string
}

// MemoryStore keeps objects in process. Backs dry runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]StoredObject
	puts    int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]StoredObject)}
}

// Put implements Store.
func (s *MemoryStore) Put(ctx context.Context, obj Object) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, obj.Body); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[obj.Key] = StoredObject{Data: buf.Bytes(), ContentType: obj.ContentType, Metadata: maps.Clone(obj.Metadata)}
	s.puts++
	return nil
}

// Exists implements Store.
func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok, nil
}

// Get returns a stored object.
func (s *MemoryStore) Get(key string) (StoredObject, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.objects[key]
	return o, ok
}

// Keys lists stored keys in no particular order.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys
}

// Puts counts successful Put calls, overwrites included.
func (s *MemoryStore) Puts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts
}
