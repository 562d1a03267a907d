package vmock

import (
	"encoding/json"
	"maps"
	"slices"
	"sync"

	"github.com/kardianos/sshvault/vdef"
	"github.com/kardianos/sshvault/vstore"
)

// MemStore is an in-memory vstore.Store. Values are kept JSON encoded so
// callers observe the same decoding behavior as the file store.
type MemStore struct {
	mu    sync.RWMutex
	data  map[string][]byte
	inits int

	// SetErr, if set, is returned by Set and Delete.
	SetErr error
}

var _ vstore.Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

func (s *MemStore) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inits++
	return nil
}

// Inits returns how many times Init was called.
func (s *MemStore) Inits() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inits
}

func (s *MemStore) Get(key string, v any) (bool, error) {
	s.mu.RLock()
	raw, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

func (s *MemStore) Set(key string, v any) error {
	if key == "" {
		return &vdef.ValidationError{Field: "key", Reason: "cannot be empty"}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SetErr != nil {
		return s.SetErr
	}
	s.data[key] = raw
	return nil
}

func (s *MemStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SetErr != nil {
		return s.SetErr
	}
	delete(s.data, key)
	return nil
}

func (s *MemStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.data))
}

// Raw returns the encoded value stored at key.
func (s *MemStore) Raw(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.data[key]
	return string(raw), ok
}

func (s *MemStore) Path() string { return ":memory:" }

func (s *MemStore) Close() error { return nil }
