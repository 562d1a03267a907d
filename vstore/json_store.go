package vstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/kardianos/sshvault/vdef"
)

// JSONStore is a Store backed by a single JSON object file.
//
// Reads are served from an in-memory copy. Writes serialize the full map,
// write it to "<path>.tmp" with mode 0600, fsync it and rename it over the
// target, so the file on disk is always a complete, valid document.
type JSONStore struct {
	path    string
	maxSize int64

	writeMu sync.Mutex // Serializes Set and Delete, including the file write.

	mu   sync.RWMutex
	data map[string]json.RawMessage
}

var _ Store = (*JSONStore)(nil)

// NewJSONStore returns a store for path. maxSize <= 0 selects DefaultMaxSize.
// The file is not touched until Init.
func NewJSONStore(path string, maxSize int64) (*JSONStore, error) {
	clean, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &JSONStore{path: clean, maxSize: maxSize}, nil
}

// Init creates the file as an empty object if it does not exist, checks its
// permissions and loads it.
func (s *JSONStore) Init() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("%w: create directory: %w", vdef.ErrIO, err)
	}

	_, err := os.Stat(s.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := s.writeFile([]byte("{}")); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("%w: stat %s: %w", vdef.ErrIO, s.path, err)
	}

	if err := checkPerm(s.path); err != nil {
		return err
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("%w: read %s: %w", vdef.ErrIO, s.path, err)
	}
	data, err := parseObject(raw)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}

func parseObject(raw []byte) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, vdef.ErrFormat
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &data); err != nil {
		return nil, fmt.Errorf("%w: %w", vdef.ErrFormat, err)
	}
	if data == nil {
		data = make(map[string]json.RawMessage)
	}
	return data, nil
}

var errNotInitialized = fmt.Errorf("%w: store not initialized", vdef.ErrIO)

// Get implements Store.
func (s *JSONStore) Get(key string, v any) (bool, error) {
	s.mu.RLock()
	if s.data == nil {
		s.mu.RUnlock()
		return false, errNotInitialized
	}
	raw, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("%w: decode %q: %w", vdef.ErrFormat, key, err)
	}
	return true, nil
}

// Set implements Store. The candidate map is serialized and checked against
// the size ceiling before either the file or the in-memory copy changes.
func (s *JSONStore) Set(key string, v any) error {
	if key == "" {
		return &vdef.ValidationError{Field: "key", Reason: "cannot be empty"}
	}
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encode %q: %w", vdef.ErrFormat, key, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next, err := s.snapshot()
	if err != nil {
		return err
	}
	next[key] = value
	return s.commit(next)
}

// Delete implements Store.
func (s *JSONStore) Delete(key string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next, err := s.snapshot()
	if err != nil {
		return err
	}
	if _, ok := next[key]; !ok {
		return nil
	}
	delete(next, key)
	return s.commit(next)
}

// Keys implements Store.
func (s *JSONStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.data))
}

// Path implements Store.
func (s *JSONStore) Path() string {
	return s.path
}

// Close drops the in-memory copy. Init must be called before further use.
func (s *JSONStore) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	s.data = nil
	s.mu.Unlock()
	return nil
}

// snapshot copies the current map. Caller holds writeMu.
func (s *JSONStore) snapshot() (map[string]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data == nil {
		return nil, errNotInitialized
	}
	return maps.Clone(s.data), nil
}

// commit persists next and then installs it as the current map. Caller holds writeMu.
func (s *JSONStore) commit(next map[string]json.RawMessage) error {
	out, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode vault: %w", vdef.ErrFormat, err)
	}
	if int64(len(out)) > s.maxSize {
		return &vdef.CapacityError{Resource: "vault bytes", Limit: s.maxSize}
	}
	if err := s.writeFile(out); err != nil {
		return err
	}

	s.mu.Lock()
	s.data = next
	s.mu.Unlock()
	return nil
}

// writeFile replaces the vault file with data through "<path>.tmp".
func (s *JSONStore) writeFile(data []byte) error {
	tmpName := s.path + ".tmp"
	fail := func(step string, err error) error {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s %s: %w", vdef.ErrIO, step, tmpName, err)
	}

	tmp, err := os.OpenFile(tmpName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fail("create", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fail("write", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fail("chmod", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fail("sync", err)
	}
	if err := tmp.Close(); err != nil {
		return fail("close", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fail("rename", err)
	}
	return nil
}
