package vstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/kardianos/sshvault/vdef"
	"go.etcd.io/bbolt"
)

var bucketRecords = []byte("records")

// errCapacity aborts a bbolt transaction that would exceed the size ceiling.
var errCapacity = errors.New("capacity")

var errBucketMissing = errors.New("records bucket missing")

// BoltStore is a Store backed by a bbolt database.
// Values are CBOR encoded; the ceiling counts key and value bytes.
type BoltStore struct {
	path    string
	maxSize int64

	mu sync.RWMutex
	db *bbolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore returns a store for path. maxSize <= 0 selects DefaultMaxSize.
func NewBoltStore(path string, maxSize int64) (*BoltStore, error) {
	clean, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &BoltStore{path: clean, maxSize: maxSize}, nil
}

// Init opens the database, creating it with mode 0600 if missing.
func (s *BoltStore) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("%w: create directory: %w", vdef.ErrIO, err)
	}
	db, err := bbolt.Open(s.path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return fmt.Errorf("%w: open database: %w", vdef.ErrIO, err)
	}
	if err := checkPerm(s.path); err != nil {
		db.Close()
		return err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRecords)
		return err
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("%w: create bucket: %w", vdef.ErrIO, err)
	}
	s.db = db
	return nil
}

func (s *BoltStore) open() (*bbolt.DB, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}
	return s.db, nil
}

// Get implements Store.
func (s *BoltStore) Get(key string, v any) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.open()
	if err != nil {
		return false, err
	}

	var found bool
	err = db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRecords).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return cbor.Unmarshal(data, v)
	})
	if err != nil {
		return found, fmt.Errorf("%w: decode %q: %w", vdef.ErrFormat, key, err)
	}
	return found, nil
}

// Set implements Store.
func (s *BoltStore) Set(key string, v any) error {
	if key == "" {
		return &vdef.ValidationError{Field: "key", Reason: "cannot be empty"}
	}
	data, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encode %q: %w", vdef.ErrFormat, key, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.open()
	if err != nil {
		return err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		total := int64(len(key) + len(data))
		err := b.ForEach(func(k, v []byte) error {
			if string(k) != key {
				total += int64(len(k) + len(v))
			}
			return nil
		})
		if err != nil {
			return err
		}
		if total > s.maxSize {
			return errCapacity
		}
		return b.Put([]byte(key), data)
	})
	if errors.Is(err, errCapacity) {
		return &vdef.CapacityError{Resource: "vault bytes", Limit: s.maxSize}
	}
	if err != nil {
		return fmt.Errorf("%w: put %q: %w", vdef.ErrIO, key, err)
	}
	return nil
}

// Delete implements Store.
func (s *BoltStore) Delete(key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.open()
	if err != nil {
		return err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("%w: delete %q: %w", vdef.ErrIO, key, err)
	}
	return nil
}

// Keys implements Store. bbolt iterates in byte order, so keys are sorted.
func (s *BoltStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil
	}
	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		if b == nil {
			return errBucketMissing
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil
	}
	return keys
}

// Path implements Store.
func (s *BoltStore) Path() string {
	return s.path
}

// Close closes the database. Init reopens it.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("%w: close database: %w", vdef.ErrIO, err)
	}
	return nil
}
