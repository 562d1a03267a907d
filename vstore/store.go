// Package vstore persists vault records as a flat string-keyed map.
//
// JSONStore keeps the whole map in one pretty-printed JSON file that is
// replaced atomically on every write. BoltStore keeps records in a bbolt
// database with CBOR encoded values. Both enforce a total size ceiling.
package vstore

// DefaultMaxSize is the size ceiling used when none is configured.
const DefaultMaxSize = 200 << 20

// Store is a durable key-value map for vault records.
type Store interface {
	// Init opens or creates the backing storage. It must be called before
	// any other method and may be called again after Close.
	Init() error

	// Get decodes the value stored at key into v.
	// It returns false with a nil error when key is absent.
	Get(key string, v any) (bool, error)

	// Set stores v at key. If the store would exceed its size ceiling
	// nothing is changed and a *vdef.CapacityError is returned.
	Set(key string, v any) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error

	// Keys returns a sorted snapshot of all keys. It returns nil rather than
	// a partial list when the keys cannot be read.
	Keys() []string

	// Path returns the storage location for display purposes.
	Path() string

	Close() error
}
