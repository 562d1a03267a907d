// Package vault stores SSH key pairs and backend descriptors behind a
// password. Key material is encrypted field by field with a key derived from
// the password; backends are stored in plaintext.
//
// A Vault starts locked. Connect derives the key and unlocks it; Disconnect
// destroys the key and locks it again. Record operations on a locked vault
// return vdef.ErrNotConnected.
package vault

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/kardianos/sshvault/vcrypt"
	"github.com/kardianos/sshvault/vdef"
	"github.com/kardianos/sshvault/vstore"
)

// selfTestPlaintext is sealed and opened on every Connect to prove the
// derived key works before the vault reports itself unlocked.
const selfTestPlaintext = "sshvault self-test"

// keyPairRecord is the at-rest form of a vdef.KeyPair.
type keyPairRecord struct {
	ID         string `json:"id"`
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey,omitempty"`
	Name       string `json:"name,omitempty"`
}

// Vault is a password protected store of key pairs and backends.
type Vault struct {
	store vstore.Store

	mu     sync.RWMutex
	cipher *vcrypt.Cipher // nil while locked
}

// New returns a locked vault over store.
func New(store vstore.Store) *Vault {
	return &Vault{store: store}
}

type options struct {
	maxSize int64
	bolt    bool
}

// Option configures Open.
type Option func(*options)

// WithMaxSize sets the store size ceiling in bytes.
func WithMaxSize(n int64) Option {
	return func(o *options) { o.maxSize = n }
}

// WithBolt stores records in a bbolt database instead of a JSON file.
func WithBolt() Option {
	return func(o *options) { o.bolt = true }
}

// Open returns a locked vault stored at path.
func Open(path string, opts ...Option) (*Vault, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	var (
		store vstore.Store
		err   error
	)
	if o.bolt {
		store, err = vstore.NewBoltStore(path, o.maxSize)
	} else {
		store, err = vstore.NewJSONStore(path, o.maxSize)
	}
	if err != nil {
		return nil, err
	}
	return New(store), nil
}

// Path returns the location of the underlying store.
func (v *Vault) Path() string {
	return v.store.Path()
}

// Connect unlocks the vault with password. On first use a salt is generated
// and persisted. The password slice is zeroed before Connect returns.
// If any step fails the vault stays locked.
func (v *Vault) Connect(password []byte) error {
	defer clear(password)
	if len(password) == 0 {
		return &vdef.ValidationError{Field: "password", Reason: "cannot be empty"}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cipher != nil {
		v.cipher.Destroy()
		v.cipher = nil
	}

	if err := v.store.Init(); err != nil {
		return err
	}

	var salt string
	if _, err := v.store.Get(vdef.KeySalt, &salt); err != nil {
		return fmt.Errorf("read salt: %w", err)
	}

	c, err := vcrypt.New(password, salt)
	if err != nil {
		return err
	}
	if salt == "" {
		if err := v.store.Set(vdef.KeySalt, c.Salt()); err != nil {
			c.Destroy()
			return fmt.Errorf("save salt: %w", err)
		}
	}
	if err := selfTest(c); err != nil {
		c.Destroy()
		return err
	}
	if err := v.verifyExisting(c); err != nil {
		c.Destroy()
		return err
	}

	v.cipher = c
	return nil
}

func selfTest(c *vcrypt.Cipher) error {
	enc, err := c.Encrypt(selfTestPlaintext)
	if err != nil {
		return fmt.Errorf("self-test encrypt: %w", err)
	}
	dec, err := c.Decrypt(enc)
	if err != nil {
		return fmt.Errorf("self-test decrypt: %w", err)
	}
	if dec != selfTestPlaintext {
		return fmt.Errorf("%w: self-test mismatch", vdef.ErrCrypto)
	}
	return nil
}

// verifyExisting opens the first stored key pair, so a wrong password is
// reported by Connect rather than by a later read.
func (v *Vault) verifyExisting(c *vcrypt.Cipher) error {
	for _, key := range v.store.Keys() {
		id, ok := vdef.IDFromKey(vdef.PrefixKeyPairs, key)
		if !ok {
			continue
		}
		var rec keyPairRecord
		if _, err := v.store.Get(key, &rec); err != nil {
			return err
		}
		if _, err := c.Decrypt(rec.PrivateKey); err != nil {
			return fmt.Errorf("wrong password or corrupt key pair %s: %w", id, err)
		}
		return nil
	}
	return nil
}

// Disconnect destroys the derived key and locks the vault. It is safe to
// call on a locked vault.
func (v *Vault) Disconnect() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cipher != nil {
		v.cipher.Destroy()
		v.cipher = nil
	}
}

// IsConnected reports whether the vault is unlocked.
func (v *Vault) IsConnected() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cipher != nil
}

// Close locks the vault and releases the store.
func (v *Vault) Close() error {
	v.Disconnect()
	return v.store.Close()
}

// unlocked returns the cipher or vdef.ErrNotConnected. Caller holds v.mu.
func (v *Vault) unlocked() (*vcrypt.Cipher, error) {
	if v.cipher == nil {
		return nil, vdef.ErrNotConnected
	}
	return v.cipher, nil
}

// SaveKeyPair encrypts and stores kp, replacing any key pair with the same id.
func (v *Vault) SaveKeyPair(kp vdef.KeyPair) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	c, err := v.unlocked()
	if err != nil {
		return err
	}
	if err := kp.Validate(); err != nil {
		return err
	}

	rec := keyPairRecord{ID: kp.ID, Name: kp.Name}
	if rec.PrivateKey, err = c.Encrypt(kp.PrivateKey); err != nil {
		return fmt.Errorf("encrypt private key %s: %w", kp.ID, err)
	}
	if kp.PublicKey != "" {
		if rec.PublicKey, err = c.Encrypt(kp.PublicKey); err != nil {
			return fmt.Errorf("encrypt public key %s: %w", kp.ID, err)
		}
	}
	return v.store.Set(vdef.KeyPairKey(kp.ID), rec)
}

// GetKeyPair returns the decrypted key pair, or nil if it does not exist.
func (v *Vault) GetKeyPair(id string) (*vdef.KeyPair, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	c, err := v.unlocked()
	if err != nil {
		return nil, err
	}
	if err := vdef.ValidateID("keypair.id", id); err != nil {
		return nil, err
	}
	return v.readKeyPair(c, id)
}

func (v *Vault) readKeyPair(c *vcrypt.Cipher, id string) (*vdef.KeyPair, error) {
	var rec keyPairRecord
	ok, err := v.store.Get(vdef.KeyPairKey(id), &rec)
	if err != nil || !ok {
		return nil, err
	}

	kp := &vdef.KeyPair{ID: id, Name: rec.Name}
	if kp.PrivateKey, err = c.Decrypt(rec.PrivateKey); err != nil {
		return nil, fmt.Errorf("decrypt private key %s: %w", id, err)
	}
	if rec.PublicKey != "" {
		if kp.PublicKey, err = c.Decrypt(rec.PublicKey); err != nil {
			return nil, fmt.Errorf("decrypt public key %s: %w", id, err)
		}
	}
	return kp, nil
}

// GetAllKeyPairs returns every key pair, ordered by id.
func (v *Vault) GetAllKeyPairs() ([]vdef.KeyPair, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	c, err := v.unlocked()
	if err != nil {
		return nil, err
	}

	var out []vdef.KeyPair
	for _, key := range v.store.Keys() {
		id, ok := vdef.IDFromKey(vdef.PrefixKeyPairs, key)
		if !ok {
			continue
		}
		kp, err := v.readKeyPair(c, id)
		if err != nil {
			return nil, err
		}
		if kp != nil {
			out = append(out, *kp)
		}
	}
	return out, nil
}

// DeleteKeyPair removes a key pair. Removing a missing key pair is not an error.
func (v *Vault) DeleteKeyPair(id string) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if _, err := v.unlocked(); err != nil {
		return err
	}
	if err := vdef.ValidateID("keypair.id", id); err != nil {
		return err
	}
	return v.store.Delete(vdef.KeyPairKey(id))
}

// SaveBackend validates and stores b, replacing any backend with the same id.
func (v *Vault) SaveBackend(b vdef.Backend) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if _, err := v.unlocked(); err != nil {
		return err
	}
	if err := b.Validate(); err != nil {
		return err
	}
	return v.store.Set(vdef.BackendKey(b.ID), b)
}

// GetBackend returns the backend, or nil if it does not exist.
func (v *Vault) GetBackend(id string) (*vdef.Backend, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if _, err := v.unlocked(); err != nil {
		return nil, err
	}
	if err := vdef.ValidateID("backend.id", id); err != nil {
		return nil, err
	}
	return v.readBackend(id)
}

func (v *Vault) readBackend(id string) (*vdef.Backend, error) {
	var b vdef.Backend
	ok, err := v.store.Get(vdef.BackendKey(id), &b)
	if err != nil || !ok {
		return nil, err
	}
	return &b, nil
}

// GetAllBackends returns every backend, ordered by id.
func (v *Vault) GetAllBackends() ([]vdef.Backend, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if _, err := v.unlocked(); err != nil {
		return nil, err
	}

	var out []vdef.Backend
	for _, key := range v.store.Keys() {
		id, ok := vdef.IDFromKey(vdef.PrefixBackends, key)
		if !ok {
			continue
		}
		b, err := v.readBackend(id)
		if err != nil {
			return nil, err
		}
		if b != nil {
			out = append(out, *b)
		}
	}
	slices.SortFunc(out, func(a, b vdef.Backend) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// DeleteBackend removes a backend. Removing a missing backend is not an error.
func (v *Vault) DeleteBackend(id string) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if _, err := v.unlocked(); err != nil {
		return err
	}
	if err := vdef.ValidateID("backend.id", id); err != nil {
		return err
	}
	return v.store.Delete(vdef.BackendKey(id))
}
