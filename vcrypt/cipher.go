// Package vcrypt derives a vault key from a password and encrypts individual
// vault fields with it.
//
// Keys are derived with scrypt (N=16384, r=8, p=1) from the password and the
// vault salt, so any process holding the same password and salt derives the
// same key. Fields are sealed with AES-256-GCM using a fresh 16-byte IV per
// call and encoded as "<iv_hex>:<ciphertext_hex>:<tag_hex>".
package vcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/kardianos/sshvault/vdef"
	"golang.org/x/crypto/scrypt"
)

// Key derivation cost parameters. Changing them makes existing vaults unreadable.
const (
	ScryptN = 16384
	ScryptR = 8
	ScryptP = 1

	KeySize  = 32
	SaltSize = 16
	IVSize   = 16
	TagSize  = 16

	MinPasswordLength = 12
	MaxPasswordLength = 128
)

// Cipher holds a derived key. The zero value is not usable; create one with New.
type Cipher struct {
	mu   sync.RWMutex
	key  []byte
	salt string
}

// New derives a key from password and salt. If existingSalt is empty a random
// salt is generated. The password slice is zeroed before New returns.
func New(password []byte, existingSalt string) (*Cipher, error) {
	defer clear(password)

	if err := validatePassword(password); err != nil {
		return nil, err
	}

	salt := existingSalt
	if salt == "" {
		raw := make([]byte, SaltSize)
		if _, err := rand.Read(raw); err != nil {
			return nil, fmt.Errorf("%w: generate salt: %w", vdef.ErrCrypto, err)
		}
		salt = hex.EncodeToString(raw)
	} else if raw, err := hex.DecodeString(salt); err != nil || len(raw) != SaltSize {
		return nil, &vdef.ValidationError{Field: "salt", Reason: fmt.Sprintf("must be %d hex-encoded bytes", SaltSize)}
	}

	key, err := scrypt.Key(password, []byte(salt), ScryptN, ScryptR, ScryptP, KeySize)
	if err != nil {
		return nil, fmt.Errorf("%w: derive key: %w", vdef.ErrCrypto, err)
	}
	lockMemory(key)

	return &Cipher{key: key, salt: salt}, nil
}

// ValidatePassword reports whether pw satisfies the vault password policy.
func ValidatePassword(pw string) error {
	return validatePassword([]byte(pw))
}

func validatePassword(pw []byte) error {
	n := utf8.RuneCount(pw)
	if n < MinPasswordLength {
		return &vdef.ValidationError{Field: "password", Reason: fmt.Sprintf("must be at least %d characters long", MinPasswordLength)}
	}
	if n > MaxPasswordLength {
		return &vdef.ValidationError{Field: "password", Reason: fmt.Sprintf("must be at most %d characters long", MaxPasswordLength)}
	}

	var upper, lower, digit, special bool
	for i := 0; i < len(pw); {
		r, size := utf8.DecodeRune(pw[i:])
		i += size
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case !unicode.IsLetter(r) && !unicode.IsSpace(r):
			special = true
		}
	}
	if !upper || !lower || !digit || !special {
		return &vdef.ValidationError{Field: "password", Reason: "must contain an uppercase letter, a lowercase letter, a digit, and a special character"}
	}
	return nil
}

// Salt returns the hex salt the key was derived with. Callers persist it to
// derive the same key on the next unlock.
func (c *Cipher) Salt() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.salt
}

func (c *Cipher) aead() (cipher.AEAD, error) {
	if c.key == nil {
		return nil, vdef.ErrUseAfterDestroy
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", vdef.ErrCrypto, err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", vdef.ErrCrypto, err)
	}
	return gcm, nil
}

// Encrypt seals plaintext under a fresh random IV.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	gcm, err := c.aead()
	if err != nil {
		return "", err
	}

	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("%w: generate iv: %w", vdef.ErrCrypto, err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ct) + ":" + hex.EncodeToString(tag), nil
}

// Decrypt opens a value produced by Encrypt. Malformed input and failed
// authentication both return an error matching vdef.ErrCrypto.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	gcm, err := c.aead()
	if err != nil {
		return "", err
	}

	parts := strings.Split(encoded, ":")
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: encrypted field must have 3 segments, got %d", vdef.ErrCrypto, len(parts))
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("%w: decode iv: %w", vdef.ErrCrypto, err)
	}
	ct, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %w", vdef.ErrCrypto, err)
	}
	tag, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("%w: decode tag: %w", vdef.ErrCrypto, err)
	}
	if len(iv) != IVSize {
		return "", fmt.Errorf("%w: iv must be %d bytes, got %d", vdef.ErrCrypto, IVSize, len(iv))
	}
	if len(tag) != TagSize {
		return "", fmt.Errorf("%w: tag must be %d bytes, got %d", vdef.ErrCrypto, TagSize, len(tag))
	}

	plaintext, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", vdef.ErrCrypto, err)
	}
	return string(plaintext), nil
}

// Destroy overwrites the key with random bytes and clears the salt.
// Later Encrypt and Decrypt calls return vdef.ErrUseAfterDestroy.
func (c *Cipher) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.key != nil {
		if _, err := rand.Read(c.key); err != nil {
			clear(c.key)
		}
		unlockMemory(c.key)
		c.key = nil
	}
	c.salt = ""
}
