// Package vdef holds the record types, connection states and error values
// shared by the sshvault packages.
package vdef

import (
	"fmt"
	"strings"
	"time"
)

// Well-known record keys in a vault store.
const (
	KeySalt        = "crypto.salt"
	PrefixKeyPairs = "keypairs."
	PrefixBackends = "backends."
)

// DefaultRemoteHost is used when a tunnel does not name a remote host.
const DefaultRemoteHost = "127.0.0.1"

// KeyPairKey returns the store key for a key pair id.
func KeyPairKey(id string) string { return PrefixKeyPairs + id }

// BackendKey returns the store key for a backend id.
func BackendKey(id string) string { return PrefixBackends + id }

// IDFromKey strips prefix from key. It returns false if key is not in the namespace.
func IDFromKey(prefix, key string) (string, bool) {
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	id := key[len(prefix):]
	return id, id != ""
}

// KeyPair is an SSH key pair held by the vault.
// PrivateKey and PublicKey are plaintext here; the vault encrypts them at rest.
type KeyPair struct {
	ID         string `json:"id"`
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey,omitempty"`
	Name       string `json:"name,omitempty"`
}

// TunnelConfig describes one local port forward carried by a backend connection.
type TunnelConfig struct {
	LocalPort  int    `json:"localPort"`
	RemotePort int    `json:"remotePort"`
	RemoteHost string `json:"remoteHost,omitempty"`
}

// RemoteHostOrDefault returns RemoteHost, or DefaultRemoteHost when empty.
func (t TunnelConfig) RemoteHostOrDefault() string {
	if t.RemoteHost == "" {
		return DefaultRemoteHost
	}
	return t.RemoteHost
}

func (t TunnelConfig) String() string {
	return fmt.Sprintf("%d:%s:%d", t.LocalPort, t.RemoteHostOrDefault(), t.RemotePort)
}

// Backend is an SSH server reachable with one of the vault's key pairs.
// Backends hold no secrets and are stored in plaintext.
type Backend struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Host      string         `json:"host"`
	Port      int            `json:"port"`
	Username  string         `json:"username"`
	KeyPairID string         `json:"keyPairId"`
	Tunnels   []TunnelConfig `json:"tunnels,omitempty"`
	Data      string         `json:"data,omitempty"` // Opaque caller data.
}

// ConnState is the lifecycle state of one backend connection.
type ConnState int

const (
	StateIdle ConnState = iota
	StateRateCheck
	StateConnecting
	StateReady
	StateFailed
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRateCheck:
		return "rate-check"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Observer receives connection lifecycle events and logs.
type Observer interface {
	OnStateChange(backendID string, state ConnState)
	Logf(backendID string, format string, args ...any)
}

var (
	// ErrValidation is returned for a bad password, path, id or tunnel config.
	ErrValidation = fmt.Errorf("sshvault: validation failed")

	// ErrCrypto is returned when key derivation, authentication or field decoding fails.
	ErrCrypto = fmt.Errorf("sshvault: crypto failure")

	// ErrUseAfterDestroy is returned when a destroyed cipher is used.
	ErrUseAfterDestroy = fmt.Errorf("sshvault: cipher used after destroy")

	// ErrFormat is returned when the vault file is not a JSON object.
	ErrFormat = fmt.Errorf("sshvault: vault file is not a JSON object")

	// ErrPermission is returned when the vault file mode is not 0600.
	ErrPermission = fmt.Errorf("sshvault: vault file permissions must be 0600")

	// ErrNotFound is returned when a backend or key pair does not exist.
	ErrNotFound = fmt.Errorf("sshvault: not found")

	// ErrNotConnected is returned when the vault is locked.
	ErrNotConnected = fmt.Errorf("sshvault: vault is locked")

	// ErrRateLimited is returned when too many connection attempts were made.
	ErrRateLimited = fmt.Errorf("sshvault: rate limited")

	// ErrCapacity is returned when a connection or storage size limit is reached.
	ErrCapacity = fmt.Errorf("sshvault: capacity exceeded")

	// ErrTimeout is returned when a transport is not ready in time.
	ErrTimeout = fmt.Errorf("sshvault: connection timeout")

	// ErrTunnel is returned when a port forward or local bind fails.
	ErrTunnel = fmt.Errorf("sshvault: tunnel setup failed")

	// ErrIO is returned for filesystem failures.
	ErrIO = fmt.Errorf("sshvault: io failure")

	// ErrAlreadyConnected is returned when a backend already has a live or pending connection.
	ErrAlreadyConnected = fmt.Errorf("sshvault: backend already connected")
)

// ValidationError describes which input was rejected and why.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NotFoundError is returned when a backend or key pair record is missing.
type NotFoundError struct {
	Kind string // "backend" or "key pair"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s %q", ErrNotFound, e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// RateLimitError is returned when a backend exceeded its connection attempts.
type RateLimitError struct {
	BackendID string
	Attempts  int
	Wait      time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: %d attempts for %s: wait %v", ErrRateLimited, e.Attempts, e.BackendID, e.Wait)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// CapacityError is returned when a configured ceiling would be exceeded.
type CapacityError struct {
	Resource string
	Limit    int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s: %s limit %d", ErrCapacity, e.Resource, e.Limit)
}

func (e *CapacityError) Unwrap() error {
	return ErrCapacity
}

// TimeoutError is returned when the transport was not ready within the connection timeout.
type TimeoutError struct {
	BackendID string
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %s after %v", ErrTimeout, e.BackendID, e.After)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// TunnelError is returned when one tunnel of a connection could not be set up.
// It matches both ErrTunnel and the underlying cause.
type TunnelError struct {
	BackendID  string
	LocalPort  int
	RemoteHost string
	RemotePort int
	Err        error
}

func (e *TunnelError) Error() string {
	return fmt.Sprintf("%s: %s %d:%s:%d: %v", ErrTunnel, e.BackendID, e.LocalPort, e.RemoteHost, e.RemotePort, e.Err)
}

func (e *TunnelError) Unwrap() []error {
	return []error{ErrTunnel, e.Err}
}
