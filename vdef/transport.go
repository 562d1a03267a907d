package vdef

import (
	"context"
	"net"
	"time"
)

// DialConfig is what a Dialer needs to open one SSH transport.
type DialConfig struct {
	BackendID  string
	Host       string
	Port       int
	Username   string
	PrivateKey string
	Timeout    time.Duration // Hint; the caller also enforces it.
}

// Dialer opens SSH transports. Dial returns once the transport is ready to
// open channels. When ctx is cancelled Dial should return promptly; if it has
// already created a transport it may return it together with the error so
// the caller can close it.
type Dialer interface {
	Dial(ctx context.Context, cfg DialConfig) (Transport, error)
}

// Transport is an established SSH connection.
type Transport interface {
	// ForwardOut opens a channel to remoteHost:remotePort on the far side.
	// localAddr and localPort identify the originator.
	ForwardOut(ctx context.Context, localAddr string, localPort int, remoteHost string, remotePort int) (net.Conn, error)

	// Close tears down the transport and every channel opened on it.
	Close() error

	// Done is closed when the transport ends, for any reason.
	Done() <-chan struct{}
}

// CredentialSource resolves backends and their key pairs.
// A missing record is reported as (nil, nil).
type CredentialSource interface {
	GetBackend(id string) (*Backend, error)
	GetKeyPair(id string) (*KeyPair, error)
}
