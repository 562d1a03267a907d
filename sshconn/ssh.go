package sshconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Algorithm preferences offered during the handshake.
var (
	KeyExchanges = []string{"curve25519-sha256@libssh.org", "ecdh-sha2-nistp256", "diffie-hellman-group14-sha1"}
	Ciphers      = []string{"aes128-gcm@openssh.com", "aes256-gcm@openssh.com", "aes128-ctr"}
)

const (
	defaultKeepAliveInterval = 10 * time.Second
	defaultKeepAliveCountMax = 3
)

// SSHDialer opens transports with golang.org/x/crypto/ssh using public key
// authentication.
type SSHDialer struct {
	// HostKeyCallback verifies the server key. It is required; use
	// knownhosts.New or, knowingly, ssh.InsecureIgnoreHostKey.
	HostKeyCallback ssh.HostKeyCallback

	// Passphrase decrypts encrypted private keys. Unencrypted keys ignore it.
	Passphrase []byte

	// KeepAliveInterval and KeepAliveCountMax control keepalive requests.
	// The transport is closed after KeepAliveCountMax missed replies.
	KeepAliveInterval time.Duration
	KeepAliveCountMax int
}

var _ Dialer = (*SSHDialer)(nil)

// signer parses privateKey, using Passphrase only when the key is encrypted.
func (d *SSHDialer) signer(privateKey string) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey([]byte(privateKey))
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) && len(d.Passphrase) > 0 {
		return ssh.ParsePrivateKeyWithPassphrase([]byte(privateKey), d.Passphrase)
	}
	return signer, err
}

// Dial connects and completes the SSH handshake. Cancelling ctx aborts both.
func (d *SSHDialer) Dial(ctx context.Context, cfg DialConfig) (Transport, error) {
	if d.HostKeyCallback == nil {
		return nil, fmt.Errorf("sshconn: SSHDialer.HostKeyCallback is required")
	}
	signer, err := d.signer(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key for %s: %w", cfg.BackendID, err)
	}

	conf := &ssh.ClientConfig{
		Config: ssh.Config{
			KeyExchanges: KeyExchanges,
			Ciphers:      Ciphers,
		},
		User:            cfg.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: d.HostKeyCallback,
		Timeout:         cfg.Timeout,
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	nd := net.Dialer{Timeout: cfg.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, conf)
	if !stop() {
		if err == nil {
			c.Close()
		}
		return nil, ctx.Err()
	}
	if err != nil {
		conn.Close()
		return nil, err
	}

	interval := d.KeepAliveInterval
	if interval <= 0 {
		interval = defaultKeepAliveInterval
	}
	countMax := d.KeepAliveCountMax
	if countMax <= 0 {
		countMax = defaultKeepAliveCountMax
	}

	t := &sshTransport{
		client: ssh.NewClient(c, chans, reqs),
		done:   make(chan struct{}),
	}
	go t.wait()
	go t.keepalive(interval, countMax)
	return t, nil
}

// sshTransport adapts *ssh.Client to Transport.
type sshTransport struct {
	client *ssh.Client
	done   chan struct{}
	once   sync.Once
}

func (t *sshTransport) wait() {
	t.client.Wait()
	close(t.done)
}

// keepalive closes the client after countMax consecutive unanswered requests.
func (t *sshTransport) keepalive(interval time.Duration, countMax int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}

		reply := make(chan error, 1)
		go func() {
			_, _, err := t.client.SendRequest("keepalive@openssh.com", true, nil)
			reply <- err
		}()

		var err error
		select {
		case err = <-reply:
		case <-time.After(interval):
			err = context.DeadlineExceeded
		case <-t.done:
			return
		}
		if err == nil {
			missed = 0
			continue
		}
		missed++
		if missed >= countMax {
			t.Close()
			return
		}
	}
}

// ForwardOut opens a direct-tcpip channel. The client library reports its
// own originator address, so localAddr and localPort are not sent.
func (t *sshTransport) ForwardOut(ctx context.Context, localAddr string, localPort int, remoteHost string, remotePort int) (net.Conn, error) {
	return t.client.DialContext(ctx, "tcp", net.JoinHostPort(remoteHost, strconv.Itoa(remotePort)))
}

func (t *sshTransport) Close() error {
	var err error
	t.once.Do(func() {
		err = t.client.Close()
	})
	return err
}

func (t *sshTransport) Done() <-chan struct{} {
	return t.done
}
