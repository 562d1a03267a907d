// Package vmock provides in-memory doubles for sshvault tests.
package vmock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/kardianos/sshvault/vdef"
)

// ErrTransportClosed is returned by ForwardOut on a closed FakeTransport.
var ErrTransportClosed = errors.New("vmock: transport closed")

// FakeTransport is an in-memory vdef.Transport. Forwarded channels either
// echo what they receive or, when Target is set, dial Target over TCP.
type FakeTransport struct {
	// Target, if set, is a TCP address each forwarded channel connects to.
	Target string

	mu         sync.Mutex
	closed     bool
	done       chan struct{}
	forwards   []string
	forwardErr map[int]error // keyed by remote port
	channels   []net.Conn
	wg         sync.WaitGroup
}

var _ vdef.Transport = (*FakeTransport)(nil)

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		done:       make(chan struct{}),
		forwardErr: make(map[int]error),
	}
}

// FailForward makes ForwardOut to remotePort return err.
func (t *FakeTransport) FailForward(remotePort int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forwardErr[remotePort] = err
}

func (t *FakeTransport) ForwardOut(ctx context.Context, localAddr string, localPort int, remoteHost string, remotePort int) (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTransportClosed
	}
	t.forwards = append(t.forwards, fmt.Sprintf("%s:%d->%s:%d", localAddr, localPort, remoteHost, remotePort))
	if err := t.forwardErr[remotePort]; err != nil {
		return nil, err
	}

	if t.Target != "" {
		var d net.Dialer
		c, err := d.DialContext(ctx, "tcp", t.Target)
		if err != nil {
			return nil, err
		}
		t.channels = append(t.channels, c)
		return c, nil
	}

	local, remote := net.Pipe()
	t.channels = append(t.channels, local, remote)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		io.Copy(remote, remote)
		remote.Close()
	}()
	return local, nil
}

// Forwards returns a description of every ForwardOut call.
func (t *FakeTransport) Forwards() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.forwards...)
}

// Close closes the transport and all of its channels.
func (t *FakeTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	channels := t.channels
	t.channels = nil
	close(t.done)
	t.mu.Unlock()

	for _, c := range channels {
		c.Close()
	}
	t.wg.Wait()
	return nil
}

// Closed reports whether Close was called.
func (t *FakeTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *FakeTransport) Done() <-chan struct{} {
	return t.done
}

// WaitClosed waits up to d for the transport to close.
func (t *FakeTransport) WaitClosed(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

// FakeDialer is a vdef.Dialer that records calls and returns FakeTransports.
type FakeDialer struct {
	// Err is returned by every Dial when set.
	Err error

	// Hang makes Dial block until its context ends. The transport created
	// for the call is returned alongside the context error.
	Hang bool

	// Prepare, if set, configures each transport before it is returned.
	Prepare func(cfg vdef.DialConfig, t *FakeTransport)

	mu         sync.Mutex
	calls      []vdef.DialConfig
	transports []*FakeTransport
}

var _ vdef.Dialer = (*FakeDialer)(nil)

func (d *FakeDialer) Dial(ctx context.Context, cfg vdef.DialConfig) (vdef.Transport, error) {
	d.mu.Lock()
	d.calls = append(d.calls, cfg)
	if d.Err != nil {
		d.mu.Unlock()
		return nil, d.Err
	}
	t := NewFakeTransport()
	d.transports = append(d.transports, t)
	hang := d.Hang
	prepare := d.Prepare
	d.mu.Unlock()

	if prepare != nil {
		prepare(cfg, t)
	}
	if hang {
		<-ctx.Done()
		return t, ctx.Err()
	}
	return t, nil
}

// Calls returns the configs of every Dial call.
func (d *FakeDialer) Calls() []vdef.DialConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]vdef.DialConfig(nil), d.calls...)
}

// Transports returns every transport created so far.
func (d *FakeDialer) Transports() []*FakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeTransport(nil), d.transports...)
}
