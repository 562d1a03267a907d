package vmock

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kardianos/sshvault/vdef"
)

// StateEvent is one state change seen by a TestObserver.
type StateEvent struct {
	BackendID string
	State     vdef.ConnState
}

// TestObserver is a vdef.Observer that logs to t and exposes events on
// buffered channels. Events after the test ends are dropped.
type TestObserver struct {
	t      *testing.T
	States chan StateEvent
	Logs   chan string
	mu     sync.Mutex
	done   bool
}

var _ vdef.Observer = (*TestObserver)(nil)

func NewTestObserver(t *testing.T) *TestObserver {
	o := &TestObserver{
		t:      t,
		States: make(chan StateEvent, 100),
		Logs:   make(chan string, 100),
	}
	t.Cleanup(func() {
		o.mu.Lock()
		o.done = true
		o.mu.Unlock()
	})
	return o
}

func (o *TestObserver) OnStateChange(backendID string, state vdef.ConnState) {
	o.mu.Lock()
	if o.done {
		o.mu.Unlock()
		return
	}
	o.t.Logf("%s: state [%s]: %s", time.Now().Format("05.000"), backendID, state)
	o.mu.Unlock()

	select {
	case o.States <- StateEvent{BackendID: backendID, State: state}:
	default:
	}
}

func (o *TestObserver) Logf(backendID string, format string, args ...any) {
	o.mu.Lock()
	if o.done {
		o.mu.Unlock()
		return
	}
	msg := fmt.Sprintf(format, args...)
	o.t.Logf("%s: log [%s]: %s", time.Now().Format("05.000"), backendID, msg)
	o.mu.Unlock()

	select {
	case o.Logs <- msg:
	default:
	}
}

// WaitState waits up to d for backendID to reach state.
func (o *TestObserver) WaitState(backendID string, state vdef.ConnState, d time.Duration) bool {
	timeout := time.After(d)
	for {
		select {
		case ev := <-o.States:
			if ev.BackendID == backendID && ev.State == state {
				return true
			}
		case <-timeout:
			return false
		}
	}
}

// Creds is a vdef.CredentialSource backed by maps.
type Creds struct {
	mu       sync.Mutex
	Backends map[string]vdef.Backend
	KeyPairs map[string]vdef.KeyPair
}

var _ vdef.CredentialSource = (*Creds)(nil)

func NewCreds() *Creds {
	return &Creds{
		Backends: make(map[string]vdef.Backend),
		KeyPairs: make(map[string]vdef.KeyPair),
	}
}

func (c *Creds) AddBackend(b vdef.Backend) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Backends[b.ID] = b
}

func (c *Creds) AddKeyPair(kp vdef.KeyPair) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.KeyPairs[kp.ID] = kp
}

func (c *Creds) GetBackend(id string) (*vdef.Backend, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.Backends[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (c *Creds) GetKeyPair(id string) (*vdef.KeyPair, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kp, ok := c.KeyPairs[id]
	if !ok {
		return nil, nil
	}
	return &kp, nil
}
