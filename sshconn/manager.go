// Package sshconn keeps a bounded, rate-limited set of live SSH connections,
// each optionally carrying local port-forward tunnels.
//
// A connection is registered only after its transport is ready and every one
// of its tunnels is bound. If any step fails, everything opened for that
// attempt is closed before Connect returns.
package sshconn

import (
	"context"
	"fmt"
	"maps"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/kardianos/sshvault/vdef"
	"github.com/kardianos/sshvault/vstate"
)

type (
	Dialer           = vdef.Dialer
	Transport        = vdef.Transport
	DialConfig       = vdef.DialConfig
	CredentialSource = vdef.CredentialSource
)

// ErrClosed is returned by Connect after Close.
var ErrClosed = fmt.Errorf("sshvault: connection manager closed")

// Defaults applied to zero Config fields.
const (
	DefaultConnectionTimeout        = 30 * time.Second
	DefaultMaxConcurrentConnections = 10
	DefaultMaxConnectionAttempts    = 5
	DefaultAttemptResetWindow       = 10 * time.Second
)

// Config configures a Manager. Zero values select the defaults.
type Config struct {
	// ConnectionTimeout bounds the transport phase of Connect only.
	ConnectionTimeout time.Duration

	MaxConcurrentConnections int
	MaxConnectionAttempts    int
	AttemptResetWindow       time.Duration

	// Observer receives state changes and log lines. May be nil.
	Observer vdef.Observer
}

func (c Config) withDefaults() Config {
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
	if c.MaxConcurrentConnections <= 0 {
		c.MaxConcurrentConnections = DefaultMaxConcurrentConnections
	}
	if c.MaxConnectionAttempts <= 0 {
		c.MaxConnectionAttempts = DefaultMaxConnectionAttempts
	}
	if c.AttemptResetWindow <= 0 {
		c.AttemptResetWindow = DefaultAttemptResetWindow
	}
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
	return c
}

type nopObserver struct{}

func (nopObserver) OnStateChange(string, vdef.ConnState) {}
func (nopObserver) Logf(string, string, ...any)          {}

var attemptEdges = []vstate.Edge[vdef.ConnState]{
	{From: vdef.StateIdle, To: vdef.StateRateCheck, Name: "begin"},
	{From: vdef.StateRateCheck, To: vdef.StateConnecting, Name: "admitted"},
	{From: vdef.StateRateCheck, To: vdef.StateFailed, Name: "rejected"},
	{From: vdef.StateConnecting, To: vdef.StateReady, Name: "ready"},
	{From: vdef.StateConnecting, To: vdef.StateFailed, Name: "failed"},
	{From: vdef.StateConnecting, To: vdef.StateDisconnected, Name: "closed"},
	{From: vdef.StateReady, To: vdef.StateDisconnected, Name: "closed"},
}

// liveConn is a registered connection and its tunnels.
type liveConn struct {
	transport Transport
	tunnels   []*tunnel
	state     *vstate.Machine[vdef.ConnState]

	stop     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
	closeErr error
}

// shutdown closes tunnels and transport once. It does not wait for goroutines.
func (lc *liveConn) shutdown() error {
	lc.once.Do(func() {
		close(lc.stop)
		for _, tn := range lc.tunnels {
			tn.close()
		}
		lc.closeErr = lc.transport.Close()
		lc.state.To(vdef.StateDisconnected)
	})
	return lc.closeErr
}

// Manager owns live connections, their tunnel listeners and the attempt limiter.
type Manager struct {
	creds   CredentialSource
	dialer  Dialer
	cfg     Config
	limiter *attemptLimiter

	mu      sync.Mutex
	conns   map[string]*liveConn
	pending map[string]struct{}
	closed  bool
}

// New returns a Manager that resolves backends through creds and opens
// transports with dialer. Call Close to release it.
func New(creds CredentialSource, dialer Dialer, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		creds:   creds,
		dialer:  dialer,
		cfg:     cfg,
		limiter: newAttemptLimiter(cfg.MaxConnectionAttempts, cfg.AttemptResetWindow),
		conns:   make(map[string]*liveConn),
		pending: make(map[string]struct{}),
	}
}

func (m *Manager) newMachine(backendID string) *vstate.Machine[vdef.ConnState] {
	return vstate.New(vdef.StateIdle, attemptEdges, func(_, to vdef.ConnState, _ string) {
		m.cfg.Observer.OnStateChange(backendID, to)
	})
}

// Connect opens a connection to backendID and binds all of its tunnels.
// The returned transport stays owned by the Manager; use Disconnect to close it.
func (m *Manager) Connect(ctx context.Context, backendID string) (Transport, error) {
	state := m.newMachine(backendID)
	state.To(vdef.StateRateCheck)

	if err := m.limiter.check(backendID); err != nil {
		state.To(vdef.StateFailed)
		return nil, err
	}
	if err := m.reserve(backendID); err != nil {
		state.To(vdef.StateFailed)
		return nil, err
	}
	defer m.release(backendID)

	state.To(vdef.StateConnecting)
	lc, err := m.connect(ctx, backendID)
	if err != nil {
		state.To(vdef.StateFailed)
		m.cfg.Observer.Logf(backendID, "connect failed: %v", err)
		return nil, err
	}
	lc.state = state

	if err := m.register(backendID, lc); err != nil {
		state.To(vdef.StateFailed)
		return nil, err
	}
	m.cfg.Observer.Logf(backendID, "connected with %d tunnel(s)", len(lc.tunnels))
	return lc.transport, nil
}

// reserve claims a connection slot for backendID without network I/O.
func (m *Manager) reserve(backendID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if _, ok := m.conns[backendID]; ok {
		return fmt.Errorf("%w: %s", vdef.ErrAlreadyConnected, backendID)
	}
	if _, ok := m.pending[backendID]; ok {
		return fmt.Errorf("%w: %s", vdef.ErrAlreadyConnected, backendID)
	}
	if len(m.conns)+len(m.pending) >= m.cfg.MaxConcurrentConnections {
		return &vdef.CapacityError{Resource: "connections", Limit: int64(m.cfg.MaxConcurrentConnections)}
	}
	m.pending[backendID] = struct{}{}
	return nil
}

func (m *Manager) release(backendID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, backendID)
}

// connect resolves credentials, dials and opens tunnels.
func (m *Manager) connect(ctx context.Context, backendID string) (*liveConn, error) {
	backend, err := m.creds.GetBackend(backendID)
	if err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, &vdef.NotFoundError{Kind: "backend", ID: backendID}
	}
	kp, err := m.creds.GetKeyPair(backend.KeyPairID)
	if err != nil {
		return nil, err
	}
	if kp == nil {
		return nil, &vdef.NotFoundError{Kind: "key pair", ID: backend.KeyPairID}
	}

	t, err := m.dial(ctx, DialConfig{
		BackendID:  backendID,
		Host:       backend.Host,
		Port:       backend.Port,
		Username:   backend.Username,
		PrivateKey: kp.PrivateKey,
		Timeout:    m.cfg.ConnectionTimeout,
	})
	if err != nil {
		return nil, err
	}

	tunnels, err := openTunnels(ctx, backendID, t, backend.Tunnels)
	if err != nil {
		t.Close()
		return nil, err
	}
	return &liveConn{transport: t, tunnels: tunnels, stop: make(chan struct{})}, nil
}

// dial races the dialer against ConnectionTimeout. A transport that arrives
// after the deadline is closed.
func (m *Manager) dial(ctx context.Context, cfg DialConfig) (Transport, error) {
	dctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		t   Transport
		err error
	}
	ch := make(chan result, 1)
	go func() {
		t, err := m.dialer.Dial(dctx, cfg)
		ch <- result{t, err}
	}()

	timer := time.NewTimer(m.cfg.ConnectionTimeout)
	defer timer.Stop()

	abandon := func() {
		cancel()
		go func() {
			if r := <-ch; r.t != nil {
				r.t.Close()
			}
		}()
	}

	select {
	case r := <-ch:
		if r.err != nil {
			if r.t != nil {
				r.t.Close()
			}
			return nil, r.err
		}
		return r.t, nil
	case <-timer.C:
		abandon()
		return nil, &vdef.TimeoutError{BackendID: cfg.BackendID, After: m.cfg.ConnectionTimeout}
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}

// register publishes lc and starts its goroutines. The Ready transition runs
// after m.mu is released so observers may call back into the Manager.
func (m *Manager) register(backendID string, lc *liveConn) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		for _, tn := range lc.tunnels {
			tn.close()
		}
		lc.transport.Close()
		return ErrClosed
	}
	delete(m.pending, backendID)
	m.conns[backendID] = lc
	lc.wg.Add(len(lc.tunnels) + 1)
	m.mu.Unlock()

	// A Disconnect racing this call has already moved the machine to
	// Disconnected, and the Ready edge is then refused.
	lc.state.To(vdef.StateReady)

	logf := func(format string, args ...any) {
		m.cfg.Observer.Logf(backendID, format, args...)
	}
	for _, tn := range lc.tunnels {
		go tn.serve(&lc.wg, logf)
	}
	go m.watch(backendID, lc)
	return nil
}

// watch unregisters lc when its transport ends on its own.
func (m *Manager) watch(backendID string, lc *liveConn) {
	defer lc.wg.Done()
	select {
	case <-lc.stop:
		return
	case <-lc.transport.Done():
	}

	m.mu.Lock()
	if m.conns[backendID] == lc {
		delete(m.conns, backendID)
	}
	m.mu.Unlock()

	m.cfg.Observer.Logf(backendID, "transport closed by remote")
	lc.shutdown()
}

// Disconnect closes the transport and tunnels of backendID and waits for
// their goroutines. It is a no-op if the backend is not connected.
func (m *Manager) Disconnect(backendID string) error {
	m.mu.Lock()
	lc, ok := m.conns[backendID]
	delete(m.conns, backendID)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	err := lc.shutdown()
	lc.wg.Wait()
	if err != nil {
		return fmt.Errorf("disconnect %s: %w", backendID, err)
	}
	return nil
}

// DisconnectAll closes every connection. Close errors are ignored so one
// failure does not keep the rest open.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	all := m.conns
	m.conns = make(map[string]*liveConn)
	m.mu.Unlock()

	for _, lc := range all {
		lc.shutdown()
	}
	for _, lc := range all {
		lc.wg.Wait()
	}
}

// Close disconnects everything and stops the attempt limiter. Later Connect
// calls return ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.DisconnectAll()
	m.limiter.close()
	return nil
}

// Connections returns the ids of live connections, sorted.
func (m *Manager) Connections() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.conns))
}

// Listeners returns the local addresses bound for backendID.
func (m *Manager) Listeners(backendID string) []net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	lc, ok := m.conns[backendID]
	if !ok {
		return nil
	}
	addrs := make([]net.Addr, 0, len(lc.tunnels))
	for _, tn := range lc.tunnels {
		addrs = append(addrs, tn.addr())
	}
	return addrs
}
