package sshconn

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/kardianos/sshvault/vdef"
	"golang.org/x/sync/errgroup"
)

// tunnelBindAddr is the local address every tunnel listener binds to.
const tunnelBindAddr = "127.0.0.1"

// tunnel is one local listener whose clients are piped through forwarded
// channels of a transport.
type tunnel struct {
	cfg       vdef.TunnelConfig
	transport Transport
	ln        net.Listener

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	first  net.Conn // Channel opened during setup, handed to the first client.
	active map[net.Conn]struct{}
	closed bool
}

// openTunnel forwards a channel for cfg and binds its local listener.
func openTunnel(ctx context.Context, t Transport, cfg vdef.TunnelConfig) (*tunnel, error) {
	ch, err := t.ForwardOut(ctx, tunnelBindAddr, cfg.LocalPort, cfg.RemoteHostOrDefault(), cfg.RemotePort)
	if err != nil {
		return nil, err
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(tunnelBindAddr, strconv.Itoa(cfg.LocalPort)))
	if err != nil {
		ch.Close()
		return nil, err
	}

	tctx, cancel := context.WithCancel(context.Background())
	return &tunnel{
		cfg:       cfg,
		transport: t,
		ln:        ln,
		ctx:       tctx,
		cancel:    cancel,
		first:     ch,
		active:    make(map[net.Conn]struct{}),
	}, nil
}

// openTunnels sets up every tunnel concurrently. Either all tunnels are
// returned, or none remain open and a *vdef.TunnelError is returned.
func openTunnels(ctx context.Context, backendID string, t Transport, cfgs []vdef.TunnelConfig) ([]*tunnel, error) {
	tunnels := make([]*tunnel, len(cfgs))
	g, gctx := errgroup.WithContext(ctx)
	for i, cfg := range cfgs {
		g.Go(func() error {
			tn, err := openTunnel(gctx, t, cfg)
			if err != nil {
				return &vdef.TunnelError{
					BackendID:  backendID,
					LocalPort:  cfg.LocalPort,
					RemoteHost: cfg.RemoteHostOrDefault(),
					RemotePort: cfg.RemotePort,
					Err:        err,
				}
			}
			tunnels[i] = tn
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, tn := range tunnels {
			if tn != nil {
				tn.close()
			}
		}
		return nil, err
	}
	return tunnels, nil
}

// serve accepts local clients until the tunnel is closed.
func (tn *tunnel) serve(wg *sync.WaitGroup, logf func(format string, args ...any)) {
	defer wg.Done()
	for {
		client, err := tn.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logf("tunnel %s: accept: %v", tn.cfg, err)
			}
			return
		}
		if tc, ok := client.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}

		ch, err := tn.channel()
		if err != nil {
			logf("tunnel %s: forward: %v", tn.cfg, err)
			client.Close()
			continue
		}
		if !tn.track(client, ch) {
			client.Close()
			ch.Close()
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			pipe(client, ch)
			tn.untrack(client, ch)
		}()
	}
}

// channel returns the setup channel once, then opens a fresh one per client.
func (tn *tunnel) channel() (net.Conn, error) {
	tn.mu.Lock()
	ch := tn.first
	tn.first = nil
	tn.mu.Unlock()
	if ch != nil {
		return ch, nil
	}
	return tn.transport.ForwardOut(tn.ctx, tunnelBindAddr, tn.cfg.LocalPort, tn.cfg.RemoteHostOrDefault(), tn.cfg.RemotePort)
}

func (tn *tunnel) track(conns ...net.Conn) bool {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	if tn.closed {
		return false
	}
	for _, c := range conns {
		tn.active[c] = struct{}{}
	}
	return true
}

func (tn *tunnel) untrack(conns ...net.Conn) {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	for _, c := range conns {
		delete(tn.active, c)
	}
}

func (tn *tunnel) addr() net.Addr {
	return tn.ln.Addr()
}

// close stops the listener and every pipe. It is safe to call more than once.
func (tn *tunnel) close() error {
	tn.mu.Lock()
	if tn.closed {
		tn.mu.Unlock()
		return nil
	}
	tn.closed = true
	first := tn.first
	tn.first = nil
	active := tn.active
	tn.active = nil
	tn.mu.Unlock()

	tn.cancel()
	err := tn.ln.Close()
	if first != nil {
		first.Close()
	}
	for c := range active {
		c.Close()
	}
	return err
}

// pipe copies in both directions until either side ends, then closes both.
func pipe(a, b net.Conn) {
	var once sync.Once
	closeBoth := func() {
		a.Close()
		b.Close()
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(a, b)
		once.Do(closeBoth)
	}()
	go func() {
		defer wg.Done()
		io.Copy(b, a)
		once.Do(closeBoth)
	}()
	wg.Wait()
}
