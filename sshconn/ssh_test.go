package sshconn

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/kardianos/sshvault/vdef"
	"golang.org/x/crypto/ssh"
)

// testSSHServer accepts public key logins for one key and serves direct-tcpip
// channels by dialing the requested address.
type testSSHServer struct {
	ln      net.Listener
	hostKey ssh.Signer
	wg      sync.WaitGroup

	mu    sync.Mutex
	conns []ssh.Conn
}

func newSigner(t *testing.T) (ssh.Signer, string) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	assertNoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	assertNoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	assertNoError(t, err)
	return signer, string(pem.EncodeToMemory(block))
}

func startSSHServer(t *testing.T, authorized ssh.PublicKey) *testSSHServer {
	t.Helper()
	hostKey, _ := newSigner(t)
	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if string(key.Marshal()) == string(authorized.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unauthorized")
		},
	}
	cfg.AddHostKey(hostKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assertNoError(t, err)
	s := &testSSHServer{ln: ln, hostKey: hostKey}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serve(c, cfg)
			}()
		}
	}()
	return s
}

func (s *testSSHServer) serve(c net.Conn, cfg *ssh.ServerConfig) {
	sc, chans, reqs, err := ssh.NewServerConn(c, cfg)
	if err != nil {
		c.Close()
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, sc)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for r := range reqs {
			if r.WantReply {
				r.Reply(false, nil)
			}
		}
	}()

	for nc := range chans {
		if nc.ChannelType() != "direct-tcpip" {
			nc.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		var req struct {
			Host     string
			Port     uint32
			OrigHost string
			OrigPort uint32
		}
		if err := ssh.Unmarshal(nc.ExtraData(), &req); err != nil {
			nc.Reject(ssh.ConnectionFailed, err.Error())
			continue
		}
		target, err := net.Dial("tcp", net.JoinHostPort(req.Host, strconv.Itoa(int(req.Port))))
		if err != nil {
			nc.Reject(ssh.ConnectionFailed, err.Error())
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err != nil {
			target.Close()
			continue
		}
		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			ssh.DiscardRequests(chReqs)
		}()
		go func() {
			defer s.wg.Done()
			done := make(chan struct{}, 2)
			go func() { io.Copy(ch, target); done <- struct{}{} }()
			go func() { io.Copy(target, ch); done <- struct{}{} }()
			<-done
			ch.Close()
			target.Close()
			<-done
		}()
	}
}

// dropClients closes every server-side connection.
func (s *testSSHServer) dropClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
}

func (s *testSSHServer) close() {
	s.ln.Close()
	s.dropClients()
	s.wg.Wait()
}

func (s *testSSHServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func startEchoServer(t *testing.T) (net.Listener, *sync.WaitGroup) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assertNoError(t, err)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				io.Copy(c, c)
				c.Close()
			}()
		}
	}()
	return ln, &wg
}

func TestSSHDialerForward(t *testing.T) {
	echo, echoWG := startEchoServer(t)
	defer echoWG.Wait()
	defer echo.Close()
	clientKey, clientPEM := newSigner(t)
	srv := startSSHServer(t, clientKey.PublicKey())
	defer srv.close()

	d := &SSHDialer{HostKeyCallback: ssh.FixedHostKey(srv.hostKey.PublicKey())}
	tr, err := d.Dial(context.Background(), DialConfig{
		BackendID:  "local",
		Host:       "127.0.0.1",
		Port:       srv.port(),
		Username:   "deploy",
		PrivateKey: clientPEM,
		Timeout:    5 * time.Second,
	})
	assertNoError(t, err)

	echoPort := echo.Addr().(*net.TCPAddr).Port
	ch, err := tr.ForwardOut(context.Background(), tunnelBindAddr, 10000, "127.0.0.1", echoPort)
	assertNoError(t, err)
	_, err = ch.Write([]byte("ping"))
	assertNoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(ch, buf)
	assertNoError(t, err)
	assertEqual(t, "ping", string(buf))
	ch.Close()

	// The server ending the session closes Done.
	srv.dropClients()
	select {
	case <-tr.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done not closed after server dropped the connection")
	}
	tr.Close()
}

func TestSSHDialerManagerTunnel(t *testing.T) {
	echo, echoWG := startEchoServer(t)
	defer echoWG.Wait()
	defer echo.Close()
	clientKey, clientPEM := newSigner(t)
	srv := startSSHServer(t, clientKey.PublicKey())
	defer srv.close()

	creds := testCreds()
	creds.AddKeyPair(vdef.KeyPair{ID: "key", PrivateKey: clientPEM})
	local := freePort(t)
	creds.AddBackend(vdef.Backend{
		ID: "ssh", Name: "ssh", Host: "127.0.0.1", Port: srv.port(), Username: "deploy", KeyPairID: "key",
		Tunnels: []vdef.TunnelConfig{{LocalPort: local, RemotePort: echo.Addr().(*net.TCPAddr).Port}},
	})

	m := newManager(t, creds, &SSHDialer{HostKeyCallback: ssh.FixedHostKey(srv.hostKey.PublicKey())}, Config{ConnectionTimeout: 5 * time.Second})
	_, err := m.Connect(context.Background(), "ssh")
	assertNoError(t, err)

	c, err := net.Dial("tcp", net.JoinHostPort(tunnelBindAddr, strconv.Itoa(local)))
	assertNoError(t, err)
	_, err = c.Write([]byte("through the tunnel"))
	assertNoError(t, err)
	buf := make([]byte, len("through the tunnel"))
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(c, buf)
	assertNoError(t, err)
	assertEqual(t, "through the tunnel", string(buf))
	c.Close()

	assertNoError(t, m.Close())
}

func TestSSHDialerEncryptedKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	assertNoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	assertNoError(t, err)
	block, err := ssh.MarshalPrivateKeyWithPassphrase(priv, "", []byte("key secret"))
	assertNoError(t, err)
	encrypted := string(pem.EncodeToMemory(block))

	srv := startSSHServer(t, signer.PublicKey())
	defer srv.close()
	hostKeys := ssh.FixedHostKey(srv.hostKey.PublicKey())
	cfg := DialConfig{BackendID: "b", Host: "127.0.0.1", Port: srv.port(), Username: "deploy", PrivateKey: encrypted, Timeout: 5 * time.Second}
	ctx := context.Background()

	_, err = (&SSHDialer{HostKeyCallback: hostKeys}).Dial(ctx, cfg)
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		t.Fatalf("expected PassphraseMissingError, got %v", err)
	}

	_, err = (&SSHDialer{HostKeyCallback: hostKeys, Passphrase: []byte("wrong")}).Dial(ctx, cfg)
	if err == nil {
		t.Fatal("expected wrong passphrase to fail")
	}

	d := &SSHDialer{HostKeyCallback: hostKeys, Passphrase: []byte("key secret")}
	tr, err := d.Dial(ctx, cfg)
	assertNoError(t, err)
	assertNoError(t, tr.Close())

	// Unencrypted keys still work when a passphrase is configured.
	plainKey, plainPEM := newSigner(t)
	srv2 := startSSHServer(t, plainKey.PublicKey())
	defer srv2.close()
	plain := DialConfig{BackendID: "b", Host: "127.0.0.1", Port: srv2.port(), Username: "deploy", PrivateKey: plainPEM, Timeout: 5 * time.Second}
	tr, err = (&SSHDialer{HostKeyCallback: ssh.FixedHostKey(srv2.hostKey.PublicKey()), Passphrase: []byte("key secret")}).Dial(ctx, plain)
	assertNoError(t, err)
	assertNoError(t, tr.Close())
}

func TestSSHDialerRejects(t *testing.T) {
	clientKey, clientPEM := newSigner(t)
	srv := startSSHServer(t, clientKey.PublicKey())
	defer srv.close()
	otherHost, _ := newSigner(t)
	_, strangerPEM := newSigner(t)

	cfg := DialConfig{BackendID: "b", Host: "127.0.0.1", Port: srv.port(), Username: "deploy", PrivateKey: clientPEM, Timeout: 5 * time.Second}
	ctx := context.Background()

	_, err := (&SSHDialer{}).Dial(ctx, cfg)
	if err == nil {
		t.Fatal("expected error without HostKeyCallback")
	}

	_, err = (&SSHDialer{HostKeyCallback: ssh.FixedHostKey(otherHost.PublicKey())}).Dial(ctx, cfg)
	if err == nil {
		t.Fatal("expected host key mismatch")
	}

	bad := cfg
	bad.PrivateKey = strangerPEM
	_, err = (&SSHDialer{HostKeyCallback: ssh.FixedHostKey(srv.hostKey.PublicKey())}).Dial(ctx, bad)
	if err == nil {
		t.Fatal("expected authentication failure")
	}

	bad.PrivateKey = "not a key"
	_, err = (&SSHDialer{HostKeyCallback: ssh.InsecureIgnoreHostKey()}).Dial(ctx, bad)
	if err == nil {
		t.Fatal("expected key parse error")
	}
}
