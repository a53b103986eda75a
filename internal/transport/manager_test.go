package transport

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	sshserver "sshfwd/internal/ssh"
	"sshfwd/internal/sshconfig"
)

func mustGenerateKey(t *testing.T) ssh.Signer {
	t.Helper()
	signer, err := sshserver.GenerateHostKey()
	if err != nil {
		t.Fatalf("GenerateHostKey: %v", err)
	}
	return signer
}

func startTestServer(t *testing.T, clientKey ssh.Signer) *sshserver.Server {
	t.Helper()
	hostKey := mustGenerateKey(t)
	srv, err := sshserver.NewServer("127.0.0.1:0", sshserver.ServerConfig{
		HostKeys: []ssh.Signer{hostKey},
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			return &ssh.Permissions{}, nil
		},
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = srv.Close()
	})
	return srv
}

func sshConfigFor(t *testing.T, srv *sshserver.Server, clientKey ssh.Signer) sshconfig.SSHConfig {
	t.Helper()
	host, portStr, err := net.SplitHostPort(srv.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	cfg := sshconfig.NewSSHConfig(host, "test")
	cfg.Port = port
	cfg.Signers = []ssh.Signer{clientKey}
	cfg.HostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // test-only.
	return cfg
}

// TestGetDialsAndReusesTransport verifies a Get for a given SSHConfig
// establishes a real transport, and a second Get for the same key reuses it
// without dialing again.
func TestGetDialsAndReusesTransport(t *testing.T) {
	t.Parallel()

	clientKey := mustGenerateKey(t)
	srv := startTestServer(t, clientKey)
	cfg := sshConfigFor(t, srv, clientKey)

	m := New(nil, 2*time.Second, nil)
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := m.Get(ctx, cfg)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !first.IsActive() {
		t.Fatal("freshly dialed transport reports inactive")
	}

	second, err := m.Get(ctx, cfg)
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if first != second {
		t.Fatal("second Get for the same SSHConfig dialed a new transport instead of reusing one")
	}
}

// TestGetRedialsAfterTransportGoesInactive verifies that once a transport's
// keepalive marks it inactive, the next Get for that key produces a fresh,
// active transport rather than handing back the dead one.
func TestGetRedialsAfterTransportGoesInactive(t *testing.T) {
	t.Parallel()

	clientKey := mustGenerateKey(t)
	srv := startTestServer(t, clientKey)
	cfg := sshConfigFor(t, srv, clientKey)

	m := New(nil, 2*time.Second, nil)
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := m.Get(ctx, cfg)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	// Force the transport inactive the same way a failed keepalive would,
	// without waiting out the real 30s ticker.
	first.active.Store(false)

	second, err := m.Get(ctx, cfg)
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if second == first {
		t.Fatal("Get returned the inactive transport instead of redialing")
	}
	if !second.IsActive() {
		t.Fatal("redialed transport reports inactive")
	}
}

// TestGetDialsThroughJumpHostChain verifies that an SSHConfig with a
// non-empty JumpServers chain is reached hop-by-hop: the first hop over a
// fresh ephemeral TCP socket, the target over a direct-tcpip channel opened
// on the jump host's own client, and that the resulting transport's
// DialContext reaches a service only the target server can see.
func TestGetDialsThroughJumpHostChain(t *testing.T) {
	t.Parallel()

	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer upstream.Close()
	go func() {
		conn, err := upstream.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		_, _ = conn.Write(buf)
	}()

	jumpKey := mustGenerateKey(t)
	jumpSrv := startTestServer(t, jumpKey)
	jumpCfg := sshConfigFor(t, jumpSrv, jumpKey)

	targetKey := mustGenerateKey(t)
	targetSrv := startTestServer(t, targetKey)
	targetCfg := sshConfigFor(t, targetSrv, targetKey)
	targetCfg.JumpServers = []sshconfig.SSHConfig{jumpCfg}

	m := New(nil, 2*time.Second, nil)
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr, err := m.Get(ctx, targetCfg)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !tr.IsActive() {
		t.Fatal("transport dialed through a jump chain reports inactive")
	}

	conn, err := tr.DialContext(ctx, upstream.Addr().String())
	if err != nil {
		t.Fatalf("DialContext through jump chain: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("got %q, want %q", buf, "ping")
	}
}

// TestDialContextReachesUpstreamThroughDirectTCPIP verifies a transport's
// DialContext opens a working direct-tcpip channel to a real upstream
// service through the test SSH server.
func TestDialContextReachesUpstreamThroughDirectTCPIP(t *testing.T) {
	t.Parallel()

	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer upstream.Close()
	go func() {
		conn, err := upstream.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		_, _ = conn.Write(buf)
	}()

	clientKey := mustGenerateKey(t)
	srv := startTestServer(t, clientKey)
	cfg := sshConfigFor(t, srv, clientKey)

	m := New(nil, 2*time.Second, nil)
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr, err := m.Get(ctx, cfg)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	conn, err := tr.DialContext(ctx, upstream.Addr().String())
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("got %q, want %q", buf, "ping")
	}
}
