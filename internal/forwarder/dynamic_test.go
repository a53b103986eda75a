package forwarder

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"sshfwd/internal/socket"
	sshserver "sshfwd/internal/ssh"
	"sshfwd/internal/sshconfig"
	"sshfwd/internal/transport"
)

// TestDynamicForwarderEndToEnd verifies a DynamicForwarder performs the
// SOCKS5 handshake on an accepted connection and relays to the destination
// the handshake requested, reached through the SSH transport.
func TestDynamicForwarderEndToEnd(t *testing.T) {
	t.Parallel()

	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen upstream: %v", err)
	}
	defer upstream.Close()
	go func() {
		conn, err := upstream.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn) //nolint:errcheck // best-effort echo for the test.
	}()

	hostKey, err := sshserver.GenerateHostKey()
	if err != nil {
		t.Fatalf("GenerateHostKey: %v", err)
	}
	clientKey, err := sshserver.GenerateHostKey()
	if err != nil {
		t.Fatalf("GenerateHostKey: %v", err)
	}

	srv, err := sshserver.NewServer("127.0.0.1:0", sshserver.ServerConfig{
		HostKeys: []ssh.Signer{hostKey},
		PublicKeyCallback: func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error) {
			return &ssh.Permissions{}, nil
		},
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()
	defer srv.Close()

	host, portStr, _ := net.SplitHostPort(srv.Addr().String())
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse server port: %v", err)
	}

	sshCfg := sshconfig.NewSSHConfig(host, "test")
	sshCfg.Port = port
	sshCfg.Signers = []ssh.Signer{clientKey}
	sshCfg.HostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // test-only.

	sockets := socket.New(net.KeepAliveConfig{})
	defer sockets.Close()
	transports := transport.New(sockets, 2*time.Second, nil)
	defer transports.Close()

	cfg := sshconfig.NewDynamicForward(sshCfg, 0)
	f := NewDynamic(sockets, transports, cfg, nil)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	go func() { _ = f.Run(runCtx) }()
	defer f.Close()

	socketCfg := &sshconfig.SocketConfig{BindAddress: cfg.LocalHost, BindPort: cfg.LocalPort}
	ln, err := sockets.Get(context.Background(), socketCfg)
	if err != nil {
		t.Fatalf("get listener: %v", err)
	}
	localAddr := ln.Addr().String()

	var conn net.Conn
	for attempt := 0; attempt < 20; attempt++ {
		conn, err = net.DialTimeout("tcp", localAddr, 200*time.Millisecond)
		if err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial dynamic forward: %v", err)
	}
	defer conn.Close()

	upstreamHost, upstreamPortStr, _ := net.SplitHostPort(upstream.Addr().String())
	upstreamPort, err := strconv.Atoi(upstreamPortStr)
	if err != nil {
		t.Fatalf("parse upstream port: %v", err)
	}

	socksConnect(t, conn, upstreamHost, upstreamPort)

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("got %q, want %q", buf, "ping")
	}
}

// socksConnect drives the client side of a no-auth SOCKS5 CONNECT request
// for (host, port) over conn and asserts the server's reply reports success.
func socksConnect(t *testing.T, conn net.Conn, host string, port int) {
	t.Helper()

	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	greetingReply := make([]byte, 2)
	if _, err := io.ReadFull(conn, greetingReply); err != nil {
		t.Fatalf("read greeting reply: %v", err)
	}
	if greetingReply[0] != 0x05 || greetingReply[1] != 0x00 {
		t.Fatalf("greeting reply = %v, want no-auth", greetingReply)
	}

	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len(host))}
	req = append(req, []byte(host)...)
	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, uint16(port))
	req = append(req, portBytes...)
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read connect reply: %v", err)
	}
	if reply[1] != 0x00 {
		t.Fatalf("connect reply REP = 0x%02x, want success", reply[1])
	}
}
