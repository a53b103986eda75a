package forwarder

import (
	"context"
	"io"
	"net"
	"testing"
	"time"
)

// TestRelayBidirectional verifies bytes written into either side of a pair
// of connections a relay bridges arrive intact at the other, in both
// directions.
func TestRelayBidirectional(t *testing.T) {
	t.Parallel()

	aLeft, aRight := net.Pipe()   // stands in for the "from" stream
	bLeft, bRight := net.Pipe()   // stands in for the "to" stream
	defer aRight.Close()
	defer bRight.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- relay(ctx, aRight, bRight) }()

	// Client -> upstream.
	go func() { _, _ = aLeft.Write([]byte("ping")) }()
	buf := make([]byte, 4)
	if _, err := io.ReadFull(bLeft, buf); err != nil {
		t.Fatalf("read from upstream side: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("got %q, want %q", buf, "ping")
	}

	// Upstream -> client.
	go func() { _, _ = bLeft.Write([]byte("pong")) }()
	buf2 := make([]byte, 4)
	if _, err := io.ReadFull(aLeft, buf2); err != nil {
		t.Fatalf("read from client side: %v", err)
	}
	if string(buf2) != "pong" {
		t.Fatalf("got %q, want %q", buf2, "pong")
	}

	aLeft.Close()
	bLeft.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not exit after both sides closed")
	}
}

// TestRelayFullyClosesBothRealTCPConnsOnEOF verifies that when one side of a
// real *net.TCPConn pair reaches EOF, relay fully closes both streams rather
// than merely half-closing the write side of the peer: there is no
// half-close bookkeeping, both ends go down together.
func TestRelayFullyClosesBothRealTCPConnsOnEOF(t *testing.T) {
	t.Parallel()

	fromLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer fromLn.Close()
	toLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer toLn.Close()

	fromServerCh := make(chan net.Conn, 1)
	go func() {
		conn, err := fromLn.Accept()
		if err == nil {
			fromServerCh <- conn
		}
	}()
	toServerCh := make(chan net.Conn, 1)
	go func() {
		conn, err := toLn.Accept()
		if err == nil {
			toServerCh <- conn
		}
	}()

	fromClient, err := net.Dial("tcp", fromLn.Addr().String())
	if err != nil {
		t.Fatalf("dial from: %v", err)
	}
	defer fromClient.Close()
	toClient, err := net.Dial("tcp", toLn.Addr().String())
	if err != nil {
		t.Fatalf("dial to: %v", err)
	}
	defer toClient.Close()

	from := <-fromServerCh
	to := <-toServerCh
	defer from.Close()
	defer to.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- relay(ctx, from, to) }()

	// Closing the client side of "from" delivers EOF to the relay's "from"
	// reader without ever closing "to": if copyClose only half-closed its
	// peer on benign EOF, toClient would still be able to read further, and
	// a write from the "to" server side would still succeed.
	fromClient.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not exit after one side reached EOF")
	}

	toClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := toClient.Read(buf); err == nil {
		t.Fatal("expected toClient's connection to be fully closed, not just write-closed")
	}
}

// TestRelayContextCancelUnblocksBoth verifies canceling ctx closes both
// streams, unblocking any pending copy promptly.
func TestRelayContextCancelUnblocksBoth(t *testing.T) {
	t.Parallel()

	aLeft, aRight := net.Pipe()
	bLeft, bRight := net.Pipe()
	defer aLeft.Close()
	defer bLeft.Close()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- relay(ctx, aRight, bRight) }()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not exit after context cancellation")
	}
}
