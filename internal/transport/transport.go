// Package transport implements Manager, a keyed pool of SSH transports with
// jump-host chaining, liveness-checked reuse, and automatic reconnection.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
)

// Transport is one established SSH connection, possibly reached through a
// chain of jump hosts. DialContext opens a "direct-tcpip" channel through it.
type Transport struct {
	clients []*ssh.Client // clients[len-1] is the transport callers dial through; earlier entries are jump hops kept alive underneath it
	active  atomic.Bool
	done    chan struct{}
}

func newTransport(clients []*ssh.Client) *Transport {
	t := &Transport{clients: clients, done: make(chan struct{})}
	t.active.Store(true)
	go t.keepaliveLoop()
	return t
}

// keepaliveLoop periodically pings the transport; a failed ping marks it
// inactive so the pool's validate check replaces it on next use. This is
// the liveness check golang.org/x/crypto/ssh does not provide natively.
func (t *Transport) keepaliveLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if _, _, err := t.client().SendRequest("keepalive@openssh.com", true, nil); err != nil {
				t.active.Store(false)
				return
			}
		}
	}
}

func (t *Transport) client() *ssh.Client {
	return t.clients[len(t.clients)-1]
}

// IsActive reports whether the transport is still believed healthy.
func (t *Transport) IsActive() bool {
	return t.active.Load()
}

// DialContext opens a "direct-tcpip" channel to address through this
// transport.
//
// Canceling ctx closes the returned connection to promptly unblock callers
// waiting on reads/writes; it does not affect the shared transport itself.
func (t *Transport) DialContext(ctx context.Context, address string) (net.Conn, error) {
	conn, err := t.client().DialContext(ctx, "tcp", address)
	if err != nil {
		var openErr *ssh.OpenChannelError
		if !errors.As(err, &openErr) {
			// Transport-level failure, not just an unreachable destination.
			t.active.Store(false)
		}
		return nil, fmt.Errorf("transport: dial %s: %w", address, err)
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	return &channelConn{Conn: conn, stop: stop}, nil
}

// RequestPortForward asks the server to listen on (remoteHost, remotePort)
// and hands back a net.Listener yielding one net.Conn per forwarded
// connection.
func (t *Transport) RequestPortForward(remoteHost string, remotePort int) (net.Listener, error) {
	ln, err := t.client().Listen("tcp", fmt.Sprintf("%s:%d", remoteHost, remotePort))
	if err != nil {
		return nil, fmt.Errorf("transport: request remote forward %s:%d: %w", remoteHost, remotePort, err)
	}
	return ln, nil
}

// Close tears down the transport and every jump hop beneath it, innermost
// first.
func (t *Transport) Close() error {
	select {
	case <-t.done:
	default:
		close(t.done)
	}
	var err error
	for i := len(t.clients) - 1; i >= 0; i-- {
		if cerr := t.clients[i].Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// channelConn wraps a single SSH "direct-tcpip" channel connection so that
// canceling the context that produced it closes just that channel.
type channelConn struct {
	net.Conn
	stop func() bool
}

func (c *channelConn) Close() error {
	if c.stop != nil {
		c.stop()
	}
	return c.Conn.Close()
}
