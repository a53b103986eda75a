// Package socket implements SocketManager, a pool of listening sockets
// keyed by bind address, plus ephemeral (uncached) client sockets.
package socket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"sshfwd/internal/pool"
	"sshfwd/internal/sshconfig"
)

// Manager pools listening sockets by sshconfig.SocketConfig and vends
// ephemeral (unpooled) outbound TCP sockets.
type Manager struct {
	keepAlive net.KeepAliveConfig
	pool      *pool.Pool[*sshconfig.SocketConfig, net.Listener]
}

// New builds a SocketManager. keepAlive is applied to every connection this
// manager accepts or dials.
func New(keepAlive net.KeepAliveConfig) *Manager {
	m := &Manager{keepAlive: keepAlive}
	m.pool = pool.New(m.create, m.validate, closeListener, nil)
	return m
}

// Get returns the pooled listener for cfg, binding it (with port hunting)
// if it doesn't already exist. A pooled listener that was closed elsewhere
// is not detected and is still returned.
func (m *Manager) Get(ctx context.Context, cfg *sshconfig.SocketConfig) (net.Listener, error) {
	return m.pool.Get(ctx, cfg)
}

// GetEphemeral dials a fresh, unpooled TCP client socket to addr with a 1s
// dial timeout (no read timeout is set on the connection), matching the supervisor's fixed contract for transport
// first-hop dials: family/type/proto are always the platform default and
// the result is never cached by key.
func (m *Manager) GetEphemeral(ctx context.Context, addr string) (net.Conn, error) {
	return m.pool.GetEphemeral(ctx, func(ctx context.Context) (net.Conn, error) {
		d := net.Dialer{Timeout: 1 * time.Second, KeepAliveConfig: m.keepAlive}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("socket: dial %s: %w", addr, err)
		}
		return conn, nil
	})
}

// Close closes every pooled listener. Outstanding ephemeral sockets are the
// caller's responsibility; the manager never tracked them.
func (m *Manager) Close() error {
	return m.pool.Close()
}

func (m *Manager) create(ctx context.Context, cfg *sshconfig.SocketConfig) (net.Listener, error) {
	port := cfg.BindPort
	for {
		select {
		case <-m.pool.Exit():
			return nil, pool.ErrClosed
		default:
		}

		addr := net.JoinHostPort(cfg.BindAddress, fmt.Sprint(port))
		lc := net.ListenConfig{}
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err == nil {
			return &KeepAliveListener{Listener: ln, KeepAliveConfig: m.keepAlive}, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("socket: listen %s: %w", addr, err)
		}
		port++
	}
}

func (m *Manager) validate(ln net.Listener) bool {
	// No OS-level liveness probe: a listener closed out-of-band by its
	// forwarder leaves a stale entry here that later Gets keep returning,
	// until the pool is closed. Callers are expected to own one forwarder
	// per socket key.
	return ln != nil
}

func closeListener(ln net.Listener) error {
	return ln.Close()
}

// KeepAliveListener wraps a net.Listener and applies KeepAliveConfig to any
// accepted *net.TCPConn.
type KeepAliveListener struct {
	net.Listener
	net.KeepAliveConfig
}

// Accept accepts the next connection and applies KeepAliveConfig if it's a
// *net.TCPConn.
func (l *KeepAliveListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(l.KeepAliveConfig)
	}
	return conn, nil
}

// SetDeadline forwards to the underlying listener if it supports deadlines
// (true for the *net.TCPListener this manager always creates), so a
// forwarder's accept loop can poll with a bounded timeout instead of
// blocking forever.
func (l *KeepAliveListener) SetDeadline(t time.Time) error {
	if d, ok := l.Listener.(interface{ SetDeadline(time.Time) error }); ok {
		return d.SetDeadline(t)
	}
	return nil
}
