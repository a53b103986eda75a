package forwarder

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"sshfwd/internal/socket"
	"sshfwd/internal/sshconfig"
	"sshfwd/internal/stream"
	"sshfwd/internal/transport"
)

// NewRemote builds a Forwarder that asks the SSH server for cfg.SSH to
// listen on (cfg.RemoteHost, cfg.RemotePort) and, for each connection
// arriving there, dials (cfg.LocalHost, cfg.LocalPort) locally.
//
// If the server refuses the requested port (e.g. already in use), it retries
// once with port 0 to let the server choose one, and logs the effective
// port -- per spec.md §4.4.2.
func NewRemote(sockets *socket.Manager, transports *transport.Manager, cfg sshconfig.ForwardConfig, logger *log.Logger) (*Forwarder, error) {
	if logger == nil {
		logger = log.Default()
	}

	t, err := transports.Get(context.Background(), cfg.SSH)
	if err != nil {
		return nil, fmt.Errorf("remote forward: get transport: %w", err)
	}

	ln, effectivePort, err := requestPortForward(t, cfg.RemoteHost, cfg.RemotePort)
	if err != nil {
		return nil, fmt.Errorf("remote forward: request port forward: %w", err)
	}
	logger.Printf("remote forward: listening on %s:%d via %s", cfg.RemoteHost, effectivePort, cfg.SSH.Addr())

	onFailed := func() {
		go func() { _, _ = transports.Get(context.Background(), cfg.SSH) }()
	}

	source := func(ctx context.Context) (stream.Stream, net.Addr, error) {
		type deadliner interface{ SetDeadline(time.Time) error }
		if dl, ok := ln.(deadliner); ok {
			_ = dl.SetDeadline(time.Now().Add(acceptTimeout))
		}
		conn, err := ln.Accept()
		if err != nil {
			return nil, nil, err
		}
		return conn, conn.RemoteAddr(), nil
	}

	target := func(ctx context.Context, _ stream.Stream) (stream.Stream, net.Addr, error) {
		addr := net.JoinHostPort(cfg.LocalHost, fmt.Sprint(cfg.LocalPort))
		conn, err := sockets.GetEphemeral(ctx, addr)
		if err != nil {
			return nil, nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return conn, conn.RemoteAddr(), nil
	}

	name := fmt.Sprintf("remote[%s:%d->%s:%d@%s]", cfg.RemoteHost, effectivePort, cfg.LocalHost, cfg.LocalPort, cfg.SSH.Addr())
	return NewWithCloser(name, source, target, onFailed, ln.Close, logger), nil
}

// requestPortForward asks t to listen on (host, port), retrying with port 0
// (any available port) if the server refuses the requested one.
func requestPortForward(t *transport.Transport, host string, port int) (net.Listener, int, error) {
	ln, err := t.RequestPortForward(host, port)
	if err == nil {
		return ln, listenerPort(ln), nil
	}
	if port == 0 {
		return nil, 0, err
	}

	ln, err = t.RequestPortForward(host, 0)
	if err != nil {
		return nil, 0, err
	}
	return ln, listenerPort(ln), nil
}

func listenerPort(ln net.Listener) int {
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		return tcpAddr.Port
	}
	return 0
}
