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

// acceptTimeout bounds how long a single Source poll blocks, so an exit
// signal is honored promptly. This is the Go rendering of spec.md's "1s
// poll" -- a deadline on the blocking call rather than a spin loop.
const acceptTimeout = 1 * time.Second

// openTimeout bounds how long opening the egress direct-tcpip channel may
// take before a LocalForwarder or DynamicForwarder gives up on a connection.
const openTimeout = 5 * time.Second

// deadlineListener is implemented by listeners (real or wrapped) that
// support a bounded Accept via SetDeadline.
type deadlineListener interface {
	net.Listener
	SetDeadline(time.Time) error
}

// NewLocal builds a Forwarder that accepts on (cfg.LocalHost, cfg.LocalPort)
// and, for each connection, opens a direct-tcpip channel through the
// transport for cfg.SSH to (cfg.RemoteHost, cfg.RemotePort).
func NewLocal(sockets *socket.Manager, transports *transport.Manager, cfg sshconfig.ForwardConfig, logger *log.Logger) *Forwarder {
	socketCfg := &sshconfig.SocketConfig{
		BindAddress: cfg.LocalHost,
		BindPort:    cfg.LocalPort,
	}

	onFailed := func() {
		go func() { _, _ = transports.Get(context.Background(), cfg.SSH) }()
	}

	source := func(ctx context.Context) (stream.Stream, net.Addr, error) {
		ln, err := sockets.Get(ctx, socketCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("get listener: %w", err)
		}
		if dl, ok := ln.(deadlineListener); ok {
			_ = dl.SetDeadline(time.Now().Add(acceptTimeout))
		}
		conn, err := ln.Accept()
		if err != nil {
			return nil, nil, err
		}
		return conn, conn.RemoteAddr(), nil
	}

	target := func(ctx context.Context, _ stream.Stream) (stream.Stream, net.Addr, error) {
		t, err := transports.Get(ctx, cfg.SSH)
		if err != nil {
			return nil, nil, fmt.Errorf("get transport: %w", err)
		}
		dctx, cancel := context.WithTimeout(ctx, openTimeout)
		defer cancel()
		addr := fmt.Sprintf("%s:%d", cfg.RemoteHost, cfg.RemotePort)
		conn, err := t.DialContext(dctx, addr)
		if err != nil {
			return nil, nil, fmt.Errorf("open channel to %s: %w", addr, err)
		}
		return conn, conn.RemoteAddr(), nil
	}

	name := fmt.Sprintf("local[%s:%d->%s:%d@%s]", cfg.LocalHost, cfg.LocalPort, cfg.RemoteHost, cfg.RemotePort, cfg.SSH.Addr())
	return New(name, source, target, onFailed, logger)
}
