package forwarder

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"sshfwd/internal/socket"
	"sshfwd/internal/socks5"
	"sshfwd/internal/sshconfig"
	"sshfwd/internal/stream"
	"sshfwd/internal/transport"
)

// NewDynamic builds a Forwarder that accepts on (cfg.LocalHost,
// cfg.LocalPort), runs a SOCKS5 handshake on each connection, and opens a
// direct-tcpip channel through the transport for cfg.SSH to whatever
// destination the handshake parsed.
func NewDynamic(sockets *socket.Manager, transports *transport.Manager, cfg sshconfig.ForwardConfig, logger *log.Logger) *Forwarder {
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

	target := func(ctx context.Context, from stream.Stream) (stream.Stream, net.Addr, error) {
		// Handshake already wrote the fixed success reply before returning,
		// once the request parsed. If the destination below turns out to be
		// unreachable, the caller gets no further reply to send -- the
		// connection is simply closed, matching the handshake this is
		// modeled on.
		host, port, err := socks5.Handshake(ctx, from)
		if err != nil {
			return nil, nil, fmt.Errorf("socks5 handshake: %w", err)
		}

		t, err := transports.Get(ctx, cfg.SSH)
		if err != nil {
			return nil, nil, fmt.Errorf("get transport: %w", err)
		}

		dctx, cancel := context.WithTimeout(ctx, openTimeout)
		defer cancel()
		addr := net.JoinHostPort(host, fmt.Sprint(port))
		conn, err := t.DialContext(dctx, addr)
		if err != nil {
			return nil, nil, fmt.Errorf("open channel to %s: %w", addr, err)
		}

		return conn, conn.RemoteAddr(), nil
	}

	name := fmt.Sprintf("dynamic[%s:%d@%s]", cfg.LocalHost, cfg.LocalPort, cfg.SSH.Addr())
	return New(name, source, target, onFailed, logger)
}
