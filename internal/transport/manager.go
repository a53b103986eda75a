package transport

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"sshfwd/internal/pool"
	"sshfwd/internal/resource"
	"sshfwd/internal/socket"
	"sshfwd/internal/sshconfig"
)

// retryInterval is how long create() waits between failed connection
// attempts for a given key before trying again.
const retryInterval = 5 * time.Second

// preferredHostKeyAlgos lists host key algorithms in the order a modern
// OpenSSH client prefers them.
var preferredHostKeyAlgos = []string{
	ssh.KeyAlgoED25519,
	ssh.KeyAlgoECDSA521,
	ssh.KeyAlgoECDSA384,
	ssh.KeyAlgoECDSA256,
	ssh.KeyAlgoRSASHA512,
	ssh.KeyAlgoRSASHA256,
}

// Manager is a keyed pool of SSH transports (see Transport), built lazily
// and reconnected on demand.
type Manager struct {
	sockets    resource.Agent[*socket.Manager]
	pool       *pool.Pool[sshconfig.SSHConfig, *Transport]
	dialTimeout time.Duration
	logger     *log.Logger
}

// New builds a transport Manager. If sockets is nil, the Manager
// constructs and owns its own socket.Manager (closed when Close is called);
// otherwise it borrows the one given and never closes it.
func New(sockets *socket.Manager, dialTimeout time.Duration, logger *log.Logger) *Manager {
	var agent resource.Agent[*socket.Manager]
	if sockets == nil {
		agent = resource.Owned(socket.New(net.KeepAliveConfig{Enable: true}))
	} else {
		agent = resource.Borrowed(sockets)
	}

	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}

	m := &Manager{sockets: agent, dialTimeout: dialTimeout, logger: logger}
	m.pool = pool.New(m.create, m.validate, m.closeOne, nil)
	return m
}

// Get returns the pooled transport for cfg, dialing (and chaining through
// any jump hosts) if needed.
func (m *Manager) Get(ctx context.Context, cfg sshconfig.SSHConfig) (*Transport, error) {
	return m.pool.Get(ctx, cfg)
}

// Close closes every pooled transport and, if this Manager constructed its
// own socket.Manager, that too.
func (m *Manager) Close() error {
	err := m.pool.Close()
	if cerr := m.sockets.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (m *Manager) validate(t *Transport) bool {
	return t.IsActive()
}

func (m *Manager) closeOne(t *Transport) error {
	return t.Close()
}

// create builds the full jump-host chain for cfg, retrying with a fixed
// delay until it succeeds or the pool is closed.
func (m *Manager) create(ctx context.Context, cfg sshconfig.SSHConfig) (*Transport, error) {
	chain := cfg.Chain()

	for attempt := 1; ; attempt++ {
		select {
		case <-m.pool.Exit():
			return nil, pool.ErrClosed
		default:
		}

		clients, err := m.dialChain(ctx, chain)
		if err == nil {
			return newTransport(clients), nil
		}

		m.logger.Printf("transport: connect %s failed (attempt %d): %v; retrying in %s", cfg.Addr(), attempt, err, retryInterval)

		select {
		case <-m.pool.Exit():
			return nil, pool.ErrClosed
		case <-time.After(retryInterval):
		}
	}
}

// dialChain dials each hop in order: the first hop over a fresh ephemeral
// TCP socket, every subsequent hop over a direct-tcpip channel opened on
// the previous hop's client. It returns every client in the chain so Close
// can tear them down innermost-first; on error it closes whatever was
// already opened.
func (m *Manager) dialChain(ctx context.Context, chain []sshconfig.SSHConfig) ([]*ssh.Client, error) {
	clients := make([]*ssh.Client, 0, len(chain))

	cleanup := func() {
		for i := len(clients) - 1; i >= 0; i-- {
			_ = clients[i].Close()
		}
	}

	var prev *ssh.Client
	for _, hop := range chain {
		var conn net.Conn
		var err error
		if prev == nil {
			conn, err = m.sockets.Value().GetEphemeral(ctx, hop.Addr())
		} else {
			conn, err = prev.Dial("tcp", hop.Addr())
		}
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("reach hop %s: %w", hop.Addr(), err)
		}

		client, err := m.handshake(ctx, conn, hop)
		if err != nil {
			cleanup()
			return nil, err
		}

		clients = append(clients, client)
		prev = client
	}

	return clients, nil
}

func (m *Manager) handshake(ctx context.Context, conn net.Conn, hop sshconfig.SSHConfig) (*ssh.Client, error) {
	auth, err := hop.AuthMethods(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	hostKeyCallback := hop.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // no callback was configured for this hop.
	}

	sshCfg := &ssh.ClientConfig{
		User:              hop.User,
		Auth:              auth,
		HostKeyCallback:   hostKeyCallback,
		HostKeyAlgorithms: preferredHostKeyAlgos,
		Timeout:           m.dialTimeout,
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	cc, chans, reqs, err := ssh.NewClientConn(conn, hop.Addr(), sshCfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake with %s: %w", hop.Addr(), err)
	}

	return ssh.NewClient(cc, chans, reqs), nil
}
