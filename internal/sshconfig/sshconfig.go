// Package sshconfig defines the value types that identify and describe the
// resources the supervisor pools: SSH destinations, listening sockets, and
// forward specifications.
package sshconfig

import (
	"context"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// SSHConfig identifies an SSH destination, optionally reached through a
// chain of jump hosts.
//
// CacheKey deliberately only considers IP, User, and Port: two SSHConfig
// values that differ only in Signers, Password, or JumpServers collide on
// the same transport pool entry and share one underlying connection. This
// mirrors how an SSH client authenticates once per (host, user, port) and
// is a documented hazard, not a bug fix target: if two call sites build an
// SSHConfig for the same (ip, user, port) with different credentials or
// jump chains, whichever one wins the race decides how the shared transport
// authenticates.
type SSHConfig struct {
	IP      string
	User    string
	Port    int
	Signers []ssh.Signer
	Agent   bool
	// Password, if set, is offered after any public-key methods.
	Password string
	// JumpServers is the chain of hosts to hop through before IP, outermost
	// first (JumpServers[0] is dialed directly; IP is reached last).
	JumpServers []SSHConfig
	// HostKeyCallback verifies the server's host key at each hop. nil means
	// transport.Manager accepts any host key for this hop
	// (ssh.InsecureIgnoreHostKey).
	HostKeyCallback ssh.HostKeyCallback
}

// NewSSHConfig returns an SSHConfig with Port defaulted to 22.
func NewSSHConfig(ip, user string) SSHConfig {
	return SSHConfig{IP: ip, User: user, Port: 22}
}

// AuthMethods resolves c's own auth material into the ssh.AuthMethod list
// for this hop: public keys first (from Signers and, if Agent is set, every
// signer the running SSH agent currently offers), then a password as a
// last resort. Each hop in a jump chain calls this independently as
// transport.Manager dials it, so a chain may mix, say, key auth for the
// jump host with password auth for the final destination.
func (c SSHConfig) AuthMethods(ctx context.Context) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if len(c.Signers) > 0 {
		methods = append(methods, ssh.PublicKeys(c.Signers...))
	}
	if c.Agent {
		if signers, err := AgentSigners(ctx); err == nil {
			methods = append(methods, ssh.PublicKeys(signers...))
		}
	}
	if c.Password != "" {
		methods = append(methods, ssh.Password(c.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("sshconfig: no auth method configured for %s", c.Addr())
	}
	return methods, nil
}

// CacheKey implements pool.Keyer.
func (c SSHConfig) CacheKey() string {
	return fmt.Sprintf("%s|%s|%d", c.IP, c.User, c.Port)
}

// Addr returns the dialable host:port for this hop.
func (c SSHConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.IP, c.Port)
}

// Chain returns the full hop sequence to dial, outermost jump host first and
// c itself last.
func (c SSHConfig) Chain() []SSHConfig {
	return append(append([]SSHConfig{}, c.JumpServers...), c)
}

// SocketConfig identifies a listening socket to create or reuse.
//
// A nil *SocketConfig is the "no-key" sentinel for ephemeral, uncached
// sockets (see socket.Manager.GetEphemeral); CacheKey is never called on a
// nil receiver by the pool, since ephemeral lookups bypass the keyed map
// entirely.
type SocketConfig struct {
	BindAddress string
	BindPort    int
	Family      int
	SockType    int
	Proto       int
}

// CacheKey implements pool.Keyer via full structural equality: unlike
// SSHConfig, every field participates in identity, since there is no
// equivalent "intentionally coarse" reuse contract for listening sockets.
func (c *SocketConfig) CacheKey() string {
	return fmt.Sprintf("%s|%d|%d|%d|%d", c.BindAddress, c.BindPort, c.Family, c.SockType, c.Proto)
}

// Addr returns the dialable/bindable host:port for this socket.
func (c *SocketConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.BindPort)
}

// ForwardKind distinguishes the three forwarder shapes.
type ForwardKind int

const (
	// Local forwards connections accepted on a local socket to a
	// destination reached through the SSH transport.
	Local ForwardKind = iota
	// Remote asks the SSH server to forward connections back to a local
	// destination.
	Remote
	// Dynamic terminates a SOCKS5 handshake locally and forwards to
	// whatever destination the client requested, through the SSH
	// transport.
	Dynamic
)

func (k ForwardKind) String() string {
	switch k {
	case Local:
		return "local"
	case Remote:
		return "remote"
	case Dynamic:
		return "dynamic"
	default:
		return "unknown"
	}
}

// ForwardConfig fully describes one forwarder: its kind, the SSH destination
// (and jump chain) it runs over, and the local/remote endpoints it bridges.
type ForwardConfig struct {
	Kind ForwardKind
	SSH  SSHConfig

	LocalHost string
	LocalPort int

	// RemoteHost/RemotePort are unused for Dynamic forwards, where the
	// destination comes from the SOCKS5 handshake instead.
	RemoteHost string
	RemotePort int
}

// NewLocalForward builds a Local ForwardConfig: accept on
// (localHost, localPort), dial (remoteHost, remotePort) through ssh.
func NewLocalForward(ssh SSHConfig, localPort int, remoteHost string, remotePort int) ForwardConfig {
	return ForwardConfig{
		Kind: Local, SSH: ssh,
		LocalHost: "localhost", LocalPort: localPort,
		RemoteHost: remoteHost, RemotePort: remotePort,
	}
}

// NewRemoteForward builds a Remote ForwardConfig: ask ssh's server to listen
// on remotePort and forward accepted connections to (localHost, localPort).
func NewRemoteForward(ssh SSHConfig, remotePort int, localHost string, localPort int) ForwardConfig {
	return ForwardConfig{
		Kind: Remote, SSH: ssh,
		LocalHost: localHost, LocalPort: localPort,
		RemoteHost: "localhost", RemotePort: remotePort,
	}
}

// NewDynamicForward builds a Dynamic (SOCKS5) ForwardConfig: accept on
// (localHost, localPort), forward to whatever destination each connection's
// SOCKS5 handshake requests.
func NewDynamicForward(ssh SSHConfig, localPort int) ForwardConfig {
	return ForwardConfig{
		Kind: Dynamic, SSH: ssh,
		LocalHost: "localhost", LocalPort: localPort,
	}
}
