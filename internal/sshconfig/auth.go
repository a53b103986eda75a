package sshconfig

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// AgentAuthType is the special value recognized by a driver's --key flag
// to mean "use the SSH agent" instead of a key file path.
const AgentAuthType = "agent"

// AgentAvailable reports whether an SSH agent socket is configured.
func AgentAvailable() bool {
	return os.Getenv("SSH_AUTH_SOCK") != ""
}

// AgentSigners connects to the SSH agent named by SSH_AUTH_SOCK and returns
// all signers it offers. It is the agent-backed half of
// SSHConfig.AuthMethods: every hop in a jump chain with Agent set calls this
// independently, since each hop's ssh.ClientConfig is built fresh.
func AgentSigners(ctx context.Context) ([]ssh.Signer, error) {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil, errors.New("sshconfig: SSH_AUTH_SOCK not set")
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		return nil, fmt.Errorf("sshconfig: connecting to SSH agent: %w", err)
	}

	signers, err := agent.NewClient(conn).Signers()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sshconfig: getting signers from SSH agent: %w", err)
	}
	if len(signers) == 0 {
		_ = conn.Close()
		return nil, errors.New("sshconfig: no keys available in SSH agent")
	}
	return signers, nil
}

// LoadPrivateKey reads and parses an unencrypted OpenSSH private key file.
func LoadPrivateKey(path string) (ssh.Signer, error) {
	keyData, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration.
	if err != nil {
		return nil, fmt.Errorf("sshconfig: reading key file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("sshconfig: parsing key file: %w", err)
	}
	return signer, nil
}

// LoadSigners resolves a --key-style value into the Signers field of the
// SSHConfig a driver builds for its final destination:
//   - "": no key auth
//   - "agent": every signer offered by the SSH agent
//   - otherwise: the private key file at that path
//
// Jump hosts built from a chain of "user@host:port" specs don't go through
// this: they set SSHConfig.Agent directly (see AgentAvailable) and let
// AuthMethods resolve agent signers per-hop at dial time instead of
// resolving them once up front here.
func LoadSigners(ctx context.Context, keyPath string) ([]ssh.Signer, error) {
	switch keyPath {
	case "":
		return nil, nil
	case AgentAuthType:
		return AgentSigners(ctx)
	default:
		signer, err := LoadPrivateKey(keyPath)
		if err != nil {
			return nil, err
		}
		return []ssh.Signer{signer}, nil
	}
}
