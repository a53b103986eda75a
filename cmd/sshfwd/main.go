// Command sshfwd is a thin example driver wiring the supervisor's library
// packages together from OpenSSH-style flags: it is illustrative, not part
// of the core contract.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"golang.org/x/crypto/ssh"

	"sshfwd/internal/forwarder"
	"sshfwd/internal/forwardermgr"
	"sshfwd/internal/socket"
	"sshfwd/internal/sshconfig"
	"sshfwd/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	var (
		host    = pflag.StringP("host", "h", "", "SSH destination host (required)")
		user    = pflag.StringP("user", "u", "", "SSH username (required)")
		port    = pflag.Int("port", 22, "SSH destination port")
		key     = pflag.String("key", "", "Private key path, or \"agent\" to use SSH_AUTH_SOCK. Empty tries password auth.")
		pass    = pflag.String("password", "", "SSH password, offered after any key auth")
		jump    = pflag.StringArray("J", nil, "Jump host in user@host:port form, outermost first; may be repeated")
		known   = pflag.String("known-hosts", "", "known_hosts path for host key verification. Empty disables verification.")
		local   = pflag.StringArray("L", nil, "Local forward: [bind_port:]host:port")
		remote  = pflag.StringArray("R", nil, "Remote forward: [bind_port:]host:port")
		dynamic = pflag.IntSlice("D", nil, "Dynamic (SOCKS5) forward local port; may be repeated")
		verbose = pflag.BoolP("verbose", "v", false, "Log forwarder messages through the sshfwd-prefixed logger instead of the standard logger")
	)
	pflag.Parse()

	if *host == "" || *user == "" {
		return fmt.Errorf("--host and --user are required")
	}
	if len(*local) == 0 && len(*remote) == 0 && len(*dynamic) == 0 {
		return fmt.Errorf("no forwards configured (use at least one of -L, -R, -D)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.New(os.Stderr, "sshfwd: ", log.LstdFlags|log.Lmsgprefix)
	var verboseLogger *log.Logger
	if *verbose {
		verboseLogger = logger
	}

	hostKeyCallback, err := sshconfig.NewHostKeyCallback(*known, logger)
	if err != nil {
		return fmt.Errorf("host key callback: %w", err)
	}

	signers, err := sshconfig.LoadSigners(ctx, *key)
	if err != nil {
		return fmt.Errorf("loading signers: %w", err)
	}

	jumpChain, err := parseJumpChain(*jump, hostKeyCallback)
	if err != nil {
		return fmt.Errorf("parsing -J: %w", err)
	}

	sshCfg := sshconfig.SSHConfig{
		IP:              *host,
		User:            *user,
		Port:            *port,
		Signers:         signers,
		Agent:           *key == sshconfig.AgentAuthType,
		Password:        *pass,
		JumpServers:     jumpChain,
		HostKeyCallback: hostKeyCallback,
	}

	sockets := socket.New(net.KeepAliveConfig{Enable: true})
	defer sockets.Close()
	transports := transport.New(sockets, 10*time.Second, logger)
	defer transports.Close()

	mgr := forwardermgr.New()

	for _, spec := range *local {
		cfg, err := parseLocalSpec(sshCfg, spec)
		if err != nil {
			return fmt.Errorf("invalid -L %q: %w", spec, err)
		}
		f := forwarder.NewLocal(sockets, transports, cfg, verboseLogger)
		if err := mgr.Start(ctx, f); err != nil {
			return fmt.Errorf("starting local forward %q: %w", spec, err)
		}
		logger.Printf("local forward: %s:%d -> %s:%d", cfg.LocalHost, cfg.LocalPort, cfg.RemoteHost, cfg.RemotePort)
	}

	for _, spec := range *remote {
		cfg, err := parseRemoteSpec(sshCfg, spec)
		if err != nil {
			return fmt.Errorf("invalid -R %q: %w", spec, err)
		}
		f, err := forwarder.NewRemote(sockets, transports, cfg, verboseLogger)
		if err != nil {
			return fmt.Errorf("starting remote forward %q: %w", spec, err)
		}
		if err := mgr.Start(ctx, f); err != nil {
			return fmt.Errorf("starting remote forward %q: %w", spec, err)
		}
	}

	for _, localPort := range *dynamic {
		cfg := sshconfig.NewDynamicForward(sshCfg, localPort)
		f := forwarder.NewDynamic(sockets, transports, cfg, verboseLogger)
		if err := mgr.Start(ctx, f); err != nil {
			return fmt.Errorf("starting dynamic forward on port %d: %w", localPort, err)
		}
		logger.Printf("dynamic (SOCKS5) forward: %s:%d", cfg.LocalHost, cfg.LocalPort)
	}

	<-ctx.Done()
	logger.Printf("shutting down")

	if err := mgr.Close(); err != nil {
		return fmt.Errorf("closing forwarders: %w", err)
	}
	mgr.Wait()
	return nil
}

// parseJumpChain parses a sequence of "user@host:port" jump specs, outermost
// hop first, each verified with the same known_hosts callback as the final
// destination.
func parseJumpChain(specs []string, hostKeyCallback ssh.HostKeyCallback) ([]sshconfig.SSHConfig, error) {
	chain := make([]sshconfig.SSHConfig, 0, len(specs))
	for _, spec := range specs {
		userHost := strings.SplitN(spec, "@", 2)
		if len(userHost) != 2 {
			return nil, fmt.Errorf("expected user@host:port, got %q", spec)
		}
		host, portStr, err := net.SplitHostPort(userHost[1])
		if err != nil {
			return nil, fmt.Errorf("expected user@host:port, got %q: %w", spec, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid port in %q: %w", spec, err)
		}
		hop := sshconfig.NewSSHConfig(host, userHost[0])
		hop.Port = port
		hop.Agent = sshconfig.AgentAvailable()
		hop.HostKeyCallback = hostKeyCallback
		chain = append(chain, hop)
	}
	return chain, nil
}

// parseLocalSpec parses "[bind_port:]host:port" into a Local ForwardConfig.
func parseLocalSpec(sshCfg sshconfig.SSHConfig, spec string) (sshconfig.ForwardConfig, error) {
	bindPort, remoteHost, remotePort, err := splitForwardSpec(spec)
	if err != nil {
		return sshconfig.ForwardConfig{}, err
	}
	return sshconfig.NewLocalForward(sshCfg, bindPort, remoteHost, remotePort), nil
}

// parseRemoteSpec parses "[bind_port:]host:port" into a Remote ForwardConfig.
func parseRemoteSpec(sshCfg sshconfig.SSHConfig, spec string) (sshconfig.ForwardConfig, error) {
	bindPort, localHost, localPort, err := splitForwardSpec(spec)
	if err != nil {
		return sshconfig.ForwardConfig{}, err
	}
	return sshconfig.NewRemoteForward(sshCfg, bindPort, localHost, localPort), nil
}

// splitForwardSpec parses "[bind_port:]host:port", defaulting bindPort to 0
// (let the OS/server choose) when omitted.
func splitForwardSpec(spec string) (bindPort int, host string, port int, err error) {
	parts := strings.Split(spec, ":")
	switch len(parts) {
	case 2:
		host, portStr := parts[0], parts[1]
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return 0, "", 0, fmt.Errorf("invalid port: %w", err)
		}
		return 0, host, port, nil
	case 3:
		bindPort, err := strconv.Atoi(parts[0])
		if err != nil {
			return 0, "", 0, fmt.Errorf("invalid bind port: %w", err)
		}
		port, err := strconv.Atoi(parts[2])
		if err != nil {
			return 0, "", 0, fmt.Errorf("invalid port: %w", err)
		}
		return bindPort, parts[1], port, nil
	default:
		return 0, "", 0, fmt.Errorf("expected [bind_port:]host:port")
	}
}
