// Package forwarder implements the accept-dial-relay loop shared by local,
// remote, and dynamic (SOCKS5) port forwarders, plus the bidirectional relay
// worker each accepted connection runs.
package forwarder
