// Package stream defines the byte-stream capability that the relay worker
// and SOCKS5 handshake are written against, so they can operate identically
// over an OS socket or an SSH channel.
package stream

import (
	"net"

	"golang.org/x/crypto/ssh"
)

// Stream is the minimal capability a forwarder's source or target needs:
// read, write, close, and enough addressing information for logging.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// net.Conn already satisfies Stream; no adapter needed.
var _ Stream = (net.Conn)(nil)

// ChannelStream adapts an ssh.Channel -- which has no notion of local/remote
// address -- into a Stream, using the addresses captured when the channel
// was opened (an SSH direct-tcpip channel's endpoints are known from the
// open request, not from the channel itself).
type ChannelStream struct {
	ssh.Channel
	Local, Remote net.Addr
}

// LocalAddr returns the address captured at channel-open time.
func (c *ChannelStream) LocalAddr() net.Addr { return c.Local }

// RemoteAddr returns the address captured at channel-open time.
func (c *ChannelStream) RemoteAddr() net.Addr { return c.Remote }

var _ Stream = (*ChannelStream)(nil)

// Addr is a simple net.Addr for endpoints that don't come from a real
// socket (e.g. an SSH direct-tcpip destination named by host:port).
type Addr struct {
	Net  string
	Addr string
}

func (a Addr) Network() string { return a.Net }
func (a Addr) String() string  { return a.Addr }
