// Package socks5 implements the server side of a minimal SOCKS5 handshake
// (RFC 1928), no-auth only, for use by a dynamic forwarder.
//
// Three behaviors here are deliberately non-conformant and are preserved,
// not fixed, because callers depend on them as documented:
//   - the request's CMD byte is read and discarded, never checked against
//     CONNECT -- every request is treated as a connect request;
//   - the success reply always reports a fixed IPv4 BND.ADDR/BND.PORT of
//     0.0.0.0:0, regardless of the request's address family or the actual
//     bound address;
//   - the success reply is written unconditionally once the destination
//     parses, before the caller has even attempted to reach it -- there is
//     no failure reply if the destination later turns out to be
//     unreachable, matching the handshake this package is modeled on.
package socks5

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"sshfwd/internal/stream"
)

// ErrMalformed is returned when the client's greeting or request doesn't
// parse as SOCKS5.
var ErrMalformed = errors.New("socks5: malformed request")

const (
	version = 0x05

	repSuccess     = 0x00
	repAddrTypeErr = 0x08
)

// Handshake performs the server side of a SOCKS5 negotiation on conn: reads
// the method greeting (replying no-auth-required), reads a request, and
// writes the fixed success reply -- all eight steps of the handshake,
// including the reply, happen here; a caller that later fails to reach the
// parsed destination gets no further reply to work with, since one was
// already sent.
//
// On a malformed greeting or request, Handshake writes no reply (or, past
// the greeting, an empty/minimal one) and returns ErrMalformed.
func Handshake(ctx context.Context, conn stream.Stream) (host string, port int, err error) {
	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)

	ver, err := br.ReadByte()
	if err != nil || ver != version {
		return "", 0, ErrMalformed
	}

	nMethods, err := br.ReadByte()
	if err != nil {
		return "", 0, ErrMalformed
	}
	methods := make([]byte, int(nMethods))
	if _, err := io.ReadFull(br, methods); err != nil {
		return "", 0, ErrMalformed
	}

	if _, err := bw.Write([]byte{version, 0x00}); err != nil {
		return "", 0, fmt.Errorf("socks5: write greeting reply: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return "", 0, fmt.Errorf("socks5: flush greeting reply: %w", err)
	}

	hdr := make([]byte, 4)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return "", 0, ErrMalformed
	}
	if hdr[0] != version {
		return "", 0, ErrMalformed
	}
	// hdr[1] is CMD; intentionally unchecked -- every request is handled as
	// a connect request, whatever CMD the client actually sent.
	atyp := hdr[3]

	dstHost, err := readAddr(br, atyp)
	if err != nil {
		writeReply(bw, repAddrTypeErr)
		return "", 0, ErrMalformed
	}

	portBytes := make([]byte, 2)
	if _, err := io.ReadFull(br, portBytes); err != nil {
		return "", 0, ErrMalformed
	}
	dstPort := int(binary.BigEndian.Uint16(portBytes))

	// Step 7: the fixed success reply, written unconditionally now that the
	// request parsed -- not deferred until a destination dial is attempted.
	writeReply(bw, repSuccess)
	if err := bw.Flush(); err != nil {
		return "", 0, fmt.Errorf("socks5: write success reply: %w", err)
	}

	return dstHost, dstPort, nil
}

func writeReply(w *bufio.Writer, rep byte) {
	_, _ = w.Write([]byte{version, rep, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
}

// readAddr decodes the ATYP-tagged destination address. IPv4 and IPv6 are
// both decoded through net.IP.String, giving canonical dotted-quad and
// zero-compressed colon forms respectively.
func readAddr(r *bufio.Reader, atyp byte) (string, error) {
	switch atyp {
	case 0x01:
		b := make([]byte, 4)
		if _, err := io.ReadFull(r, b); err != nil {
			return "", err
		}
		return net.IP(b).String(), nil
	case 0x03:
		n, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		b := make([]byte, int(n))
		if _, err := io.ReadFull(r, b); err != nil {
			return "", err
		}
		return string(b), nil
	case 0x04:
		b := make([]byte, 16)
		if _, err := io.ReadFull(r, b); err != nil {
			return "", err
		}
		return net.IP(b).String(), nil
	default:
		return "", ErrMalformed
	}
}
