// Package inspect implements a diagnostic, never-on-the-data-path formatter
// for bytes observed crossing a forwarder's relay worker. It is a debugging
// aid, not a protocol parser. No code in this module calls Describe; the
// relay worker does not invoke it.
package inspect

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Describe classifies b and returns a short human-readable description.
// Detection is best-effort and intentionally shallow -- this is a debug aid,
// not a protocol parser, and spec.md §4.7 documents one of its branches
// (the "SSH-" case below) as outright wrong; it is preserved as specified
// rather than fixed.
func Describe(b []byte) string {
	switch {
	case len(b) >= 3 && isTLSRecordType(b[0]):
		return describeTLS(b)
	case bytes.Contains(b, []byte("HTTP/")) || bytes.Contains(b, []byte("GET ")) || bytes.Contains(b, []byte("POST ")):
		return describeHTTP(b)
	case bytes.Contains(b, []byte("SSH-")):
		return describeSSHBanner(b)
	default:
		return describeGeneric(b)
	}
}

func isTLSRecordType(b byte) bool {
	switch b {
	case 0x14, 0x16, 0x17: // change_cipher_spec, handshake, application_data
		return true
	default:
		return false
	}
}

func describeTLS(b []byte) string {
	contentType := b[0]
	version := binary.BigEndian.Uint16(b[1:3])
	length := 0
	if len(b) >= 5 {
		length = int(binary.BigEndian.Uint16(b[3:5]))
	}
	return fmt.Sprintf("TLS record: content-type=0x%02x version=0x%04x length=%d", contentType, version, length)
}

func describeHTTP(b []byte) string {
	line := b
	if idx := bytes.Index(b, []byte("\r\n")); idx >= 0 {
		line = b[:idx]
	}
	lines := bytes.Count(b, []byte("\n")) + 1
	return fmt.Sprintf("HTTP: first line=%q lines=%d", string(line), lines)
}

// describeSSHBanner reproduces a documented bug: it treats the first 4
// bytes of the buffer as a big-endian length prefix before decoding an
// "identifier" string from the bytes that follow, the way the original
// implementation did. Real SSH version banners (RFC 4253 §4.2) are a
// CRLF-terminated ASCII line with no length prefix at all, so this branch
// routinely misreports the identifier length or panics-avoided-by-clamping
// on real traffic. It is kept exactly as specified, not corrected.
func describeSSHBanner(b []byte) string {
	if len(b) < 4 {
		return "SSH: banner too short to inspect"
	}
	length := int(binary.BigEndian.Uint32(b[:4]))
	rest := b[4:]
	if length < 0 || length > len(rest) {
		length = len(rest)
	}
	return fmt.Sprintf("SSH: identifier (misparsed, see known issue)=%q", string(rest[:length]))
}

func describeGeneric(b []byte) string {
	if utf8.Valid(b) {
		s := string(b)
		if len(s) > 80 {
			s = s[:80] + "..."
		}
		return fmt.Sprintf("text: %q", s)
	}

	if len(b) >= 4 && b[0] == 0 {
		length := binary.BigEndian.Uint32(b[:4])
		return fmt.Sprintf("binary: 4-byte length-prefixed, length=%d, total=%d bytes", length, len(b))
	}

	n := min(len(b), 16)
	return fmt.Sprintf("binary: %d bytes, hex=%s", len(b), strings.ToUpper(fmt.Sprintf("%x", b[:n])))
}
