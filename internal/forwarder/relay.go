package forwarder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/sync/errgroup"

	"sshfwd/internal/stream"
)

// relay proxies bytes between from and to until one side returns an error
// or ctx is canceled, then closes both. It is adapted from the teacher's
// bidirectional-copy helper to operate on the stream.Stream capability
// instead of net.Conn, so it runs identically over a TCP socket or an SSH
// channel.
//
// It intentionally sets no read/write deadlines so io.Copy can use its
// zero-copy fast path when both ends are *net.TCPConn; the 1s "poll" spec.md
// describes for honoring an exit signal is instead rendered as ctx
// cancellation closing both streams, which unblocks any pending Read/Write
// immediately.
func relay(ctx context.Context, from, to stream.Stream) error {
	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() {
		_ = from.Close()
		_ = to.Close()
	})
	defer stop()

	g.Go(func() error {
		return copyClose(to, from)
	})
	g.Go(func() error {
		return copyClose(from, to)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	return nil
}

// copyClose copies src into dst 4096 bytes at a time, then closes both dst
// and src once src reaches EOF or the copy otherwise ends. There is no
// half-close bookkeeping: both streams always go down together, regardless
// of which direction hit EOF first, so the peer goroutine's blocked copy
// unblocks immediately instead of waiting for its own side to also error.
func copyClose(dst, src stream.Stream) error {
	buf := make([]byte, 4096)
	_, err := io.CopyBuffer(dst, src, buf)
	if err != nil && errors.Is(err, net.ErrClosed) {
		// Both directions close their peers on exit; a close racing the
		// other direction's copy is expected, not a real failure.
		err = nil
	}

	_ = dst.Close()
	_ = src.Close()
	return err
}
