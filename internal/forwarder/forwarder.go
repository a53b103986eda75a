package forwarder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"

	"golang.org/x/sync/semaphore"

	"sshfwd/internal/stream"
)

// maxRelayWorkers bounds the number of concurrent per-connection relay
// goroutines a single forwarder will run; the 4097th accepted connection
// blocks in Acquire until an earlier one finishes, which is the Go
// rendering of spec.md §5's "accepts back up and TCP-level backpressure
// takes over."
const maxRelayWorkers = 4096

// ErrClosed is returned by Run once the forwarder has been closed.
var ErrClosed = errors.New("forwarder: closed")

// Source blocks until an ingress connection is available. A nil stream with
// a nil error is a benign poll timeout: the caller should continue its
// loop without logging anything.
type Source func(ctx context.Context) (stream.Stream, net.Addr, error)

// Target establishes the egress connection matching an already-accepted
// ingress stream.
type Target func(ctx context.Context, from stream.Stream) (stream.Stream, net.Addr, error)

// Forwarder drives one accept -> dial -> relay loop. Local, Remote, and
// Dynamic forwarders are each just a different (Source, Target) pair over
// this shared driver, per spec.md §9's "variant-based forwarder kinds"
// re-architecture note.
type Forwarder struct {
	name   string
	source Source
	target Target
	// onForwardFailed runs after an error in Run's main loop (typically a
	// Target failure); Local/Remote/Dynamic forwarders use it to trigger
	// transport revalidation.
	onForwardFailed func()

	relayWorkers *semaphore.Weighted
	exit         chan struct{}
	logger       *log.Logger

	// onClose, if set, runs once when Close is called -- e.g. to close a
	// remote forward's listener so a Source call blocked in Accept wakes
	// up immediately instead of waiting out the underlying library's lack
	// of a deadline.
	onClose func() error
}

// New builds a Forwarder. name identifies it in log output; logger may be
// nil, in which case log.Default() is used.
func New(name string, source Source, target Target, onForwardFailed func(), logger *log.Logger) *Forwarder {
	return NewWithCloser(name, source, target, onForwardFailed, nil, logger)
}

// NewWithCloser is New plus an onClose hook run once when Close is called.
func NewWithCloser(name string, source Source, target Target, onForwardFailed func(), onClose func() error, logger *log.Logger) *Forwarder {
	if logger == nil {
		logger = log.Default()
	}
	return &Forwarder{
		name:            name,
		source:          source,
		target:          target,
		onForwardFailed: onForwardFailed,
		relayWorkers:    semaphore.NewWeighted(maxRelayWorkers),
		exit:            make(chan struct{}),
		logger:          logger,
		onClose:         onClose,
	}
}

// Run executes the accept loop until ctx is canceled or Close is called.
// It never returns a non-nil error for ordinary per-connection failures --
// those are logged and the loop continues -- only for the exit condition
// itself.
func (f *Forwarder) Run(ctx context.Context) error {
	for {
		select {
		case <-f.exit:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := f.acceptOnce(ctx); err != nil {
			if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
				return err
			}
			f.logger.Printf("%s: %v", f.name, err)
		}
	}
}

// acceptOnce runs a single source -> target -> relay-submission cycle.
func (f *Forwarder) acceptOnce(ctx context.Context) error {
	from, fromAddr, err := f.source(ctx)
	if err != nil {
		return f.handleSourceErr(err)
	}
	if from == nil {
		// Benign poll timeout: nothing accepted this round, try again.
		return nil
	}

	to, toAddr, err := f.target(ctx, from)
	if err != nil {
		_ = from.Close()
		if f.onForwardFailed != nil {
			f.onForwardFailed()
		}
		return fmt.Errorf("%s: target %s: %w", f.name, fromAddr, err)
	}

	if err := f.relayWorkers.Acquire(ctx, 1); err != nil {
		_ = from.Close()
		_ = to.Close()
		return err
	}

	go func() {
		defer f.relayWorkers.Release(1)
		if err := relay(ctx, from, to); err != nil {
			f.logger.Printf("%s: relay %s <-> %s: %v", f.name, fromAddr, toAddr, err)
		}
	}()

	return nil
}

// handleSourceErr classifies a Source error: a deadline exceeded error is
// the benign per-iteration poll timeout spec.md's pseudocode treats as
// "continue"; anything else propagates as a genuine forwarder error so the
// caller logs it and, through onForwardFailed, can react.
func (f *Forwarder) handleSourceErr(err error) error {
	select {
	case <-f.exit:
		return ErrClosed
	default:
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	if f.onForwardFailed != nil {
		f.onForwardFailed()
	}
	return fmt.Errorf("%s: source: %w", f.name, err)
}

// Close signals the accept loop to stop at its next checkpoint. It does not
// wait for Run to return; callers that need that should track Run's error
// channel or use forwardermgr.Manager, which does.
func (f *Forwarder) Close() error {
	select {
	case <-f.exit:
		return nil
	default:
		close(f.exit)
	}
	if f.onClose != nil {
		return f.onClose()
	}
	return nil
}
