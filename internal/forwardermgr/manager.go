// Package forwardermgr implements Manager, which launches, tracks, and
// shuts down a set of concurrently running forwarders sharing one
// socket.Manager and one transport.Manager.
package forwardermgr

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"sshfwd/internal/forwarder"
	"sshfwd/internal/pool"
)

// ErrClosed is returned by Start once the Manager has been closed.
var ErrClosed = pool.ErrClosed

// maxAccepts bounds how many forwarders' accept loops this Manager will run
// concurrently. It is deliberately a separate pool from each forwarder's own
// relay-worker semaphore, per spec.md §5: saturated per-connection traffic
// on existing forwarders must never starve a new forwarder's accept loop.
const maxAccepts = 4096

// handle is an opaque bookkeeping key; forwardermgr uses the keyed pool
// purely to record every forwarder ever started so Wait/Close can enumerate
// them, not to validate or reuse anything by key, per spec.md §4.6 ("uses
// the pool only for bookkeeping (no validation; always create)").
type handle uint64

func (h handle) CacheKey() string { return fmt.Sprintf("%d", uint64(h)) }

// running is what the bookkeeping pool stores per started forwarder.
type running struct {
	fwd  *forwarder.Forwarder
	done chan struct{}
}

// Manager launches and tracks a set of forwarders.
type Manager struct {
	accepts *semaphore.Weighted
	next    atomic.Uint64
	pool    *pool.Pool[handle, *running]
}

// New builds an empty Manager.
func New() *Manager {
	m := &Manager{accepts: semaphore.NewWeighted(maxAccepts)}
	m.pool = pool.New(
		func(context.Context, handle) (*running, error) {
			return nil, fmt.Errorf("forwardermgr: entries are inserted directly via Set, never created by key")
		},
		func(*running) bool { return true }, // bookkeeping only: never stale.
		func(r *running) error { return r.fwd.Close() },
		nil,
	)
	return m
}

// Start launches f's accept loop in its own goroutine, gated by the
// Manager's accept-loop semaphore, and records it for Wait/Close. It
// returns once the loop has been scheduled to start, not once it finishes.
//
// Start refuses to launch anything once Close has run: before_close must
// shut down the Manager so no new accept loops start, and a Start call
// racing Close must lose that race rather than register a forwarder after
// shutdown has begun.
func (m *Manager) Start(ctx context.Context, f *forwarder.Forwarder) error {
	select {
	case <-m.pool.Exit():
		return ErrClosed
	default:
	}

	if err := m.accepts.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("forwardermgr: acquire accept slot: %w", err)
	}

	select {
	case <-m.pool.Exit():
		m.accepts.Release(1)
		return ErrClosed
	default:
	}

	r := &running{fwd: f, done: make(chan struct{})}
	h := handle(m.next.Add(1))
	m.pool.Set(h, r)

	go func() {
		defer m.accepts.Release(1)
		defer close(r.done)
		_ = f.Run(ctx)
	}()

	return nil
}

// Wait blocks until every forwarder started via Start has returned from
// Run.
func (m *Manager) Wait() {
	for _, r := range m.pool.Values() {
		<-r.done
	}
}

// Close signals every running forwarder to stop and unblocks any Start
// call waiting on a saturated accept-loop slot. It does not block on Wait;
// callers that need a clean shutdown call Wait afterward.
func (m *Manager) Close() error {
	return m.pool.Close()
}
