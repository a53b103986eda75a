// Package pool implements a generic keyed resource cache with
// validate-or-replace lookup semantics and a per-key creation lock, the
// shared primitive behind the transport and socket managers.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ErrClosed is returned by Get and GetEphemeral once the pool has been
// closed.
var ErrClosed = errors.New("pool: closed")

// Keyer is implemented by types usable as pool keys.
type Keyer interface {
	CacheKey() string
}

// Pool is a keyed cache of values of type V, created on demand from keys of
// type K.
//
// Get returns the cached value for a key if Validate still accepts it;
// otherwise (including on first lookup) it calls Create exactly once per key
// at a time, no matter how many concurrent callers ask for it -- callers for
// distinct keys never block one another.
//
// GetEphemeral bypasses the keyed cache entirely: it calls a caller-supplied
// constructor directly and never stores the result, for resources (like a
// one-shot TCP client socket) that are never reused by key.
type Pool[K Keyer, V any] struct {
	create   func(context.Context, K) (V, error)
	validate func(V) bool
	closeOne func(V) error

	mu     sync.Mutex
	values map[string]V
	sf     singleflight.Group

	closeOnce sync.Once
	exit      chan struct{}
	onClose   func()
}

// New builds a Pool. create constructs a value for a key; validate reports
// whether a cached value is still usable (a false result triggers a
// replacement create); closeOne releases a value when the pool is closed.
// onClose, if non-nil, runs once before any value is closed -- components
// use it to signal their own exit channel so in-flight Create calls unwind.
func New[K Keyer, V any](create func(context.Context, K) (V, error), validate func(V) bool, closeOne func(V) error, onClose func()) *Pool[K, V] {
	return &Pool[K, V]{
		create:   create,
		validate: validate,
		closeOne: closeOne,
		values:   make(map[string]V),
		exit:     make(chan struct{}),
		onClose:  onClose,
	}
}

// Get returns the pooled value for key, creating it if absent or stale.
func (p *Pool[K, V]) Get(ctx context.Context, key K) (V, error) {
	var zero V

	select {
	case <-p.exit:
		return zero, ErrClosed
	default:
	}

	k := key.CacheKey()

	p.mu.Lock()
	if v, ok := p.values[k]; ok && p.validate(v) {
		p.mu.Unlock()
		return v, nil
	}
	p.mu.Unlock()

	ch := p.sf.DoChan(k, func() (any, error) {
		p.mu.Lock()
		if v, ok := p.values[k]; ok && p.validate(v) {
			p.mu.Unlock()
			return v, nil
		}
		p.mu.Unlock()

		v, err := p.create(context.Background(), key)
		if err != nil {
			return zero, err
		}

		p.mu.Lock()
		p.values[k] = v
		p.mu.Unlock()
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil
	}
}

// GetEphemeral constructs a value directly via create, without consulting or
// populating the keyed cache. It is the "no-key" path for resources that
// are never shared across callers.
func (p *Pool[K, V]) GetEphemeral(ctx context.Context, create func(context.Context) (V, error)) (V, error) {
	var zero V
	select {
	case <-p.exit:
		return zero, ErrClosed
	default:
	}
	v, err := create(ctx)
	if err != nil {
		return zero, fmt.Errorf("pool: ephemeral create: %w", err)
	}
	return v, nil
}

// Close closes the pool exactly once: it runs onClose, then closeOne on
// every stored value. Errors from closeOne are logged and swallowed, so
// Close always returns nil.
func (p *Pool[K, V]) Close() error {
	p.closeOnce.Do(func() {
		close(p.exit)
		if p.onClose != nil {
			p.onClose()
		}

		p.mu.Lock()
		values := p.values
		p.values = make(map[string]V)
		p.mu.Unlock()

		for _, v := range values {
			if cerr := p.closeOne(v); cerr != nil {
				log.Printf("pool: close: %v", cerr)
			}
		}
	})
	return nil
}

// Exit returns the channel closed when Close is called, so callers building
// their own cancellation loops (e.g. a reconnect-with-backoff loop) can
// select on it.
func (p *Pool[K, V]) Exit() <-chan struct{} {
	return p.exit
}

// Set inserts v under key directly, bypassing Create entirely. Used by
// bookkeeping-only pools (forwardermgr.Manager) whose "resource" is simply a
// record of work already started elsewhere, for which there is nothing to
// construct -- spec.md §4.6 describes this as using the pool "only for
// bookkeeping (no validation; always create)"; Set is the direct-insertion
// primitive that makes every key a guaranteed-fresh entry.
func (p *Pool[K, V]) Set(key K, v V) {
	p.mu.Lock()
	p.values[key.CacheKey()] = v
	p.mu.Unlock()
}

// Values returns every value currently stored, in no particular order. Used
// by bookkeeping-only pools (forwardermgr.Manager) that need to enumerate
// everything ever inserted rather than look anything up by key.
func (p *Pool[K, V]) Values() []V {
	p.mu.Lock()
	defer p.mu.Unlock()
	values := make([]V, 0, len(p.values))
	for _, v := range p.values {
		values = append(values, v)
	}
	return values
}
