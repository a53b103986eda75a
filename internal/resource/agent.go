// Package resource tags a dependency as either borrowed (caller-injected,
// never closed by its receiver) or owned (constructed internally, closed
// alongside the receiver).
package resource

import "io"

// Agent wraps a value of type T along with whether this component owns it.
type Agent[T io.Closer] struct {
	value T
	owned bool
}

// Owned wraps a value that was constructed internally: Close closes it.
func Owned[T io.Closer](v T) Agent[T] {
	return Agent[T]{value: v, owned: true}
}

// Borrowed wraps a value injected by a caller: Close is a no-op, since the
// caller retains ownership and is responsible for closing it.
func Borrowed[T io.Closer](v T) Agent[T] {
	return Agent[T]{value: v, owned: false}
}

// Value returns the wrapped value.
func (a Agent[T]) Value() T {
	return a.value
}

// Close closes the value if and only if this Agent owns it.
func (a Agent[T]) Close() error {
	if !a.owned {
		return nil
	}
	return a.value.Close()
}
