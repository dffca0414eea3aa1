package detector

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnavailable is returned by a Lazy handle whose load failed. The failure
// is permanent for the lifetime of the handle.
var ErrUnavailable = errors.New("resource unavailable")

// State is the lifecycle of a Lazy handle.
type State int

const (
	// Uninitialized means no load has completed yet.
	Uninitialized State = iota
	// Ready means the value loaded and is cached.
	Ready
	// FailedPermanently means the load failed; it is never retried.
	FailedPermanently
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case FailedPermanently:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Lazy loads an expensive resource (a model, a remote probe) on first use.
// Concurrent callers wait for the single in-flight load. A load aborted by
// context cancellation leaves the handle Uninitialized so a later call can
// try again; any other error is final.
type Lazy[T any] struct {
	mu    sync.Mutex
	load  func(context.Context) (T, error)
	state State
	value T
	err   error
}

// NewLazy wraps load in a handle.
func NewLazy[T any](load func(context.Context) (T, error)) *Lazy[T] {
	return &Lazy[T]{load: load}
}

// Get returns the loaded value, loading it if needed.
func (l *Lazy[T]) Get(ctx context.Context) (T, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case Ready:
		return l.value, nil
	case FailedPermanently:
		var zero T
		return zero, l.err
	}

	v, err := l.load(ctx)
	if err != nil {
		var zero T
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		l.state = FailedPermanently
		l.err = fmt.Errorf("%w: %w", ErrUnavailable, err)
		return zero, l.err
	}
	l.value = v
	l.state = Ready
	return v, nil
}

// State reports the current lifecycle state without loading.
func (l *Lazy[T]) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Available reports whether the handle has not failed. An uninitialized
// handle counts as available.
func (l *Lazy[T]) Available() bool {
	return l.State() != FailedPermanently
}
