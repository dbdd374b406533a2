package devserver

import (
	"context"
	"sync"
)

// Future is a oneshot broadcast holding the resolved Endpoint or a terminal
// error. It resolves at most once; any number of readers may Await before or
// after resolution and all observe the same value.
type Future struct {
	done chan struct{}
	once sync.Once

	ep  Endpoint
	err error
}

func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// NewResolvedFuture returns a future already resolved to ep.
func NewResolvedFuture(ep Endpoint) *Future {
	f := NewFuture()
	f.Resolve(ep)
	return f
}

// Resolve publishes ep. Calls after the first resolution are ignored.
func (f *Future) Resolve(ep Endpoint) {
	f.once.Do(func() {
		f.ep = ep
		close(f.done)
	})
}

// Fail publishes a terminal error. Calls after the first resolution are ignored.
func (f *Future) Fail(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Await blocks until the future resolves or ctx is done. A failed future
// replays its error to every caller; the producing computation is never rerun.
func (f *Future) Await(ctx context.Context) (Endpoint, error) {
	select {
	case <-f.done:
		return f.ep, f.err
	case <-ctx.Done():
		return Endpoint{}, ctx.Err()
	}
}

// Resolved reports whether the future has a terminal value, success or failure.
func (f *Future) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
