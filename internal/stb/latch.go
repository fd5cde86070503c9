package stb

import (
	"context"
	"sync"
)

// latch is a write-once value. Callers that wait before it is set queue up
// and are released in arrival order; later callers get the value at once.
type latch[T any] struct {
	mu      sync.Mutex
	done    bool
	val     T
	err     error
	waiters []chan struct{}
}

func (l *latch[T]) wait(ctx context.Context) (T, error) {
	l.mu.Lock()
	if l.done {
		v, err := l.val, l.err
		l.mu.Unlock()
		return v, err
	}
	ch := make(chan struct{})
	l.waiters = append(l.waiters, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.val, l.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// resolve sets the value and releases all waiters. Only the first call has
// any effect; it reports whether this call was the one.
func (l *latch[T]) resolve(v T, err error) bool {
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		return false
	}
	l.done, l.val, l.err = true, v, err
	waiters := l.waiters
	l.waiters = nil
	l.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	return true
}

// peek returns the value without blocking; ok is false while unresolved.
func (l *latch[T]) peek() (v T, ok bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.val, l.done, l.err
}
