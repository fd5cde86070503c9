package httpclient

import (
	"context"
	"net/url"
	"sync"
)

// HostSemaphore is a per-host concurrency limiter shared by every portal
// client in the process, so a burst of channel lookups cannot open dozens of
// connections to the same portal at once.
//
//	release, err := GlobalHostSem.Acquire(ctx, host)
//	if err != nil { ... }
//	defer release()
type HostSemaphore struct {
	mu    sync.Mutex
	sems  map[string]chan struct{}
	limit int
}

// GlobalHostSem is the shared per-host limiter. Default cap: 4 concurrent
// requests per host across the entire process.
var GlobalHostSem = NewHostSemaphore(4)

func NewHostSemaphore(concurrency int) *HostSemaphore {
	if concurrency < 1 {
		concurrency = 1
	}
	return &HostSemaphore{
		sems:  make(map[string]chan struct{}),
		limit: concurrency,
	}
}

// Acquire blocks until a slot is available for host or ctx is done, and
// returns a release func. host may be a full URL; only scheme+host is used.
func (h *HostSemaphore) Acquire(ctx context.Context, host string) (func(), error) {
	sem := h.semFor(host)
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *HostSemaphore) semFor(host string) chan struct{} {
	if u, err := url.Parse(host); err == nil && u.Host != "" {
		host = u.Scheme + "://" + u.Host
	}
	h.mu.Lock()
	s, ok := h.sems[host]
	if !ok {
		s = make(chan struct{}, h.limit)
		h.sems[host] = s
	}
	h.mu.Unlock()
	return s
}
