package stb

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/skerit/stbroker/internal/logging"
	"github.com/skerit/stbroker/internal/metrics"
)

// tokenManager holds the session token. At most one handshake is in flight;
// concurrent callers share its result.
type tokenManager struct {
	mu       sync.Mutex
	token    string
	inflight bool

	group singleflight.Group
	fetch func(ctx context.Context) (string, error)
	// ctx bounds handshakes; it is the client's lifetime, not a caller's.
	ctx context.Context
	log *logging.Logger
}

// get returns the current token. fresh is true when this call waited for a
// handshake, so the caller knows a rejection cannot be fixed by retrying.
func (m *tokenManager) get(ctx context.Context) (token string, fresh bool, err error) {
	m.mu.Lock()
	if m.token != "" {
		token = m.token
		m.mu.Unlock()
		return token, false, nil
	}
	m.mu.Unlock()

	ch := m.group.DoChan("token", func() (interface{}, error) {
		m.mu.Lock()
		if m.token != "" {
			tok := m.token
			m.mu.Unlock()
			return tok, nil
		}
		m.inflight = true
		m.mu.Unlock()

		tok, err := m.fetch(m.ctx)

		m.mu.Lock()
		m.inflight = false
		if err == nil {
			m.token = tok
		}
		m.mu.Unlock()
		return tok, err
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return "", false, r.Err
		}
		return r.Val.(string), true, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

// invalidate drops the cached token if it is still the one that was used.
// It does nothing while a handshake is in flight.
func (m *tokenManager) invalidate(used string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflight || m.token == "" || m.token != used {
		return false
	}
	m.token = ""
	m.log.Debug("token invalidated")
	return true
}

// Token returns the session token, performing the handshake if none is held.
func (c *Client) Token(ctx context.Context) (string, error) {
	if c.closed.Load() {
		return "", ErrClosed
	}
	tok, _, err := c.tokens.get(ctx)
	return tok, err
}

// handshake asks the portal for a new token using cookie authentication.
func (c *Client) handshake(ctx context.Context) (string, error) {
	resp, err := c.Action(ctx, "handshake", ActionOptions{Auth: AuthCookie})
	if err != nil {
		metrics.TokenFetches.WithLabelValues("error").Inc()
		return "", fmt.Errorf("handshake: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		metrics.TokenFetches.WithLabelValues("error").Inc()
		c.fatal(ErrHandshakeNotFound)
		return "", ErrHandshakeNotFound
	}
	tok := resp.JS.Get("token").String()
	if tok == "" {
		metrics.TokenFetches.WithLabelValues("error").Inc()
		return "", ErrNoToken
	}
	metrics.TokenFetches.WithLabelValues("ok").Inc()
	c.log.Debug("received token")
	return tok, nil
}
