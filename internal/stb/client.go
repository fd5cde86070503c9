// Package stb is a client for Stalker/Ministra middleware portals. It poses
// as a MAG set-top box: it resolves the portal behind a start URL, obtains a
// session token through the handshake action and performs authenticated
// portal actions, renewing the token when the portal rejects it.
//
//	c, err := stb.New(stb.Config{StartURL: "http://portal.example/c/", MAC: "00:1A:79:00:00:01"})
//	if err != nil { ... }
//	defer c.Close()
//	resp, err := c.Action(ctx, "get_all_channels", stb.ActionOptions{Type: "itv"})
package stb

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"github.com/skerit/stbroker/internal/logging"
)

// Client talks to one portal. It is safe for concurrent use.
type Client struct {
	cfg       Config
	log       *logging.Logger
	transport *transport
	tokens    *tokenManager

	portal      latch[Portal]
	resolveOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	// fatal kinds already reported through OnFatal
	reported sync.Map

	authFlight singleflight.Group
	mu         sync.Mutex
	authorized bool
	profile    gjson.Result
}

// New returns a Client for cfg. Unless cfg.NoWarmup is set, portal
// resolution and the first handshake start in the background right away.
func New(cfg Config) (*Client, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:       cfg,
		log:       cfg.Logger.WithComponent("stb"),
		transport: newTransport(&cfg),
		ctx:       ctx,
		cancel:    cancel,
	}
	c.tokens = &tokenManager{
		fetch: c.handshake,
		ctx:   ctx,
		log:   c.log,
	}
	if !cfg.NoWarmup {
		go c.warmup()
	}
	return c, nil
}

func (c *Client) warmup() {
	c.startResolve()
	if _, _, err := c.tokens.get(c.ctx); err != nil && !errors.Is(err, context.Canceled) {
		c.log.Warn("initial token fetch failed", "error", err)
	}
}

// Config returns the effective configuration (defaults applied).
func (c *Client) Config() Config {
	return c.cfg
}

// Resolved returns the portal without waiting; ok is false until resolution
// has finished successfully.
func (c *Client) Resolved() (p Portal, ok bool) {
	p, done, err := c.portal.peek()
	return p, done && err == nil
}

// Close cancels in-flight resolution and handshakes. Calls made afterwards
// return ErrClosed.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()
	return nil
}

// fatal reports an error that leaves the client unusable, once per kind
// (portal resolution, handshake endpoint).
func (c *Client) fatal(err error) {
	if c.ctx.Err() != nil {
		return
	}
	kind := "resolve"
	if errors.Is(err, ErrHandshakeNotFound) {
		kind = "handshake"
	}
	if _, dup := c.reported.LoadOrStore(kind, true); dup {
		return
	}
	c.log.Error("portal unusable", "error", err)
	if c.cfg.OnFatal != nil {
		c.cfg.OnFatal(err)
	}
}
