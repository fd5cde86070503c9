package stb

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/skerit/stbroker/internal/logging"
	"github.com/skerit/stbroker/internal/metrics"
)

// AuthMode selects how an action authenticates.
type AuthMode int

const (
	// AuthDefault is AuthCookie for "handshake" and AuthToken otherwise.
	AuthDefault AuthMode = iota
	// AuthCookie sends only the device cookie and X-User-Agent.
	AuthCookie
	// AuthToken additionally sends the session token as a bearer token.
	AuthToken
)

// Param is one query parameter. Params keep their order on the wire.
type Param struct {
	Key, Value string
}

type Params []Param

// Get returns the first value for key.
func (ps Params) Get(key string) string {
	for _, p := range ps {
		if p.Key == key {
			return p.Value
		}
	}
	return ""
}

// ActionOptions tunes a single Action call.
type ActionOptions struct {
	// Type is the portal module; default "stb".
	Type   string
	Params Params
	Auth   AuthMode
	// NoJsHttpRequest omits JsHttpRequest=1-xml from the query.
	NoJsHttpRequest bool
	// Header entries override the device headers (not the transport's
	// Accept, Accept-Encoding and User-Agent).
	Header http.Header
}

func (o ActionOptions) authMode(action string) AuthMode {
	if o.Auth != AuthDefault {
		return o.Auth
	}
	if action == "handshake" {
		return AuthCookie
	}
	return AuthToken
}

// actionURL builds base+ActionPath?type=..&action=..[&JsHttpRequest=1-xml][&params].
func (c *Client) actionURL(p Portal, action string, opts ActionOptions) string {
	typ := opts.Type
	if typ == "" {
		typ = "stb"
	}
	var q strings.Builder
	add := func(k, v string) {
		if q.Len() > 0 {
			q.WriteByte('&')
		}
		q.WriteString(url.QueryEscape(k))
		q.WriteByte('=')
		q.WriteString(url.QueryEscape(v))
	}
	add("type", typ)
	add("action", action)
	if !opts.NoJsHttpRequest {
		add("JsHttpRequest", "1-xml")
	}
	for _, kv := range opts.Params {
		add(kv.Key, kv.Value)
	}

	u := p.ActionURL(c.cfg.ActionPath)
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + q.String()
}

// cookie is the device cookie every action carries.
func (c *Client) cookie() string {
	return "mac=" + url.QueryEscape(c.cfg.MAC) +
		"; stb_lang=" + c.cfg.Lang +
		"; timezone=" + url.QueryEscape(c.cfg.Timezone)
}

// Action performs a portal action and returns the parsed response.
//
// Token-authenticated actions that come back with "Authorization failed" are
// retried once with a new token, but only when the rejected token was
// already cached before the call. A token that was just issued is not
// retried and the call fails with an *AuthError.
func (c *Client) Action(ctx context.Context, action string, opts ActionOptions) (*Response, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	p, err := c.Portal(ctx)
	if err != nil {
		return nil, err
	}
	log := c.log.WithRequestID(uuid.NewString()).With("action", action)

	if opts.authMode(action) == AuthCookie {
		resp, err := c.send(ctx, p, action, opts, "", log)
		countAction(action, err)
		return resp, err
	}

	for attempt := 0; ; attempt++ {
		tok, fresh, err := c.tokens.get(ctx)
		if err != nil {
			countAction(action, err)
			return nil, fmt.Errorf("%s: %w", action, err)
		}
		resp, err := c.send(ctx, p, action, opts, tok, log)
		var authErr *AuthError
		if errors.As(err, &authErr) {
			if !fresh && attempt == 0 {
				c.tokens.invalidate(tok)
				metrics.AuthRetries.Inc()
				log.Debug("authorization failed with cached token, retrying with a new one")
				continue
			}
			authErr.FreshToken = fresh
		}
		countAction(action, err)
		return resp, err
	}
}

// send performs one action request with the given token ("" for cookie auth).
func (c *Client) send(ctx context.Context, p Portal, action string, opts ActionOptions, token string, log *logging.Logger) (*Response, error) {
	h := make(http.Header)
	h.Set("Cookie", c.cookie())
	h.Set("X-User-Agent", XUserAgent)
	if p.Referrer != "" {
		h.Set("Referer", p.Referrer)
	}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	for k, vs := range opts.Header {
		h[http.CanonicalHeaderKey(k)] = append([]string(nil), vs...)
	}

	req := &Request{URL: c.actionURL(p, action, opts), Header: h}
	log.Debug("requesting action", "url", req.URL)
	res, err := c.transport.send(ctx, req)
	if err != nil {
		log.Debug("action failed", "error", err)
		return nil, err
	}
	resp := parseResponse(res)
	if resp.authFailed() {
		return nil, &AuthError{Action: action, Body: resp.Body}
	}
	return resp, nil
}

func countAction(action string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrAuthorizationFailed):
		outcome = "auth_failed"
	default:
		outcome = "error"
	}
	metrics.Actions.WithLabelValues(action, outcome).Inc()
}
