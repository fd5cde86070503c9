package stb

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"
)

// profileParams describe a MAG254.
var profileParams = Params{
	{"hd", "1"},
	{"ver", "ImageDescription: 0.2.18-r11-pub-254; ImageDate: Wed Mar 18 18:09:40 EET 2015; PORTAL version: 4.9.14; API Version: JS API version: 331; STB API version: 141; Player Engine version: 0x572"},
	{"num_banks", "1"},
	{"stb_type", "MAG254"},
	{"image_version", "218"},
	{"auth_second_step", "0"},
	{"hw_version", "2.6-IB-00"},
	{"not_valid_token", "0"},
}

// Profile calls get_profile, which activates the session on most portals,
// and returns its js payload.
func (c *Client) Profile(ctx context.Context) (gjson.Result, error) {
	resp, err := c.Action(ctx, "get_profile", ActionOptions{Params: profileParams})
	if err != nil {
		return gjson.Result{}, err
	}
	c.mu.Lock()
	c.profile = resp.JS
	c.mu.Unlock()
	return resp.JS, nil
}

// Localization calls get_localization and returns its js payload.
func (c *Client) Localization(ctx context.Context) (gjson.Result, error) {
	resp, err := c.Action(ctx, "get_localization", ActionOptions{})
	if err != nil {
		return gjson.Result{}, err
	}
	return resp.JS, nil
}

// Authorize performs handshake, get_profile and get_localization once.
// Concurrent callers share one run; after success it returns nil at once.
func (c *Client) Authorize(ctx context.Context) error {
	c.mu.Lock()
	done := c.authorized
	c.mu.Unlock()
	if done {
		return nil
	}

	ch := c.authFlight.DoChan("authorize", func() (interface{}, error) {
		if _, _, err := c.tokens.get(c.ctx); err != nil {
			return nil, err
		}
		if _, err := c.Profile(c.ctx); err != nil {
			return nil, fmt.Errorf("authorize: %w", err)
		}
		if _, err := c.Localization(c.ctx); err != nil {
			return nil, fmt.Errorf("authorize: %w", err)
		}
		c.mu.Lock()
		c.authorized = true
		c.mu.Unlock()
		c.log.Info("authorized")
		return nil, nil
	})
	select {
	case r := <-ch:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CachedProfile returns the js payload of the last successful Profile call.
func (c *Client) CachedProfile() gjson.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile
}
