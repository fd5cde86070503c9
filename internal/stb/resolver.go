package stb

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/skerit/stbroker/internal/metrics"
	"github.com/skerit/stbroker/internal/safeurl"
)

// scriptRedirect matches the client-side redirect some portals serve instead
// of a 302, e.g. <script>location.href = "/stalker_portal/c/"</script>.
var scriptRedirect = regexp.MustCompile(`location\.href\s*=\s*['"](.+?)['"]`)

// Portal is the outcome of resolving the start URL.
type Portal struct {
	// URL is the final URL after HTTP and script redirects.
	URL    string
	Origin string
	// Base is where ActionPath is appended to build action URLs.
	Base string
	// Referrer is sent as Referer on action requests; "" when BaseURL was
	// configured.
	Referrer string
}

// ActionURL returns the load.php style endpoint for this portal.
func (p Portal) ActionURL(actionPath string) string {
	return p.Base + actionPath
}

// derivePortal computes base and referrer from a resolved URL: everything
// before the first "/c/" (the STB web app directory) is the base.
func derivePortal(resolved string) Portal {
	p := Portal{URL: resolved, Origin: safeurl.Origin(resolved)}
	if i := strings.Index(resolved, "/c/"); i > 0 {
		p.Base = resolved[:i]
		p.Referrer = p.Base + "/c/"
	} else {
		p.Base = resolved
		p.Referrer = resolved
	}
	return p
}

// Portal waits for the portal to be resolved and returns it. Resolution runs
// once per Client on the client's own context, so a cancelled ctx only
// abandons the wait.
func (c *Client) Portal(ctx context.Context) (Portal, error) {
	if c.closed.Load() {
		return Portal{}, ErrClosed
	}
	c.startResolve()
	return c.portal.wait(ctx)
}

func (c *Client) startResolve() {
	c.resolveOnce.Do(func() {
		go func() {
			p, err := c.resolvePortal(c.ctx)
			if err != nil {
				c.fatal(err)
			}
			c.portal.resolve(p, err)
		}()
	})
}

func (c *Client) resolvePortal(ctx context.Context) (Portal, error) {
	if c.cfg.StartURL == "" {
		p := Portal{URL: c.cfg.BaseURL, Origin: safeurl.Origin(c.cfg.BaseURL), Base: c.cfg.BaseURL}
		c.log.Debug("using configured base url", "base", p.Base)
		return p, nil
	}

	start := time.Now()
	res, err := c.transport.send(ctx, &Request{URL: c.cfg.StartURL})
	if err != nil {
		return Portal{}, fmt.Errorf("resolve portal: %w", err)
	}
	resolved := res.URL
	if m := scriptRedirect.FindStringSubmatch(res.Body); m != nil {
		target, err := safeurl.Resolve(res.URL, m[1])
		if err != nil {
			return Portal{}, fmt.Errorf("resolve portal: script redirect: %w", err)
		}
		c.log.Debug("found script redirect", "from", res.URL, "to", target)
		resolved = target
	}

	p := derivePortal(resolved)
	if c.cfg.BaseURL != "" {
		p.Base = c.cfg.BaseURL
		p.Referrer = ""
	}
	metrics.ResolveSeconds.Observe(time.Since(start).Seconds())
	c.log.WithDuration(time.Since(start)).Info("portal resolved", "url", p.URL, "base", p.Base)
	return p, nil
}
