package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skerit/stbroker/internal/httpclient"
	"github.com/skerit/stbroker/internal/logging"
	"github.com/skerit/stbroker/internal/stb"
)

const probeTimeout = 15 * time.Second

// Result is the outcome of probing one portal.
type Result struct {
	URL         string
	Status      Status
	StatusCode  int
	LatencyMs   int64
	BodyPreview string // first 512 bytes for CF detection
	// Portal is set when the start page looks like an STB portal: the final
	// URL has a /c/ directory or the page carries a script redirect.
	Portal bool
	// Base is the action base found by a handshake probe.
	Base string
}

type Status string

const (
	StatusOK         Status = "ok"
	StatusCloudflare Status = "cloudflare"
	StatusBadStatus  Status = "bad_status"
	StatusNoToken    Status = "no_token"
	StatusTimeout    Status = "timeout"
	StatusError      Status = "error"
)

// Entry is one portal account to probe.
type Entry struct {
	StartURL string
	BaseURL  string
	MAC      string
}

// ProbeOptions controls ranking behaviour.
type ProbeOptions struct {
	// BlockCloudflare drops portals whose start page is served by a
	// Cloudflare challenge, logging a warning for each.
	BlockCloudflare bool
	Logger          *logging.Logger
	// Concurrency bounds parallel probes; default 4.
	Concurrency int
}

func (o ProbeOptions) logger() *logging.Logger {
	if o.Logger == nil {
		return logging.Discard()
	}
	return o.Logger
}

func (o ProbeOptions) limit() int {
	if o.Concurrency < 1 {
		return 4
	}
	return o.Concurrency
}

// ProbeOne fetches a portal start URL as a MAG box would and classifies the result.
func ProbeOne(ctx context.Context, startURL string, client *http.Client) Result {
	if client == nil {
		client = httpclient.WithTimeout(probeTimeout)
	}
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, startURL, nil)
	if err != nil {
		return Result{URL: startURL, Status: StatusError, LatencyMs: time.Since(start).Milliseconds()}
	}
	req.Header.Set("User-Agent", stb.UserAgent)
	resp, err := client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		if isTimeout(err) {
			return Result{URL: startURL, Status: StatusTimeout, LatencyMs: latency}
		}
		return Result{URL: startURL, Status: StatusError, LatencyMs: latency}
	}
	defer resp.Body.Close()
	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	previewStr := strings.ToLower(string(preview))
	code := resp.StatusCode

	// Cloudflare detection: only when we're sure (Server header or classic challenge page).
	server := strings.ToLower(strings.TrimSpace(resp.Header.Get("Server")))
	isCFServer := server == "cloudflare"
	bodyHasCFChallenge := strings.Contains(previewStr, "checking your browser") ||
		strings.Contains(previewStr, "cf-bypass") ||
		strings.Contains(previewStr, "ray id")
	if code == 403 || code == 503 || code == 520 || code == 521 || code == 524 {
		if bodyHasCFChallenge || isCFServer {
			return Result{URL: startURL, Status: StatusCloudflare, StatusCode: code, LatencyMs: latency, BodyPreview: previewStr}
		}
	}
	if isCFServer && code != http.StatusOK {
		return Result{URL: startURL, Status: StatusCloudflare, StatusCode: code, LatencyMs: latency}
	}
	if code != http.StatusOK {
		return Result{URL: startURL, Status: StatusBadStatus, StatusCode: code, LatencyMs: latency}
	}
	final := startURL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}
	portal := strings.Contains(final, "/c/") || strings.Contains(previewStr, "location.href")
	return Result{URL: startURL, Status: StatusOK, StatusCode: code, LatencyMs: latency, Portal: portal}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "timeout") || strings.Contains(s, "deadline")
}

// ProbeAll probes each start URL (in parallel) and returns results sorted
// by: OK first (by latency), then non-OK.
func ProbeAll(ctx context.Context, startURLs []string, client *http.Client) []Result {
	urls := make([]string, 0, len(startURLs))
	for _, u := range startURLs {
		if u != "" {
			urls = append(urls, u)
		}
	}
	out := make([]Result, len(urls))
	var g errgroup.Group
	g.SetLimit(4)
	for i, u := range urls {
		g.Go(func() error {
			out[i] = ProbeOne(ctx, u, client)
			return nil
		})
	}
	_ = g.Wait()
	sortResults(out)
	return out
}

func sortResults(out []Result) {
	sort.SliceStable(out, func(i, j int) bool {
		okI := out[i].Status == StatusOK
		okJ := out[j].Status == StatusOK
		if okI != okJ {
			return okI
		}
		if okI {
			return out[i].LatencyMs < out[j].LatencyMs
		}
		return out[i].URL < out[j].URL
	})
}

// BestPortalURL returns the first OK URL from ProbeAll, or "" if none.
func BestPortalURL(ctx context.Context, startURLs []string, client *http.Client) string {
	for _, r := range ProbeAll(ctx, startURLs, client) {
		if r.Status == StatusOK {
			return r.URL
		}
	}
	return ""
}

// ProbeHandshake resolves e's portal and performs a handshake with its MAC.
// StatusOK means the portal issued a token; Result.Base is the action base.
func ProbeHandshake(ctx context.Context, e Entry, client *http.Client) Result {
	probed := e.StartURL
	if probed == "" {
		probed = e.BaseURL
	}
	c, err := stb.New(stb.Config{
		StartURL: e.StartURL,
		BaseURL:  e.BaseURL,
		MAC:      e.MAC,
		Client:   client,
		Timeout:  probeTimeout,
		Logger:   logging.Discard(),
		NoWarmup: true,
	})
	if err != nil {
		return Result{URL: probed, Status: StatusError}
	}
	defer c.Close()

	start := time.Now()
	_, err = c.Token(ctx)
	latency := time.Since(start).Milliseconds()
	switch {
	case err == nil:
		p, _ := c.Resolved()
		return Result{URL: probed, Status: StatusOK, StatusCode: http.StatusOK, LatencyMs: latency, Portal: true, Base: p.Base}
	case errors.Is(err, stb.ErrHandshakeNotFound):
		return Result{URL: probed, Status: StatusBadStatus, StatusCode: http.StatusNotFound, LatencyMs: latency}
	case errors.Is(err, stb.ErrNoToken), errors.Is(err, stb.ErrAuthorizationFailed):
		return Result{URL: probed, Status: StatusNoToken, LatencyMs: latency}
	case isTimeout(err):
		return Result{URL: probed, Status: StatusTimeout, LatencyMs: latency}
	default:
		return Result{URL: probed, Status: StatusError, LatencyMs: latency}
	}
}

// RankedEntry pairs a portal account with its handshake probe.
type RankedEntry struct {
	Entry  Entry
	Result Result
}

// RankedEntries handshake-probes every entry and returns the ones that
// issued a token, fastest first. With BlockCloudflare, entries whose start
// page is a Cloudflare challenge are skipped with a warning.
func RankedEntries(ctx context.Context, entries []Entry, client *http.Client, opts ...ProbeOptions) []RankedEntry {
	var o ProbeOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	log := o.logger().WithComponent("probe")

	results := make([]*RankedEntry, len(entries))
	var g errgroup.Group
	g.SetLimit(o.limit())
	for i, e := range entries {
		if e.StartURL == "" && e.BaseURL == "" {
			continue
		}
		g.Go(func() error {
			if o.BlockCloudflare && e.StartURL != "" {
				if r := ProbeOne(ctx, e.StartURL, client); r.Status == StatusCloudflare {
					log.Warn("portal is behind a Cloudflare challenge, skipping", "url", e.StartURL, "status", r.StatusCode)
					return nil
				}
			}
			r := ProbeHandshake(ctx, e, client)
			if r.Status != StatusOK {
				log.Debug("portal probe failed", "url", r.URL, "status", r.Status)
				return nil
			}
			results[i] = &RankedEntry{Entry: e, Result: r}
			return nil
		})
	}
	_ = g.Wait()

	var ranked []RankedEntry
	for _, r := range results {
		if r != nil {
			ranked = append(ranked, *r)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Result.LatencyMs < ranked[j].Result.LatencyMs
	})
	if len(ranked) == 0 && len(entries) > 0 {
		log.Warn("no portal issued a token", "entries", len(entries))
	}
	return ranked
}
