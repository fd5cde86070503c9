package stb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"

	"github.com/skerit/stbroker/internal/httpclient"
	"github.com/skerit/stbroker/internal/logging"
	"github.com/skerit/stbroker/internal/metrics"
	"github.com/skerit/stbroker/internal/safeurl"
)

// maxBodyBytes caps a buffered response. Large portals return channel lists
// of a few MB.
const maxBodyBytes = 64 << 20

// Request is one logical GET to the portal, including redirect bookkeeping.
// Header is filled with the device headers by the transport.
type Request struct {
	URL    string
	Header http.Header

	// FirstURL is the URL before the first redirect ("" if none happened).
	FirstURL  string
	Redirects int
}

// Result is a fully buffered, decoded response.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       string
	// URL is the final URL after redirects.
	URL       string
	FirstURL  string
	Redirects int
}

type transport struct {
	client       *http.Client
	maxRedirects int
	sem          *httpclient.HostSemaphore
	pacer        *httpclient.Pacer
	maxBody      int64
	log          *logging.Logger
}

func newTransport(cfg *Config) *transport {
	return &transport{
		client:       cfg.httpClient(),
		maxRedirects: cfg.MaxRedirects,
		sem:          cfg.HostSem,
		pacer:        cfg.Pacer,
		maxBody:      maxBodyBytes,
		log:          cfg.Logger.WithComponent("transport"),
	}
}

// send performs req, following 3xx responses itself so the previous URL can
// be forwarded as Referer. req is updated in place (URL, FirstURL, Redirects).
func (t *transport) send(ctx context.Context, req *Request) (*Result, error) {
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", UserAgent)

	for {
		if req.Redirects > 0 {
			t.log.WithURL(req.URL).Debug("creating redirected request", "redirects", req.Redirects)
		} else {
			t.log.WithURL(req.URL).Debug("creating request")
		}
		res, err := t.hop(ctx, req)
		if err != nil {
			return nil, err
		}
		if !isRedirect(res.StatusCode) {
			res.FirstURL = req.FirstURL
			res.Redirects = req.Redirects
			return res, nil
		}
		if err := t.redirect(req, res); err != nil {
			return nil, err
		}
	}
}

func isRedirect(code int) bool {
	return code > 299 && code < 400
}

// redirect points req at the Location of res.
func (t *transport) redirect(req *Request, res *Result) error {
	loc := res.Header.Get("Location")
	if loc == "" {
		return &TransportError{URL: req.URL, Err: fmt.Errorf("HTTP %d without Location", res.StatusCode)}
	}
	target, err := safeurl.Resolve(req.URL, loc)
	if err != nil {
		return &TransportError{URL: req.URL, Err: err}
	}
	if req.FirstURL == "" {
		req.FirstURL = req.URL
	}
	if req.Redirects >= t.maxRedirects {
		return &RedirectLimitError{FirstURL: req.FirstURL, LastURL: req.URL, Redirects: req.Redirects}
	}
	req.Redirects++
	req.Header.Set("Referer", req.URL)
	req.URL = target
	metrics.Redirects.Inc()
	t.log.Debug("following redirect", "n", req.Redirects, "to", target)
	return nil
}

// hop performs a single HTTP exchange. Redirect bodies are discarded.
func (t *transport) hop(ctx context.Context, req *Request) (*Result, error) {
	if err := t.pacer.Wait(ctx); err != nil {
		return nil, &TransportError{URL: req.URL, Err: err}
	}
	release, err := t.sem.Acquire(ctx, req.URL)
	if err != nil {
		return nil, &TransportError{URL: req.URL, Err: err}
	}
	defer release()

	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, &TransportError{URL: req.URL, Err: err}
	}
	hreq.Header = req.Header.Clone()

	resp, err := t.client.Do(hreq)
	if err != nil {
		metrics.Requests.WithLabelValues("error").Inc()
		return nil, &TransportError{URL: req.URL, Err: err}
	}
	defer resp.Body.Close()
	metrics.Requests.WithLabelValues(metrics.StatusClass(resp.StatusCode)).Inc()

	res := &Result{StatusCode: resp.StatusCode, Header: resp.Header, URL: req.URL}
	if isRedirect(resp.StatusCode) {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return res, nil
	}
	body, err := decodeBody(resp, t.maxBody)
	if err != nil {
		metrics.Requests.WithLabelValues("error").Inc()
		return nil, &TransportError{URL: req.URL, Err: fmt.Errorf("read body: %w", err)}
	}
	res.Body = body
	return res, nil
}

// decodeBody reads the whole body, undoing gzip or brotli content encoding.
// A decoded body longer than limit is an error, never a truncated string.
func decodeBody(resp *http.Response, limit int64) (string, error) {
	var r io.Reader = resp.Body
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if errors.Is(err, io.EOF) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		defer gz.Close()
		r = gz
	case "br":
		r = brotli.NewReader(resp.Body)
	}
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return "", err
	}
	if int64(len(b)) > limit {
		return "", fmt.Errorf("%w: body exceeds %d bytes", ErrBodyTooLarge, limit)
	}
	return string(b), nil
}
