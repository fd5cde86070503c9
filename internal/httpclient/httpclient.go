package httpclient

import (
	"net/http"
	"net/http/cookiejar"
	"time"

	"golang.org/x/net/publicsuffix"
)

const (
	DefaultTimeout         = 30 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second
	MaxIdleConnsPerHost    = 16
)

var defaultClient *http.Client

func init() {
	defaultClient = &http.Client{
		Timeout:   DefaultTimeout,
		Transport: newTransport(),
	}
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: MaxIdleConnsPerHost,
		IdleConnTimeout:     DefaultIdleConnTimeout,
		// Portals get an explicit Accept-Encoding and the body is decoded by the caller.
		DisableCompression: true,
	}
}

// Default returns the shared tuned HTTP client used for probes and stream lookups.
func Default() *http.Client {
	return defaultClient
}

// WithTimeout returns a client with the given timeout and a clone of the Default transport.
func WithTimeout(timeout time.Duration) *http.Client {
	t, ok := defaultClient.Transport.(*http.Transport)
	if !ok {
		return &http.Client{Timeout: timeout}
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: t.Clone(),
	}
}

// Options configures a portal client built by New.
type Options struct {
	// Timeout bounds a single request (one redirect hop). 0 = DefaultTimeout.
	Timeout time.Duration
	// NoFollowRedirects hands 3xx responses back to the caller untouched.
	NoFollowRedirects bool
	// CookieJar keeps session cookies (PHPSESSID and friends) set by the portal.
	CookieJar bool
	// Fingerprint uses a browser-like TLS ClientHello for https portals
	// fronted by Cloudflare.
	Fingerprint bool
}

// New builds a dedicated client for one portal.
func New(opts Options) *http.Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	var rt http.RoundTripper = newTransport()
	if opts.Fingerprint {
		rt = NewFingerprintTransport(rt)
	}
	c := &http.Client{
		Timeout:   timeout,
		Transport: rt,
	}
	if opts.NoFollowRedirects {
		c.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	if opts.CookieJar {
		// cookiejar.New always returns a nil error.
		jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		c.Jar = jar
	}
	return c
}
