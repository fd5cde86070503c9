package stb

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/skerit/stbroker/internal/httpclient"
	"github.com/skerit/stbroker/internal/logging"
	"github.com/skerit/stbroker/internal/safeurl"
)

const (
	DefaultActionPath   = "/server/load.php"
	DefaultTimezone     = "Europe/Kiev"
	DefaultLang         = "en"
	DefaultMaxRedirects = 20

	// UserAgent is what a MAG200 sends; portals check for "MAG200 stbapp".
	UserAgent = "Mozilla/5.0 (QtEmbedded; U; Linux; C) AppleWebKit/533.3 (KHTML, like Gecko) MAG200 stbapp ver: 2 rev: 250 Safari/533.3"
	// XUserAgent identifies the device model on cookie-authenticated requests.
	XUserAgent = "Model: MAG254; Link: WiFi"
)

// Config drives a Client. Zero values are replaced with defaults by New.
// A Config must not be modified after it is passed to New.
type Config struct {
	// StartURL is the portal entry point; it is followed through HTTP and
	// script redirects to find the real portal. May be empty when BaseURL is set.
	StartURL string
	// BaseURL skips base derivation when set (action URLs are BaseURL+ActionPath).
	BaseURL string
	// ActionPath is appended to the base for every action. Default /server/load.php.
	ActionPath string
	// MAC is the device identifier sent in the cookie.
	MAC string

	Debug bool
	// RenewChannelList makes stream lookups re-fetch the channel list instead
	// of calling create_link.
	RenewChannelList bool

	Timezone string // cookie timezone, default Europe/Kiev
	Lang     string // cookie stb_lang, default en

	// Timeout bounds a single HTTP exchange. Default 30s.
	Timeout time.Duration
	// MaxRedirects caps redirect hops per request. Default 20.
	MaxRedirects int

	// Client may be nil to build a dedicated one (cookie jar, no redirect
	// following). A supplied client is copied and made not to follow redirects.
	Client *http.Client
	// Fingerprint uses a browser TLS fingerprint when Client is nil.
	Fingerprint bool
	// Pacer rate-limits requests; nil = unlimited.
	Pacer *httpclient.Pacer
	// HostSem limits concurrent requests per host; nil = httpclient.GlobalHostSem.
	HostSem *httpclient.HostSemaphore

	Logger *logging.Logger
	// OnFatal is called for errors that leave the client unusable: portal
	// resolution failure and an invalid (404) handshake endpoint.
	OnFatal func(error)
	// NoWarmup disables the background resolution + token fetch started by New.
	NoWarmup bool
}

func (c *Config) applyDefaults() {
	if c.ActionPath == "" {
		c.ActionPath = DefaultActionPath
	}
	if !strings.HasPrefix(c.ActionPath, "/") {
		c.ActionPath = "/" + c.ActionPath
	}
	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}
	if c.Lang == "" {
		c.Lang = DefaultLang
	}
	if c.Timeout <= 0 {
		c.Timeout = httpclient.DefaultTimeout
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = DefaultMaxRedirects
	}
	if c.HostSem == nil {
		c.HostSem = httpclient.GlobalHostSem
	}
	if c.Logger == nil {
		c.Logger = logging.New(logging.LevelFor(c.Debug), false, nil)
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
}

func (c *Config) validate() error {
	if c.StartURL == "" && c.BaseURL == "" {
		return errors.New("stb: Config must set StartURL or BaseURL")
	}
	if c.StartURL != "" && !safeurl.IsHTTPOrHTTPS(c.StartURL) {
		return errors.New("stb: StartURL must be an http(s) URL")
	}
	if c.BaseURL != "" && !safeurl.IsHTTPOrHTTPS(c.BaseURL) {
		return errors.New("stb: BaseURL must be an http(s) URL")
	}
	if c.MAC == "" {
		return errors.New("stb: Config must set MAC")
	}
	return nil
}

// httpClient returns the client the transport uses. Redirects are always
// handled by the transport, never by net/http.
func (c *Config) httpClient() *http.Client {
	if c.Client == nil {
		return httpclient.New(httpclient.Options{
			Timeout:           c.Timeout,
			NoFollowRedirects: true,
			CookieJar:         true,
			Fingerprint:       c.Fingerprint,
		})
	}
	cl := *c.Client
	cl.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &cl
}
