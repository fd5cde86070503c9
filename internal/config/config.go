package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/skerit/stbroker/internal/httpclient"
	"github.com/skerit/stbroker/internal/logging"
	"github.com/skerit/stbroker/internal/safeurl"
	"github.com/skerit/stbroker/internal/stb"
)

// Config holds portal, HTTP, cache and server settings.
// Load from env; call LoadEnvFile(".env") first to use a .env file.
type Config struct {
	// Portal
	StartURL         string // e.g. http://portal.example:8080/c/
	BaseURL          string // optional: skip base derivation
	ActionPath       string // default /server/load.php
	MAC              string // 00:1A:79:xx:xx:xx
	Timezone         string
	Lang             string
	RenewChannelList bool // resolve stream URLs from a fresh channel list instead of create_link

	// Logging
	Debug     bool
	LogFormat string // "text" | "json"

	// HTTP
	Timeout         time.Duration
	MaxRedirects    int
	RateLimit       float64 // requests/second to the portal; 0 = unlimited
	RateBurst       int
	HostConcurrency int  // concurrent requests per host; 0 = process default (4)
	TLSFingerprint  bool // browser-like TLS ClientHello for Cloudflare-fronted portals

	// Channel cache (SQLite); "" disables persistence.
	ChannelCache string
	CacheTTL     time.Duration

	// Playlist server
	Listen    string // e.g. :8080
	PublicURL string // base URL written into the M3U; default derived from the request
}

// Load reads config from environment.
// If MAC or StartURL are empty, Load tries STBROKER_SUBSCRIPTION_FILE (or the
// default path) with "Portal:" / "MAC:" lines, as found in reseller mails.
func Load() *Config {
	c := &Config{
		StartURL:         os.Getenv("STBROKER_START_URL"),
		BaseURL:          os.Getenv("STBROKER_BASE_URL"),
		ActionPath:       getEnv("STBROKER_ACTION_PATH", stb.DefaultActionPath),
		MAC:              os.Getenv("STBROKER_MAC"),
		Timezone:         getEnv("STBROKER_TIMEZONE", stb.DefaultTimezone),
		Lang:             getEnv("STBROKER_LANG", stb.DefaultLang),
		RenewChannelList: getEnvBool("STBROKER_RENEW_CHANNEL_LIST", false),
		Debug:            getEnvBool("STBROKER_DEBUG", false),
		LogFormat:        getEnv("STBROKER_LOG_FORMAT", "text"),
		Timeout:          getEnvDuration("STBROKER_TIMEOUT", httpclient.DefaultTimeout),
		MaxRedirects:     getEnvInt("STBROKER_MAX_REDIRECTS", stb.DefaultMaxRedirects),
		RateLimit:        getEnvFloat("STBROKER_RATE_LIMIT", 0),
		RateBurst:        getEnvInt("STBROKER_RATE_BURST", 1),
		HostConcurrency:  getEnvInt("STBROKER_HOST_CONCURRENCY", 0),
		TLSFingerprint:   getEnvBool("STBROKER_TLS_FINGERPRINT", false),
		ChannelCache:     os.Getenv("STBROKER_CHANNEL_CACHE"),
		CacheTTL:         getEnvDuration("STBROKER_CACHE_TTL", 6*time.Hour),
		Listen:           getEnv("STBROKER_LISTEN", ":8080"),
		PublicURL:        os.Getenv("STBROKER_PUBLIC_URL"),
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = stb.DefaultMaxRedirects
	}
	if c.Timeout <= 0 {
		c.Timeout = httpclient.DefaultTimeout
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	if c.MAC == "" || (c.StartURL == "" && c.BaseURL == "") {
		if portal, mac, err := readSubscriptionFile(getEnv("STBROKER_SUBSCRIPTION_FILE", "")); err == nil {
			if c.MAC == "" {
				c.MAC = mac
			}
			if c.StartURL == "" && c.BaseURL == "" {
				c.StartURL = portal
			}
		}
	}
	return c
}

// readSubscriptionFile reads "Portal: x" and "MAC: x" from path. path may be empty to try default.
// When path is empty, globs ~/Documents/stb.subscription.*.txt and uses the alphabetically last match.
func readSubscriptionFile(path string) (portal, mac string, err error) {
	if path == "" {
		home := os.Getenv("HOME")
		if home == "" {
			return "", "", os.ErrNotExist
		}
		pattern := filepath.Join(home, "Documents", "stb.subscription.*.txt")
		matches, globErr := filepath.Glob(pattern)
		if globErr != nil || len(matches) == 0 {
			return "", "", os.ErrNotExist
		}
		sort.Strings(matches)
		path = matches[len(matches)-1]
	}
	path = filepath.Clean(path)
	f, err := os.Open(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "Portal:") {
			portal = strings.TrimSpace(strings.TrimPrefix(line, "Portal:"))
		} else if strings.HasPrefix(line, "MAC:") {
			mac = strings.TrimSpace(strings.TrimPrefix(line, "MAC:"))
		}
	}
	if err := sc.Err(); err != nil {
		return "", "", err
	}
	if portal == "" || mac == "" {
		return "", "", fmt.Errorf("subscription file: missing Portal or MAC")
	}
	return portal, mac, nil
}

// Validate reports every setting that would keep the client from starting.
func (c *Config) Validate() error {
	var errs []error
	if c.MAC == "" {
		errs = append(errs, errors.New("STBROKER_MAC is required"))
	}
	if c.StartURL == "" && c.BaseURL == "" {
		errs = append(errs, errors.New("STBROKER_START_URL or STBROKER_BASE_URL is required"))
	}
	if c.StartURL != "" && !safeurl.IsHTTPOrHTTPS(c.StartURL) {
		errs = append(errs, fmt.Errorf("STBROKER_START_URL must be http(s): %q", c.StartURL))
	}
	if c.BaseURL != "" && !safeurl.IsHTTPOrHTTPS(c.BaseURL) {
		errs = append(errs, fmt.Errorf("STBROKER_BASE_URL must be http(s): %q", c.BaseURL))
	}
	if c.PublicURL != "" && !safeurl.IsHTTPOrHTTPS(c.PublicURL) {
		errs = append(errs, fmt.Errorf("STBROKER_PUBLIC_URL must be http(s): %q", c.PublicURL))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("STBROKER_LOG_FORMAT must be text or json: %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Logger builds the process logger from Debug and LogFormat.
func (c *Config) Logger() *logging.Logger {
	return logging.New(logging.LevelFor(c.Debug), c.LogFormat == "json", nil)
}

// StbConfig maps the settings onto a portal client configuration.
func (c *Config) StbConfig(log *logging.Logger) stb.Config {
	sc := stb.Config{
		StartURL:         c.StartURL,
		BaseURL:          c.BaseURL,
		ActionPath:       c.ActionPath,
		MAC:              c.MAC,
		Debug:            c.Debug,
		RenewChannelList: c.RenewChannelList,
		Timezone:         c.Timezone,
		Lang:             c.Lang,
		Timeout:          c.Timeout,
		MaxRedirects:     c.MaxRedirects,
		Fingerprint:      c.TLSFingerprint,
		Pacer:            httpclient.NewPacer(c.RateLimit, c.RateBurst),
		Logger:           log,
	}
	if c.HostConcurrency > 0 {
		sc.HostSem = httpclient.NewHostSemaphore(c.HostConcurrency)
	}
	return sc
}

// StartURLs returns all start URLs to probe (STBROKER_START_URLS comma-separated, or single StartURL).
func (c *Config) StartURLs() []string {
	s := os.Getenv("STBROKER_START_URLS")
	if s != "" {
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	if c.StartURL != "" {
		return []string{c.StartURL}
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		n, _ := strconv.Atoi(v)
		return n
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
