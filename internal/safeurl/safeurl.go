package safeurl

import (
	"fmt"
	"net/url"
	"strings"
)

// IsHTTPOrHTTPS returns true if u is a valid URL with scheme http or https.
// Portal start URLs and redirect targets must pass this; file://, javascript:
// and friends are rejected.
func IsHTTPOrHTTPS(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	s := strings.ToLower(parsed.Scheme)
	return (s == "http" || s == "https") && parsed.Host != ""
}

// Resolve resolves ref (possibly relative, as found in a Location header or
// a script redirect) against base and returns an absolute http(s) URL.
func Resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("safeurl: base %q: %w", base, err)
	}
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("safeurl: ref %q: %w", ref, err)
	}
	out := b.ResolveReference(r).String()
	if !IsHTTPOrHTTPS(out) {
		return "", fmt.Errorf("safeurl: %q is not an http(s) URL", out)
	}
	return out, nil
}

// Origin returns scheme://host of u, or "" if u does not parse.
func Origin(u string) string {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return ""
	}
	return parsed.Scheme + "://" + parsed.Host
}
