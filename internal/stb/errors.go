package stb

import (
	"errors"
	"fmt"
)

var (
	// ErrRedirectLimit matches *RedirectLimitError.
	ErrRedirectLimit = errors.New("stb: redirect limit exceeded")
	// ErrAuthorizationFailed matches *AuthError.
	ErrAuthorizationFailed = errors.New("stb: authorization failed")
	// ErrHandshakeNotFound is returned (and reported as fatal) when the
	// handshake endpoint answers 404: the portal URL or action path is wrong.
	ErrHandshakeNotFound = errors.New("stb: handshake url is not valid (HTTP 404)")
	// ErrNoToken means the handshake succeeded but carried no js.token.
	ErrNoToken = errors.New("stb: handshake returned no token")
	// ErrBodyTooLarge is wrapped in the *TransportError for a response body
	// past the buffering limit.
	ErrBodyTooLarge = errors.New("stb: response body too large")
	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("stb: client closed")
)

// TransportError is a connection or stream failure for one request.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("stb: request %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RedirectLimitError is returned when a request is redirected more than
// Config.MaxRedirects times.
type RedirectLimitError struct {
	FirstURL  string
	LastURL   string
	Redirects int
}

func (e *RedirectLimitError) Error() string {
	return fmt.Sprintf("stb: %s: stopped after %d redirects (last %s)", e.FirstURL, e.Redirects, e.LastURL)
}

func (e *RedirectLimitError) Is(target error) bool { return target == ErrRedirectLimit }

// AuthError is an authorization failure reported by the portal in the body.
type AuthError struct {
	Action string
	Body   string
	// FreshToken is true when the rejected token had just been issued, so
	// no retry was attempted.
	FreshToken bool
}

func (e *AuthError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("stb: %s: authorization failed: %s", e.Action, body)
}

func (e *AuthError) Is(target error) bool { return target == ErrAuthorizationFailed }
