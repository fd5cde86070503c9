package httpclient

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
)

// fingerprintTransport speaks TLS with a Chrome ClientHello so portals behind
// Cloudflare do not reject the Go TLS fingerprint. Plain http requests go to
// the fallback transport.
type fingerprintTransport struct {
	dialer      *net.Dialer
	h2Transport *http2.Transport
	fallback    http.RoundTripper
}

// NewFingerprintTransport wraps fallback (used for http:// URLs).
func NewFingerprintTransport(fallback http.RoundTripper) http.RoundTripper {
	if fallback == nil {
		fallback = http.DefaultTransport
	}
	return &fingerprintTransport{
		dialer: &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 60 * time.Second,
		},
		h2Transport: &http2.Transport{
			DisableCompression: true,
		},
		fallback: fallback,
	}
}

func (t *fingerprintTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != "https" {
		return t.fallback.RoundTrip(req)
	}

	addr := req.URL.Host
	if req.URL.Port() == "" {
		addr = net.JoinHostPort(req.URL.Hostname(), "443")
	}
	conn, err := t.dialer.DialContext(req.Context(), "tcp", addr)
	if err != nil {
		return nil, err
	}

	uconn := utls.UClient(conn, &utls.Config{ServerName: req.URL.Hostname()}, utls.HelloChrome_120)
	if err := uconn.HandshakeContext(req.Context()); err != nil {
		conn.Close()
		return nil, err
	}

	if uconn.ConnectionState().NegotiatedProtocol == "h2" {
		cc, err := t.h2Transport.NewClientConn(uconn)
		if err != nil {
			uconn.Close()
			return nil, err
		}
		resp, err := cc.RoundTrip(req)
		if err != nil {
			cc.Close()
			return nil, err
		}
		resp.Body = &closeWith{ReadCloser: resp.Body, closer: cc}
		return resp, nil
	}

	if err := req.Write(uconn); err != nil {
		uconn.Close()
		return nil, err
	}
	resp, err := http.ReadResponse(bufio.NewReader(uconn), req)
	if err != nil {
		uconn.Close()
		return nil, err
	}
	resp.Body = &closeWith{ReadCloser: resp.Body, closer: uconn}
	return resp, nil
}

// closeWith closes the underlying connection once the body is closed;
// fingerprinted connections are not pooled.
type closeWith struct {
	io.ReadCloser
	closer io.Closer
}

func (c *closeWith) Close() error {
	err := c.ReadCloser.Close()
	c.closer.Close()
	return err
}
