package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/skerit/stbroker/internal/stb"
)

// TokenSource is the part of *stb.Client CheckPortal needs.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// CheckPortal reports whether the portal still hands out a token. A cached
// token counts; the handshake only runs when none is held.
func CheckPortal(ctx context.Context, src TokenSource) error {
	if src == nil {
		return fmt.Errorf("no portal configured")
	}
	if _, err := src.Token(ctx); err != nil {
		return fmt.Errorf("portal token: %w", err)
	}
	return nil
}

// CheckStartURL fetches the portal start page as a set-top box would.
// Returns nil if OK, error with message if not.
func CheckStartURL(ctx context.Context, startURL string) error {
	if startURL == "" {
		return fmt.Errorf("no start URL configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, startURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", stb.UserAgent)
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("portal unreachable: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("portal returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// CheckEndpoints hits healthz, playlist and channel list at baseURL and
// returns the first error or nil.
func CheckEndpoints(ctx context.Context, baseURL string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	for _, path := range []string{"/healthz", "/playlist.m3u", "/channels.json"} {
		url := baseURL + path
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s: HTTP %d", path, resp.StatusCode)
		}
	}
	return nil
}
