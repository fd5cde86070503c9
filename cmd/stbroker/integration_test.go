// Integration tests: run with a portal account in .env (or set STBROKER_*).
// Skip when no start URL / MAC: go test -v -run Integration ./cmd/stbroker
// Uses a real portal only when .env is present; no account data is stored in repo.
package main

import (
	"context"
	"testing"
	"time"

	"github.com/skerit/stbroker/internal/config"
	"github.com/skerit/stbroker/internal/health"
	"github.com/skerit/stbroker/internal/logging"
)

func TestIntegration_channelsAndLink(t *testing.T) {
	for _, p := range []string{".env", "../.env", "../../.env"} {
		_ = config.LoadEnvFile(p)
	}
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		t.Skipf("no portal account (set STBROKER_START_URL and STBROKER_MAC in .env): %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	log := logging.Discard()
	c, err := newClient(cfg, log, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer c.Close()

	if err := health.CheckPortal(ctx, c); err != nil {
		t.Fatalf("portal health: %v", err)
	}
	l, release, err := newLister(ctx, cfg, c, log)
	if err != nil {
		t.Fatalf("lister: %v", err)
	}
	defer release()

	chans, err := l.Channels(ctx, false)
	if err != nil {
		t.Fatalf("channels: %v", err)
	}
	if len(chans) == 0 {
		t.Fatal("portal returned no channels")
	}
	t.Logf("%d channels", len(chans))

	u, err := l.StreamURL(ctx, chans[0])
	if err != nil {
		t.Fatalf("stream url for %s: %v", chans[0].ID, err)
	}
	t.Logf("channel %s (%s): %s", chans[0].ID, chans[0].Name, u)
}
