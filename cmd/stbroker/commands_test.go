package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/skerit/stbroker/internal/catalog"
	"github.com/skerit/stbroker/internal/config"
	"github.com/skerit/stbroker/internal/logging"
	"github.com/skerit/stbroker/internal/stb"
	"github.com/skerit/stbroker/internal/store"
)

func TestChannelFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channels.json")
	if err := catalog.Save(path, []catalog.Channel{
		{ID: "1", Name: "One", Cmd: "ffmpeg http://s/1.ts"},
		{ID: "2", Name: "Two"},
	}); err != nil {
		t.Fatal(err)
	}

	ch, err := channelFromFile(path, "1")
	if err != nil {
		t.Fatalf("channelFromFile: %v", err)
	}
	if ch.Name != "One" || ch.Cmd != "ffmpeg http://s/1.ts" {
		t.Errorf("channel = %+v", ch)
	}

	if _, err := channelFromFile(path, "9"); !errors.Is(err, catalog.ErrChannelNotFound) {
		t.Errorf("missing id: err = %v, want ErrChannelNotFound", err)
	}
	if _, err := channelFromFile(filepath.Join(t.TempDir(), "none.json"), "1"); err == nil {
		t.Error("missing file: want error")
	}
}

func TestPurgeChannelCache(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{
		BaseURL:      "http://portal.example/stalker_portal/",
		MAC:          "00:1A:79:00:00:01",
		ChannelCache: filepath.Join(t.TempDir(), "channels.db"),
	}
	c, err := stb.New(stb.Config{BaseURL: cfg.BaseURL, MAC: cfg.MAC, NoWarmup: true, Logger: logging.Discard()})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	p, err := c.Portal(ctx)
	if err != nil {
		t.Fatal(err)
	}

	st, err := store.Open(cfg.ChannelCache)
	if err != nil {
		t.Fatal(err)
	}
	key := store.ProviderKey(p.Base, cfg.MAC)
	if err := st.SaveChannels(ctx, key, []catalog.Channel{{ID: "1"}}); err != nil {
		t.Fatal(err)
	}
	st.Close()

	if err := purgeChannelCache(ctx, cfg, c); err != nil {
		t.Fatalf("purge: %v", err)
	}

	st, err = store.Open(cfg.ChannelCache)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	chans, _, err := st.LoadChannels(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if len(chans) != 0 {
		t.Errorf("after purge: %d channels, want 0", len(chans))
	}

	if err := purgeChannelCache(ctx, &config.Config{}, c); err == nil {
		t.Error("purge without cache path: want error")
	}
}
