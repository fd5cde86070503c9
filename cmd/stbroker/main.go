// Command stbroker talks to a Stalker/Ministra portal as a MAG set-top box.
//
//	resolve   Follow HTTP and script redirects from the start URL, print the portal base
//	token     Handshake and print the bearer token
//	profile   Authorize (token, profile, localization) and print the profile
//	channels  Fetch the channel list; print it or save it with --out
//	link      Resolve the stream URL of one channel
//	probe     Probe start URLs and report OK / Cloudflare / fail and which one to use
//	serve     Serve /playlist.m3u with /play/<id> redirects to fresh stream links
//	check     Health-check the portal, or a running serve instance with --server
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/skerit/stbroker/internal/catalog"
	"github.com/skerit/stbroker/internal/config"
	"github.com/skerit/stbroker/internal/logging"
	"github.com/skerit/stbroker/internal/stb"
	"github.com/skerit/stbroker/internal/store"
)

var (
	flagEnvFile  string
	flagStartURL string
	flagBaseURL  string
	flagMAC      string
	flagDebug    bool
	flagJSONLog  bool
)

var rootCmd = &cobra.Command{
	Use:           "stbroker",
	Short:         "Stalker/Ministra portal client",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagEnvFile, "env-file", ".env", "Load STBROKER_* settings from this file first")
	pf.StringVar(&flagStartURL, "start-url", "", "Portal start URL (overrides STBROKER_START_URL)")
	pf.StringVar(&flagBaseURL, "base-url", "", "Portal base URL, skips resolution (overrides STBROKER_BASE_URL)")
	pf.StringVar(&flagMAC, "mac", "", "Device MAC address (overrides STBROKER_MAC)")
	pf.BoolVarP(&flagDebug, "debug", "d", false, "Debug logging")
	pf.BoolVar(&flagJSONLog, "json-log", false, "Log as JSON")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "stbroker:", err)
		os.Exit(1)
	}
}

// loadConfig reads the env file and environment, then applies flags that
// were set explicitly.
func loadConfig(cmd *cobra.Command, requirePortal bool) (*config.Config, *logging.Logger, error) {
	if err := config.LoadEnvFile(flagEnvFile); err != nil {
		return nil, nil, fmt.Errorf("env file: %w", err)
	}
	cfg := config.Load()
	flags := cmd.Flags()
	if flags.Changed("start-url") {
		cfg.StartURL = flagStartURL
	}
	if flags.Changed("base-url") {
		cfg.BaseURL = flagBaseURL
	}
	if flags.Changed("mac") {
		cfg.MAC = flagMAC
	}
	if flags.Changed("debug") {
		cfg.Debug = flagDebug
	}
	if flags.Changed("json-log") && flagJSONLog {
		cfg.LogFormat = "json"
	}
	if requirePortal {
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
	}
	return cfg, cfg.Logger(), nil
}

func newClient(cfg *config.Config, log *logging.Logger, onFatal func(error)) (*stb.Client, error) {
	sc := cfg.StbConfig(log)
	sc.OnFatal = onFatal
	return stb.New(sc)
}

// newLister builds a channel lister for c, backed by the SQLite cache when
// STBROKER_CHANNEL_CACHE is set. The returned func releases the cache.
func newLister(ctx context.Context, cfg *config.Config, c *stb.Client, log *logging.Logger) (*catalog.Lister, func(), error) {
	opts := catalog.ListerOptions{
		RenewChannelList: cfg.RenewChannelList,
		CacheTTL:         cfg.CacheTTL,
		Logger:           log,
	}
	closeFn := func() {}
	if cfg.ChannelCache != "" {
		p, err := c.Portal(ctx)
		if err != nil {
			return nil, nil, err
		}
		st, err := store.Open(cfg.ChannelCache)
		if err != nil {
			return nil, nil, err
		}
		opts.Cache = st.Provider(store.ProviderKey(p.Base, cfg.MAC))
		closeFn = func() { st.Close() }
	}
	return catalog.NewLister(c, opts), closeFn, nil
}

// purgeChannelCache forgets the cached channel list of c's portal and MAC.
func purgeChannelCache(ctx context.Context, cfg *config.Config, c *stb.Client) error {
	if cfg.ChannelCache == "" {
		return fmt.Errorf("--purge-cache needs STBROKER_CHANNEL_CACHE")
	}
	p, err := c.Portal(ctx)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.ChannelCache)
	if err != nil {
		return err
	}
	defer st.Close()
	return st.Purge(ctx, store.ProviderKey(p.Base, cfg.MAC))
}
