package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/skerit/stbroker/internal/catalog"
	"github.com/skerit/stbroker/internal/health"
	"github.com/skerit/stbroker/internal/playlist"
	"github.com/skerit/stbroker/internal/provider"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve the portal URL and print base and referrer",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig(cmd, true)
		if err != nil {
			return err
		}
		c, err := newClient(cfg, log, nil)
		if err != nil {
			return err
		}
		defer c.Close()
		p, err := c.Portal(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("url:      %s\n", p.URL)
		fmt.Printf("origin:   %s\n", p.Origin)
		fmt.Printf("base:     %s\n", p.Base)
		fmt.Printf("referrer: %s\n", p.Referrer)
		fmt.Printf("action:   %s\n", p.ActionURL(cfg.ActionPath))
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Handshake and print the bearer token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig(cmd, true)
		if err != nil {
			return err
		}
		c, err := newClient(cfg, log, nil)
		if err != nil {
			return err
		}
		defer c.Close()
		tok, err := c.Token(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Authorize and print the device profile as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig(cmd, true)
		if err != nil {
			return err
		}
		c, err := newClient(cfg, log, nil)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.Authorize(cmd.Context()); err != nil {
			return err
		}
		fmt.Println(c.CachedProfile().Raw)
		return nil
	},
}

var (
	channelsOut   string
	channelsForce bool
	channelsPurge bool
)

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "Fetch the channel list",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, log, err := loadConfig(cmd, true)
		if err != nil {
			return err
		}
		c, err := newClient(cfg, log, nil)
		if err != nil {
			return err
		}
		defer c.Close()
		if channelsPurge {
			if err := purgeChannelCache(ctx, cfg, c); err != nil {
				return err
			}
			log.Info("channel cache purged", "path", cfg.ChannelCache)
		}
		l, release, err := newLister(ctx, cfg, c, log)
		if err != nil {
			return err
		}
		defer release()

		chans, err := l.Channels(ctx, channelsForce)
		if err != nil {
			return err
		}
		if channelsOut != "" {
			if err := catalog.Save(channelsOut, chans); err != nil {
				return err
			}
			log.Info("channel list saved", "path", channelsOut, "channels", len(chans))
			return nil
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNUMBER\tNAME\tHD")
		for _, ch := range chans {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%t\n", ch.ID, ch.Number, ch.Name, ch.HD)
		}
		return tw.Flush()
	},
}

var linkFrom string

var linkCmd = &cobra.Command{
	Use:   "link <channel-id>",
	Short: "Print a fresh stream URL for a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, log, err := loadConfig(cmd, true)
		if err != nil {
			return err
		}
		c, err := newClient(cfg, log, nil)
		if err != nil {
			return err
		}
		defer c.Close()
		l, release, err := newLister(ctx, cfg, c, log)
		if err != nil {
			return err
		}
		defer release()

		var u string
		if linkFrom != "" {
			ch, ferr := channelFromFile(linkFrom, args[0])
			if ferr != nil {
				return ferr
			}
			u, err = l.StreamURL(ctx, ch)
		} else {
			u, err = l.StreamURLByID(ctx, args[0])
		}
		if err != nil {
			return err
		}
		fmt.Println(u)
		return nil
	},
}

var (
	probeHandshake bool
	probeBlockCF   bool
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Probe start URLs (STBROKER_START_URLS) and report which one to use",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()
		cfg, log, err := loadConfig(cmd, false)
		if err != nil {
			return err
		}
		urls := cfg.StartURLs()
		if len(urls) == 0 {
			return fmt.Errorf("set STBROKER_START_URL or STBROKER_START_URLS")
		}

		if probeHandshake {
			if cfg.MAC == "" {
				return fmt.Errorf("--handshake needs STBROKER_MAC")
			}
			entries := make([]provider.Entry, 0, len(urls))
			for _, u := range urls {
				entries = append(entries, provider.Entry{StartURL: u, MAC: cfg.MAC})
			}
			ranked := provider.RankedEntries(ctx, entries, nil, provider.ProbeOptions{
				BlockCloudflare: probeBlockCF,
				Logger:          log,
			})
			for _, r := range ranked {
				fmt.Printf("  %s  base=%s  latency=%dms\n", r.Entry.StartURL, r.Result.Base, r.Result.LatencyMs)
			}
			if len(ranked) == 0 {
				return fmt.Errorf("no portal issued a token")
			}
			fmt.Printf("Use: STBROKER_START_URL=%s\n", ranked[0].Entry.StartURL)
			return nil
		}

		results := provider.ProbeAll(ctx, urls, nil)
		for _, r := range results {
			portal := ""
			if r.Portal {
				portal = "  portal"
			}
			fmt.Printf("  %-10s  %3d  %5dms  %s%s\n", r.Status, r.StatusCode, r.LatencyMs, r.URL, portal)
		}
		best := provider.BestPortalURL(ctx, urls, nil)
		if best == "" {
			return fmt.Errorf("no start URL answered OK")
		}
		fmt.Printf("Use: STBROKER_START_URL=%s\n", best)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the channel list as an M3U playlist with /play redirects",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		cfg, log, err := loadConfig(cmd, true)
		if err != nil {
			return err
		}

		var (
			fatalMu  sync.Mutex
			fatalErr error
		)
		c, err := newClient(cfg, log, func(err error) {
			fatalMu.Lock()
			if fatalErr == nil {
				fatalErr = err
			}
			fatalMu.Unlock()
			cancel()
		})
		if err != nil {
			return err
		}
		defer c.Close()
		l, release, err := newLister(ctx, cfg, c, log)
		if err != nil {
			return err
		}
		defer release()

		go func() {
			if chans, err := l.Channels(ctx, false); err != nil {
				log.Warn("initial channel list", "error", err)
			} else {
				log.Info("channel list ready", "channels", len(chans))
			}
		}()

		srv := &playlist.Server{
			Lister:    l,
			Portal:    c,
			PublicURL: cfg.PublicURL,
			Debug:     cfg.Debug,
			Logger:    log,
		}
		if err := srv.Run(ctx, cfg.Listen); err != nil {
			return err
		}
		fatalMu.Lock()
		defer fatalMu.Unlock()
		return fatalErr
	},
}

// channelFromFile finds id in a channel list written by channels --out.
func channelFromFile(path, id string) (catalog.Channel, error) {
	chans, err := catalog.Load(path)
	if err != nil {
		return catalog.Channel{}, fmt.Errorf("channel list %s: %w", path, err)
	}
	ch, ok := catalog.Find(chans, id)
	if !ok {
		return catalog.Channel{}, fmt.Errorf("channel %s in %s: %w", id, path, catalog.ErrChannelNotFound)
	}
	return ch, nil
}

var checkServer string

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Health-check the portal, or a running server with --server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()
		if checkServer != "" {
			if err := health.CheckEndpoints(ctx, strings.TrimSuffix(checkServer, "/")); err != nil {
				return err
			}
			fmt.Println("server OK")
			return nil
		}
		cfg, log, err := loadConfig(cmd, true)
		if err != nil {
			return err
		}
		if cfg.StartURL != "" {
			if err := health.CheckStartURL(ctx, cfg.StartURL); err != nil {
				return err
			}
		}
		c, err := newClient(cfg, log, nil)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := health.CheckPortal(ctx, c); err != nil {
			return err
		}
		fmt.Println("portal OK")
		return nil
	},
}

func init() {
	channelsCmd.Flags().StringVarP(&channelsOut, "out", "o", "", "Write the channel list to this JSON file")
	channelsCmd.Flags().BoolVarP(&channelsForce, "force", "f", false, "Refetch even when a cached list exists")
	channelsCmd.Flags().BoolVar(&channelsPurge, "purge-cache", false, "Drop this portal's entries from STBROKER_CHANNEL_CACHE before fetching")
	linkCmd.Flags().StringVar(&linkFrom, "from", "", "Look the channel up in a list saved with channels --out")
	probeCmd.Flags().BoolVar(&probeHandshake, "handshake", false, "Handshake with STBROKER_MAC and rank portals that issue a token")
	probeCmd.Flags().BoolVar(&probeBlockCF, "block-cloudflare", false, "Skip portals behind a Cloudflare challenge")
	checkCmd.Flags().StringVar(&checkServer, "server", "", "Base URL of a running serve instance, e.g. http://localhost:8080")

	rootCmd.AddCommand(resolveCmd, tokenCmd, profileCmd, channelsCmd, linkCmd, probeCmd, serveCmd, checkCmd)
}
