// Package playlist serves the portal's channel list as an M3U playlist and
// redirects players to freshly created stream links.
package playlist

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/skerit/stbroker/internal/catalog"
	"github.com/skerit/stbroker/internal/health"
	"github.com/skerit/stbroker/internal/logging"
	"github.com/skerit/stbroker/internal/metrics"
)

// Lister is the part of *catalog.Lister the server needs.
type Lister interface {
	Channels(ctx context.Context, force bool) ([]catalog.Channel, error)
	StreamURLByID(ctx context.Context, id string) (string, error)
}

// Server exposes /playlist.m3u, /play/:id, /channels.json, /healthz and /metrics.
type Server struct {
	Lister Lister
	// Portal backs /healthz; nil reports unhealthy.
	Portal health.TokenSource
	// PublicURL is written into the playlist; empty derives it from the request.
	PublicURL string
	Debug     bool
	Logger    *logging.Logger

	// updated on every successful channel list read; reported by /healthz.
	healthMu       sync.RWMutex
	healthChannels int
	healthRefresh  time.Time
}

func (s *Server) logger() *logging.Logger {
	if s.Logger == nil {
		return logging.Discard()
	}
	return s.Logger
}

// Handler builds the gin engine with all routes.
func (s *Server) Handler() http.Handler {
	if !s.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests(), cors.Default())
	r.GET("/playlist.m3u", s.servePlaylist)
	r.GET("/play/:id", s.servePlay)
	r.GET("/channels.json", s.serveChannels)
	r.GET("/healthz", s.serveHealth)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	return r
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	log := s.logger().WithComponent("playlist")
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("playlist server listening", "addr", addr, "public_url", s.PublicURL)
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		log.Info("shutting down playlist server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("playlist server shutdown", "error", err)
		}
		<-serverErr
		return nil
	}
}

func (s *Server) logRequests() gin.HandlerFunc {
	log := s.logger().WithComponent("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"bytes", c.Writer.Size(),
			"dur", time.Since(start).Round(time.Millisecond),
			"ua", c.Request.UserAgent(),
			"remote", c.ClientIP(),
		)
	}
}

func (s *Server) channels(c *gin.Context) ([]catalog.Channel, bool) {
	force := c.Query("refresh") == "1" || c.Query("refresh") == "true"
	chans, err := s.Lister.Channels(c.Request.Context(), force)
	if err != nil {
		s.logger().Warn("channel list failed", "error", err)
		c.String(http.StatusBadGateway, "channel list: %v", err)
		return nil, false
	}
	s.healthMu.Lock()
	s.healthChannels = len(chans)
	s.healthRefresh = time.Now()
	s.healthMu.Unlock()
	return chans, true
}

func (s *Server) servePlaylist(c *gin.Context) {
	chans, ok := s.channels(c)
	if !ok {
		return
	}
	c.Header("Content-Type", "audio/x-mpegurl; charset=utf-8")
	c.Header("Cache-Control", "no-store")
	c.Status(http.StatusOK)
	if err := WriteM3U(c.Writer, s.baseURL(c.Request), chans); err != nil {
		s.logger().Debug("playlist write", "error", err)
	}
}

func (s *Server) serveChannels(c *gin.Context) {
	chans, ok := s.channels(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": chans})
}

func (s *Server) servePlay(c *gin.Context) {
	id := c.Param("id")
	u, err := s.Lister.StreamURLByID(c.Request.Context(), id)
	switch {
	case err == nil:
		c.Header("Cache-Control", "no-store")
		c.Redirect(http.StatusFound, u)
	case errors.Is(err, catalog.ErrChannelNotFound):
		c.String(http.StatusNotFound, "channel %s not found", id)
	case errors.Is(err, catalog.ErrNoCommand), errors.Is(err, catalog.ErrNoStreamURL):
		s.logger().Warn("no stream url", "channel", id, "error", err)
		c.String(http.StatusNotFound, "channel %s has no stream", id)
	default:
		s.logger().Warn("stream url failed", "channel", id, "error", err)
		c.String(http.StatusBadGateway, "stream url: %v", err)
	}
}

// serveHealth returns 200 {"status":"ok",...} while the portal issues a
// token, 503 {"status":"unhealthy",...} otherwise.
func (s *Server) serveHealth(c *gin.Context) {
	s.healthMu.RLock()
	count := s.healthChannels
	lastRefresh := s.healthRefresh
	s.healthMu.RUnlock()

	if err := health.CheckPortal(c.Request.Context(), s.Portal); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	body := gin.H{"status": "ok", "channels": count}
	if !lastRefresh.IsZero() {
		body["last_refresh"] = lastRefresh.Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) baseURL(r *http.Request) string {
	if s.PublicURL != "" {
		return strings.TrimSuffix(s.PublicURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p == "http" || p == "https" {
		scheme = p
	}
	return scheme + "://" + r.Host
}
