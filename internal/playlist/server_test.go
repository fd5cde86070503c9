package playlist

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skerit/stbroker/internal/catalog"
	"github.com/skerit/stbroker/internal/stb"
)

type fakeLister struct {
	chans  []catalog.Channel
	err    error
	urls   map[string]string
	forced atomic.Int32
}

func (f *fakeLister) Channels(_ context.Context, force bool) ([]catalog.Channel, error) {
	if force {
		f.forced.Add(1)
	}
	return f.chans, f.err
}

func (f *fakeLister) StreamURLByID(_ context.Context, id string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	u, ok := f.urls[id]
	if !ok {
		return "", catalog.ErrChannelNotFound
	}
	if u == "" {
		return "", catalog.ErrNoStreamURL
	}
	return u, nil
}

type tokenFunc func(ctx context.Context) (string, error)

func (f tokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

func newTestServer(l *fakeLister) *Server {
	return &Server{
		Lister: l,
		Portal: tokenFunc(func(context.Context) (string, error) { return "tok", nil }),
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestWriteM3U(t *testing.T) {
	chans := []catalog.Channel{
		{ID: "10", Number: 1, Name: "News, Live", XMLTVID: "news.1", Logo: "http://logo/1.png", GenreID: 4},
		{ID: "", Name: "skipped"},
		{ID: "a b", Number: 2},
		{ID: "7"},
	}
	var sb strings.Builder
	require.NoError(t, WriteM3U(&sb, "http://tv.local:8080/", chans))
	out := sb.String()

	assert.True(t, strings.HasPrefix(out, "#EXTM3U\n"))
	assert.Contains(t, out, `#EXTINF:-1 tvg-id="news.1" tvg-chno="1" tvg-name="News  Live" tvg-logo="http://logo/1.png" group-title="4",News  Live`+"\n")
	assert.Contains(t, out, "http://tv.local:8080/play/10\n")
	assert.NotContains(t, out, "skipped")
	assert.Contains(t, out, `tvg-id="2"`)
	assert.Contains(t, out, ",Channel 2\n")
	assert.Contains(t, out, "http://tv.local:8080/play/a%20b\n")
	assert.Contains(t, out, ",Channel 4\n")
	assert.Equal(t, 3, strings.Count(out, "#EXTINF"))
}

func TestServer_playlist(t *testing.T) {
	l := &fakeLister{chans: []catalog.Channel{{ID: "1", Name: "One"}}}
	s := newTestServer(l)
	s.PublicURL = "http://public:9000/"
	w := get(t, s.Handler(), "/playlist.m3u")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "audio/x-mpegurl; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "http://public:9000/play/1\n")
	assert.Equal(t, int32(0), l.forced.Load())

	get(t, s.Handler(), "/playlist.m3u?refresh=1")
	assert.Equal(t, int32(1), l.forced.Load())
}

func TestServer_playlistDerivesBaseFromRequest(t *testing.T) {
	s := newTestServer(&fakeLister{chans: []catalog.Channel{{ID: "1"}}})
	req := httptest.NewRequest(http.MethodGet, "/playlist.m3u", nil)
	req.Host = "box.lan:8080"
	req.Header.Set("X-Forwarded-Proto", "https")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Contains(t, w.Body.String(), "https://box.lan:8080/play/1\n")
}

func TestServer_playlistPortalError(t *testing.T) {
	s := newTestServer(&fakeLister{err: stb.ErrHandshakeNotFound})
	w := get(t, s.Handler(), "/playlist.m3u")
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestServer_play(t *testing.T) {
	l := &fakeLister{urls: map[string]string{"1": "http://stream/1.ts", "2": ""}}
	h := newTestServer(l).Handler()

	w := get(t, h, "/play/1")
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "http://stream/1.ts", w.Header().Get("Location"))

	assert.Equal(t, http.StatusNotFound, get(t, h, "/play/2").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/play/404").Code)

	l.err = &stb.AuthError{Action: "create_link", FreshToken: true}
	assert.Equal(t, http.StatusBadGateway, get(t, h, "/play/1").Code)
}

func TestServer_channelsJSON(t *testing.T) {
	l := &fakeLister{chans: []catalog.Channel{{ID: "1", Name: "One", HD: true}}}
	w := get(t, newTestServer(l).Handler(), "/channels.json")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Channels []catalog.Channel `json:"channels"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Channels, 1)
	assert.Equal(t, "One", body.Channels[0].Name)
	assert.True(t, body.Channels[0].HD)
}

func TestServer_health(t *testing.T) {
	l := &fakeLister{chans: []catalog.Channel{{ID: "1"}, {ID: "2"}}}
	s := newTestServer(l)
	h := s.Handler()

	w := get(t, h, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","channels":0}`, w.Body.String())

	get(t, h, "/channels.json")
	w = get(t, h, "/healthz")
	assert.Contains(t, w.Body.String(), `"channels":2`)
	assert.Contains(t, w.Body.String(), `"last_refresh"`)

	s.Portal = tokenFunc(func(context.Context) (string, error) { return "", errors.New("portal down") })
	w = get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "portal down")
}

func TestServer_metrics(t *testing.T) {
	w := get(t, newTestServer(&fakeLister{}).Handler(), "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
