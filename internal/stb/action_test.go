package stb

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionURL(t *testing.T) {
	c := newTestClient(t, Config{BaseURL: "http://h/stalker_portal"})
	p := Portal{Base: "http://h/stalker_portal"}

	got := c.actionURL(p, "get_ordered_list", ActionOptions{
		Type:   "itv",
		Params: Params{{"genre", "*"}, {"p", "2"}, {"fav", "0"}},
	})
	assert.Equal(t, "http://h/stalker_portal/server/load.php?type=itv&action=get_ordered_list&JsHttpRequest=1-xml&genre=%2A&p=2&fav=0", got)

	got = c.actionURL(p, "handshake", ActionOptions{NoJsHttpRequest: true})
	assert.Equal(t, "http://h/stalker_portal/server/load.php?type=stb&action=handshake", got)
}

func TestCookie(t *testing.T) {
	c := newTestClient(t, Config{BaseURL: "http://h", MAC: "00:1A:79:AB:CD:EF"})
	assert.Equal(t, "mac=00%3A1A%3A79%3AAB%3ACD%3AEF; stb_lang=en; timezone=Europe%2FKiev", c.cookie())

	c = newTestClient(t, Config{BaseURL: "http://h", MAC: "m", Lang: "nl", Timezone: "Europe/Brussels"})
	assert.Equal(t, "mac=m; stb_lang=nl; timezone=Europe%2FBrussels", c.cookie())
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name, ct, body string
		parsed         bool
		js             string
	}{
		{"json", "application/json", `{"js":{"a":1}}`, true, `{"a":1}`},
		{"javascript", "text/javascript; charset=UTF-8", `{"js":[1,2]}`, true, `[1,2]`},
		{"html", "text/html", `{"js":{"a":1}}`, false, ""},
		{"invalid json", "application/json", `{"js":`, false, ""},
		{"no content type", "", `{"js":1}`, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := parseResponse(&Result{StatusCode: 200, Header: http.Header{"Content-Type": {tt.ct}}, Body: tt.body})
			assert.Equal(t, tt.parsed, r.Parsed)
			assert.Equal(t, tt.body, r.Body)
			assert.Equal(t, tt.js, r.JS.Raw)
		})
	}
}

func TestAuthFailed(t *testing.T) {
	raw := parseResponse(&Result{Header: http.Header{"Content-Type": {"text/html"}}, Body: "Authorization failed."})
	assert.True(t, raw.authFailed())

	str := parseResponse(&Result{Header: http.Header{"Content-Type": {"application/json"}}, Body: `"Authorization failed"`})
	assert.True(t, str.authFailed())

	obj := parseResponse(&Result{Header: http.Header{"Content-Type": {"application/json"}}, Body: `{"js":"Authorization failed"}`})
	assert.False(t, obj.authFailed())
}

func TestAction_headers(t *testing.T) {
	fp := newFakePortal(t)
	c := newTestClient(t, Config{StartURL: fp.startURL()})

	resp, err := c.Action(context.Background(), "get_localization", ActionOptions{
		Header: http.Header{"X-Extra": {"1"}},
	})
	require.NoError(t, err)
	assert.True(t, resp.Parsed)
	assert.Equal(t, "tok1", resp.JS.Get("token").String())
	assert.Equal(t, "ok", resp.Text)

	hs := fp.lastRequest("handshake")
	require.NotNil(t, hs)
	assert.Empty(t, hs.Header.Get("Authorization"))
	assert.Equal(t, XUserAgent, hs.Header.Get("X-User-Agent"))
	assert.Contains(t, hs.Header.Get("Cookie"), "mac=00%3A1A%3A79%3A00%3A00%3A01")

	req := fp.lastRequest("get_localization")
	require.NotNil(t, req)
	assert.Equal(t, "Bearer tok1", req.Header.Get("Authorization"))
	assert.Equal(t, fp.srv.URL+"/stalker_portal/c/", req.Header.Get("Referer"))
	assert.Equal(t, UserAgent, req.Header.Get("User-Agent"))
	assert.Equal(t, "1", req.Header.Get("X-Extra"))
	assert.Equal(t, "stb", req.URL.Query().Get("type"))
	assert.Equal(t, "1-xml", req.URL.Query().Get("JsHttpRequest"))
}

func TestToken_singleFlight(t *testing.T) {
	fp := newFakePortal(t)
	fp.handshakeDelay = 50 * time.Millisecond
	c := newTestClient(t, Config{StartURL: fp.startURL()})

	var wg sync.WaitGroup
	tokens := make([]string, 10)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := c.Token(context.Background())
			assert.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()
	for _, tok := range tokens {
		assert.Equal(t, "tok1", tok)
	}
	assert.EqualValues(t, 1, fp.handshakes.Load())

	tok, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok1", tok)
	assert.EqualValues(t, 1, fp.handshakes.Load())
}

func TestAction_retriesOnceWithCachedToken(t *testing.T) {
	fp := newFakePortal(t)
	fp.accept = func(tok string) bool { return tok == "tok2" }
	c := newTestClient(t, Config{StartURL: fp.startURL()})

	tok, err := c.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok1", tok)

	resp, err := c.Action(context.Background(), "get_profile", ActionOptions{})
	require.NoError(t, err)
	assert.Equal(t, "tok2", resp.JS.Get("token").String())
	assert.Equal(t, 2, fp.count("get_profile"))
	assert.EqualValues(t, 2, fp.handshakes.Load())
}

func TestAction_freshTokenNotRetried(t *testing.T) {
	fp := newFakePortal(t)
	fp.accept = func(string) bool { return false }
	c := newTestClient(t, Config{StartURL: fp.startURL()})

	_, err := c.Action(context.Background(), "get_profile", ActionOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthorizationFailed))
	var ae *AuthError
	require.True(t, errors.As(err, &ae))
	assert.True(t, ae.FreshToken)
	assert.Equal(t, "get_profile", ae.Action)
	assert.Equal(t, 1, fp.count("get_profile"))
	assert.EqualValues(t, 1, fp.handshakes.Load())
}

func TestAction_noInfiniteRetry(t *testing.T) {
	fp := newFakePortal(t)
	fp.accept = func(string) bool { return false }
	c := newTestClient(t, Config{StartURL: fp.startURL()})

	_, err := c.Token(context.Background())
	require.NoError(t, err)

	_, err = c.Action(context.Background(), "get_profile", ActionOptions{})
	assert.ErrorIs(t, err, ErrAuthorizationFailed)
	assert.Equal(t, 2, fp.count("get_profile"))
	assert.EqualValues(t, 2, fp.handshakes.Load())
}

func TestAction_cookieAuthFailureNotRetried(t *testing.T) {
	fp := newFakePortal(t)
	fp.accept = func(string) bool { return false }
	c := newTestClient(t, Config{StartURL: fp.startURL()})

	_, err := c.Action(context.Background(), "get_events", ActionOptions{Auth: AuthCookie})
	assert.ErrorIs(t, err, ErrAuthorizationFailed)
	assert.Equal(t, 1, fp.count("get_events"))
	assert.EqualValues(t, 0, fp.handshakes.Load())
}

func TestHandshake_notFoundIsFatal(t *testing.T) {
	fp := newFakePortal(t)
	fp.handshakeStatus = http.StatusNotFound
	var fatal atomic.Value
	var reports atomic.Int32
	c := newTestClient(t, Config{StartURL: fp.startURL(), OnFatal: func(err error) {
		fatal.Store(err)
		reports.Add(1)
	}})

	_, err := c.Token(context.Background())
	assert.ErrorIs(t, err, ErrHandshakeNotFound)
	assert.Equal(t, ErrHandshakeNotFound, fatal.Load())

	// A later attempt fails the same way but is not reported again.
	_, err = c.Token(context.Background())
	assert.ErrorIs(t, err, ErrHandshakeNotFound)
	assert.EqualValues(t, 1, reports.Load())
}

func TestHandshake_noToken(t *testing.T) {
	fp := newFakePortal(t)
	fp.noToken = true
	c := newTestClient(t, Config{StartURL: fp.startURL()})

	_, err := c.Action(context.Background(), "get_profile", ActionOptions{})
	assert.ErrorIs(t, err, ErrNoToken)
	assert.Equal(t, 0, fp.count("get_profile"))
}

func TestAuthorize_once(t *testing.T) {
	fp := newFakePortal(t)
	fp.handshakeDelay = 20 * time.Millisecond
	c := newTestClient(t, Config{StartURL: fp.startURL()})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Authorize(context.Background()))
		}()
	}
	wg.Wait()
	require.NoError(t, c.Authorize(context.Background()))

	assert.EqualValues(t, 1, fp.handshakes.Load())
	assert.Equal(t, 1, fp.count("get_profile"))
	assert.Equal(t, 1, fp.count("get_localization"))
	assert.Equal(t, "get_profile", c.CachedProfile().Get("action").String())

	req := fp.lastRequest("get_profile")
	assert.Equal(t, "MAG254", req.URL.Query().Get("stb_type"))
}

func TestClient_warmup(t *testing.T) {
	fp := newFakePortal(t)
	c := newTestClient(t, Config{StartURL: fp.startURL()})
	go c.warmup()

	require.Eventually(t, func() bool { return fp.handshakes.Load() == 1 }, time.Second, 5*time.Millisecond)
	tok, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok1", tok)
}

func TestClient_closed(t *testing.T) {
	fp := newFakePortal(t)
	c := newTestClient(t, Config{StartURL: fp.startURL()})
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Action(context.Background(), "get_profile", ActionOptions{})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.Portal(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNew_validates(t *testing.T) {
	_, err := New(Config{MAC: "m"})
	assert.Error(t, err)
	_, err = New(Config{StartURL: "ftp://x", MAC: "m"})
	assert.Error(t, err)
	_, err = New(Config{StartURL: "http://x/c/"})
	assert.Error(t, err)
}
