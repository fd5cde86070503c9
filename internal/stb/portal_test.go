package stb

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skerit/stbroker/internal/httpclient"
	"github.com/skerit/stbroker/internal/logging"
)

// fakePortal is a minimal portal: load.php under /stalker_portal, a handshake
// that issues tok1, tok2, ... and token-authenticated actions that echo back.
type fakePortal struct {
	srv *httptest.Server

	handshakes      atomic.Int32
	handshakeDelay  time.Duration
	handshakeStatus int
	noToken         bool
	// accept decides whether a token is valid; nil accepts everything.
	accept func(token string) bool

	mu      sync.Mutex
	actions map[string]int
	last    map[string]*http.Request
}

func newFakePortal(t *testing.T) *fakePortal {
	t.Helper()
	fp := &fakePortal{actions: map[string]int{}, last: map[string]*http.Request{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/stalker_portal/c/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html><body>stb</body></html>")
	})
	mux.HandleFunc("/stalker_portal/server/load.php", fp.load)
	fp.srv = httptest.NewServer(mux)
	t.Cleanup(fp.srv.Close)
	return fp
}

func (fp *fakePortal) load(w http.ResponseWriter, r *http.Request) {
	action := r.URL.Query().Get("action")
	fp.mu.Lock()
	fp.actions[action]++
	fp.last[action] = r.Clone(r.Context())
	fp.mu.Unlock()

	if action == "handshake" {
		n := fp.handshakes.Add(1)
		if fp.handshakeDelay > 0 {
			time.Sleep(fp.handshakeDelay)
		}
		if fp.handshakeStatus != 0 {
			http.Error(w, "not found", fp.handshakeStatus)
			return
		}
		w.Header().Set("Content-Type", "text/javascript;charset=UTF-8")
		if fp.noToken {
			io.WriteString(w, `{"js":{}}`)
			return
		}
		fmt.Fprintf(w, `{"js":{"token":"tok%d"}}`, n)
		return
	}

	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if fp.accept != nil && !fp.accept(tok) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "Authorization failed.")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"js":{"action":%q,"token":%q},"text":"ok"}`, action, tok)
}

func (fp *fakePortal) count(action string) int {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.actions[action]
}

func (fp *fakePortal) lastRequest(action string) *http.Request {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.last[action]
}

func (fp *fakePortal) startURL() string {
	return fp.srv.URL + "/stalker_portal/c/"
}

// newTestClient builds a quiet client without background warm-up.
func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	if cfg.MAC == "" {
		cfg.MAC = "00:1A:79:00:00:01"
	}
	cfg.NoWarmup = true
	cfg.Logger = logging.Discard()
	cfg.HostSem = httpclient.NewHostSemaphore(16)
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}
