package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"github.com/skerit/stbroker/internal/logging"
	"github.com/skerit/stbroker/internal/stb"
)

var (
	ErrNoCommand          = errors.New("catalog: no command found")
	ErrNoStreamURL        = errors.New("catalog: url could not be extracted from command")
	ErrChannelNotFound    = errors.New("catalog: channel not found")
	ErrUnexpectedResponse = errors.New("catalog: unexpected channel list response")
)

// Portal is the part of *stb.Client the lister needs.
type Portal interface {
	Authorize(ctx context.Context) error
	Action(ctx context.Context, action string, opts stb.ActionOptions) (*stb.Response, error)
}

// Cache persists the channel list between runs.
type Cache interface {
	Load(ctx context.Context) (channels []Channel, fetchedAt time.Time, err error)
	Save(ctx context.Context, channels []Channel) error
}

type ListerOptions struct {
	// RenewChannelList resolves stream URLs from a freshly fetched channel
	// list instead of calling create_link.
	RenewChannelList bool
	// Cache is consulted before the first fetch; nil disables persistence.
	Cache Cache
	// CacheTTL is how old a cached list may be; 0 accepts any age.
	CacheTTL time.Duration
	// FetchTimeout bounds one shared channel list fetch; 0 means two minutes.
	FetchTimeout time.Duration
	Logger       *logging.Logger
}

const defaultFetchTimeout = 2 * time.Minute

// Lister fetches and caches the channel list and resolves stream URLs.
type Lister struct {
	portal Portal
	opts   ListerOptions
	log    *logging.Logger

	group    singleflight.Group
	mu       sync.Mutex
	channels []Channel
}

func NewLister(p Portal, opts ListerOptions) *Lister {
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	return &Lister{portal: p, opts: opts, log: log.WithComponent("catalog")}
}

// Channels returns the channel list. The list is fetched once and reused;
// force fetches it again. Concurrent callers share one fetch, which runs
// detached from their contexts: a caller that gives up gets ctx.Err() and
// leaves the fetch running for the others.
func (l *Lister) Channels(ctx context.Context, force bool) ([]Channel, error) {
	if !force {
		if chans := l.cached(); chans != nil {
			return chans, nil
		}
		if chans := l.loadCache(ctx); chans != nil {
			return chans, nil
		}
	}
	key := "channels"
	if force {
		key = "channels-forced"
	}
	ch := l.group.DoChan(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.opts.FetchTimeout)
		defer cancel()
		return l.fetch(fctx)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return clone(r.Val.([]Channel)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Lister) cached() []Channel {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.channels == nil {
		return nil
	}
	return clone(l.channels)
}

func (l *Lister) loadCache(ctx context.Context) []Channel {
	if l.opts.Cache == nil {
		return nil
	}
	chans, fetchedAt, err := l.opts.Cache.Load(ctx)
	if err != nil {
		l.log.Warn("channel cache load failed", "error", err)
		return nil
	}
	if len(chans) == 0 {
		return nil
	}
	if l.opts.CacheTTL > 0 && time.Since(fetchedAt) > l.opts.CacheTTL {
		l.log.Debug("channel cache expired", "fetched_at", fetchedAt)
		return nil
	}
	l.mu.Lock()
	l.channels = chans
	l.mu.Unlock()
	l.log.Debug("channel list loaded from cache", "channels", len(chans))
	return clone(chans)
}

func (l *Lister) fetch(ctx context.Context) ([]Channel, error) {
	if err := l.portal.Authorize(ctx); err != nil {
		return nil, fmt.Errorf("channels: %w", err)
	}
	resp, err := l.portal.Action(ctx, "get_all_channels", stb.ActionOptions{Type: "itv"})
	if err != nil {
		return nil, fmt.Errorf("channels: %w", err)
	}
	data := resp.JS.Get("data")
	if !data.IsArray() {
		return nil, ErrUnexpectedResponse
	}
	chans := make([]Channel, 0, len(data.Array()))
	data.ForEach(func(_, rec gjson.Result) bool {
		chans = append(chans, NewChannel(rec))
		return true
	})

	l.mu.Lock()
	l.channels = chans
	l.mu.Unlock()
	l.log.Info("channel list fetched", "channels", len(chans))

	if l.opts.Cache != nil {
		if err := l.opts.Cache.Save(ctx, chans); err != nil {
			l.log.Warn("channel cache save failed", "error", err)
		}
	}
	return chans, nil
}

// StreamURL resolves the playable URL for ch.
func (l *Lister) StreamURL(ctx context.Context, ch Channel) (string, error) {
	if l.opts.RenewChannelList {
		return l.renewedStreamURL(ctx, ch.ID)
	}
	if ch.Cmd == "" {
		return "", ErrNoCommand
	}
	if err := l.portal.Authorize(ctx); err != nil {
		return "", fmt.Errorf("stream url: %w", err)
	}
	resp, err := l.portal.Action(ctx, "create_link", stb.ActionOptions{
		Type:   "itv",
		Params: stb.Params{{Key: "cmd", Value: ch.Cmd}, {Key: "disable_ad", Value: "0"}},
	})
	if err != nil {
		return "", fmt.Errorf("stream url: %w", err)
	}
	cmd := resp.JS.Get("cmd").String()
	if cmd == "" {
		cmd = ch.Cmd
	}
	u := ExtractURL(cmd)
	if u == "" {
		return "", ErrNoStreamURL
	}
	l.log.Debug("stream url resolved", "channel", ch.ID, "url", u)
	return u, nil
}

func (l *Lister) renewedStreamURL(ctx context.Context, id string) (string, error) {
	chans, err := l.Channels(ctx, true)
	if err != nil {
		return "", err
	}
	ch, ok := Find(chans, id)
	if !ok {
		return "", ErrChannelNotFound
	}
	if ch.Cmd == "" {
		return "", ErrNoCommand
	}
	u := ExtractURL(ch.Cmd)
	if u == "" {
		return "", ErrNoStreamURL
	}
	return u, nil
}

// StreamURLByID looks id up in the (cached) channel list and resolves it.
func (l *Lister) StreamURLByID(ctx context.Context, id string) (string, error) {
	chans, err := l.Channels(ctx, false)
	if err != nil {
		return "", err
	}
	ch, ok := Find(chans, id)
	if !ok {
		return "", ErrChannelNotFound
	}
	return l.StreamURL(ctx, ch)
}

func clone(chans []Channel) []Channel {
	out := make([]Channel, len(chans))
	copy(out, chans)
	return out
}
