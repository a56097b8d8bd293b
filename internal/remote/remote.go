// Package remote reads modification times and sizes of source and derived
// artifacts from their locators.
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2"

	"updatebot/internal/domain"
)

// Header is what a locator reports about itself. Either field may be absent.
type Header struct {
	LastModified  *time.Time
	ContentLength *int64
}

type Fetcher struct {
	Client *http.Client
	Logger *slog.Logger
	memo   *lru.Cache[string, Header]
}

// New returns a fetcher whose requests are bounded by timeout. memoSize
// successful lookups are kept until Reset.
func New(timeout time.Duration, memoSize int) (*Fetcher, error) {
	if memoSize <= 0 {
		memoSize = 1024
	}
	cache, err := lru.New[string, Header](memoSize)
	if err != nil {
		return nil, err
	}
	return &Fetcher{
		Client: &http.Client{Timeout: timeout},
		memo:   cache,
	}, nil
}

// Reset drops memoized headers. The crawl driver calls it once per pass so a
// later pass observes fresh remote state.
func (f *Fetcher) Reset() {
	if f.memo != nil {
		f.memo.Purge()
	}
}

func (f *Fetcher) LastModified(ctx context.Context, uri string) (*time.Time, error) {
	h, err := f.Head(ctx, uri)
	if err != nil {
		return nil, err
	}
	return h.LastModified, nil
}

func (f *Fetcher) ContentLength(ctx context.Context, uri string) (*int64, error) {
	h, err := f.Head(ctx, uri)
	if err != nil {
		return nil, err
	}
	return h.ContentLength, nil
}

// Head looks up the locator's metadata. http(s) locators are asked with a
// HEAD request; file locators are stat'ed.
func (f *Fetcher) Head(ctx context.Context, uri string) (Header, error) {
	if f.memo != nil {
		if h, ok := f.memo.Get(uri); ok {
			return h, nil
		}
	}
	u, err := url.Parse(strings.TrimSpace(uri))
	if err != nil {
		return Header{}, domain.Wrap(domain.ErrNetwork, "parse locator", err)
	}
	var h Header
	switch u.Scheme {
	case "http", "https":
		h, err = f.headHTTP(ctx, u.String())
	case "file", "":
		h, err = statFile(u.Path)
	default:
		return Header{}, domain.Errorf(domain.ErrNetwork, "head", "unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return Header{}, err
	}
	if f.memo != nil {
		f.memo.Add(uri, h)
	}
	return h, nil
}

func (f *Fetcher) headHTTP(ctx context.Context, uri string) (Header, error) {
	resp, err := f.do(ctx, http.MethodHead, uri)
	if err != nil {
		return Header{}, err
	}
	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		resp, err = f.do(ctx, http.MethodGet, uri)
		if err != nil {
			return Header{}, err
		}
	}
	if resp.StatusCode >= 400 {
		return Header{}, domain.Errorf(domain.ErrNetwork, "head", "%s returned %s", uri, resp.Status)
	}
	var h Header
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		t, err := http.ParseTime(lm)
		if err != nil {
			f.logger().Warn("unparseable Last-Modified header", "uri", uri, "value", lm)
		} else {
			h.LastModified = domain.Time(t)
		}
	}
	if resp.ContentLength >= 0 {
		h.ContentLength = domain.Int64(resp.ContentLength)
	}
	return h, nil
}

func (f *Fetcher) do(ctx context.Context, method, uri string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, uri, nil)
	if err != nil {
		return nil, domain.Wrap(domain.ErrNetwork, "build request", err)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, domain.Wrap(domain.ErrNetwork, fmt.Sprintf("%s %s", method, uri), err)
	}
	resp.Body.Close()
	return resp, nil
}

func statFile(path string) (Header, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Header{}, domain.Wrap(domain.ErrNetwork, "stat", err)
	}
	return Header{
		LastModified:  domain.Time(info.ModTime().Truncate(time.Second)),
		ContentLength: domain.Int64(info.Size()),
	}, nil
}

func (f *Fetcher) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}
