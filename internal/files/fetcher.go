package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// MaxRedirects is how many redirect hops a fetch follows.
const MaxRedirects = 1

var ErrTooManyRedirects = errors.New("too many redirects")

// Fetcher retrieves stored photo bytes by URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error)
}

// HTTPFetcher fetches blobs over HTTP. Relative URLs (local storage) are
// resolved against the server's own base URL.
type HTTPFetcher struct {
	client  *http.Client
	baseURL *url.URL
}

// NewHTTPFetcher creates a fetcher. Timeouts come from the caller's context.
func NewHTTPFetcher(baseURL string) (*HTTPFetcher, error) {
	var base *url.URL
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parse base url: %w", err)
		}
		base = u
	}
	return &HTTPFetcher{
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) > MaxRedirects {
					return ErrTooManyRedirects
				}
				return nil
			},
		},
		baseURL: base,
	}, nil
}

func (f *HTTPFetcher) resolve(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	if f.baseURL == nil {
		return "", fmt.Errorf("relative url %q without a base url", rawURL)
	}
	return f.baseURL.ResolveReference(u).String(), nil
}

// Fetch returns the response body for rawURL. Any non-2xx status is an error.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	target, err := f.resolve(rawURL)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: unexpected status %d", target, resp.StatusCode)
	}
	return resp.Body, nil
}

// StorageFetcher reads URLs under prefix straight from storage, so photos
// kept on local disk never loop back through the server's own HTTP stack.
// Other URLs go to next.
type StorageFetcher struct {
	storage Storage
	prefix  string
	next    Fetcher
}

func NewStorageFetcher(storage Storage, prefix string, next Fetcher) *StorageFetcher {
	return &StorageFetcher{storage: storage, prefix: prefix, next: next}
}

func (f *StorageFetcher) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	if key, ok := strings.CutPrefix(rawURL, f.prefix); ok && f.prefix != "" {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return f.storage.Load(ctx, key)
	}
	if f.next == nil {
		return nil, fmt.Errorf("no fetcher for %q", rawURL)
	}
	return f.next.Fetch(ctx, rawURL)
}
