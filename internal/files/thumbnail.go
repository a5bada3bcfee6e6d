package files

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nfnt/resize"
	"golang.org/x/sync/singleflight"
	_ "golang.org/x/image/webp"
	"photodrop/internal/logging"
	"photodrop/internal/store"
)

const (
	ThumbnailSize        = 300
	thumbnailQuality     = 80
	defaultThumbCacheLen = 512
	defaultThumbTimeout  = 30 * time.Second
)

// Thumbnailer renders and caches JPEG previews of stored photos.
type Thumbnailer struct {
	fetcher Fetcher
	timeout time.Duration
	group   singleflight.Group
	cache   *lru.Cache[string, []byte]
}

// NewThumbnailer creates a thumbnailer keeping at most cacheLen previews.
// timeout bounds each render, independent of the requests waiting on it.
func NewThumbnailer(fetcher Fetcher, cacheLen int, timeout time.Duration) *Thumbnailer {
	if cacheLen <= 0 {
		cacheLen = defaultThumbCacheLen
	}
	if timeout <= 0 {
		timeout = defaultThumbTimeout
	}
	cache, err := lru.New[string, []byte](cacheLen)
	if err != nil {
		// only possible for a non-positive size
		panic(err)
	}
	return &Thumbnailer{fetcher: fetcher, timeout: timeout, cache: cache}
}

// Thumbnail returns the JPEG preview for p. Concurrent calls for the same
// photo share one render; a caller giving up does not abort it for the rest.
func (t *Thumbnailer) Thumbnail(ctx context.Context, p *store.Photo) ([]byte, error) {
	if data, ok := t.cache.Get(p.ID); ok {
		return data, nil
	}

	ch := t.group.DoChan(p.ID, func() (any, error) {
		if data, ok := t.cache.Get(p.ID); ok {
			return data, nil
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
		defer cancel()
		data, err := t.render(rctx, p)
		if err != nil {
			return nil, err
		}
		t.cache.Add(p.ID, data)
		return data, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

func (t *Thumbnailer) render(ctx context.Context, p *store.Photo) ([]byte, error) {
	body, err := t.fetcher.Fetch(ctx, p.URL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	src, format, err := image.Decode(io.LimitReader(body, MaxPhotoSize+1))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", p.ID, err)
	}
	thumb := resize.Thumbnail(ThumbnailSize, ThumbnailSize, src, resize.Lanczos3)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: thumbnailQuality}); err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.ID, err)
	}
	logging.Media.Printf("rendered %s thumbnail for %s (%d bytes)", format, p.ID, buf.Len())
	return buf.Bytes(), nil
}

// Len reports how many previews are cached.
func (t *Thumbnailer) Len() int {
	return t.cache.Len()
}
