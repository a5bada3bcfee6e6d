package files

import (
	"context"
	"io"
)

// Object describes a blob stored at the media host.
type Object struct {
	Key  string // provider reference, needed to delete the blob
	URL  string // durable URL the blob can be fetched from
	Size int64
}

// Storage defines the interface for the media host.
type Storage interface {
	// Save stores data under key. size may be -1 when unknown.
	Save(ctx context.Context, key, contentType string, data io.Reader, size int64) (*Object, error)
	// Load opens the blob saved under key (the Object.Key Save returned).
	Load(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}
