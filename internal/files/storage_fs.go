package files

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var ErrNotFound = errors.New("file not found")
var ErrInvalidKey = errors.New("invalid storage key")

// validKeyPattern allows a uuid-like stem and one extension (no path traversal possible)
var validKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*(\.[a-zA-Z0-9]+)?$`)

// FSStorage implements Storage using the local filesystem. Files are served by
// the API server itself under urlPrefix, so URLs are relative.
type FSStorage struct {
	basePath  string
	urlPrefix string
}

// NewFSStorage creates a new filesystem-based storage.
func NewFSStorage(basePath, urlPrefix string) (*FSStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, err
	}
	if urlPrefix == "" {
		urlPrefix = "/uploads/"
	}
	if !strings.HasSuffix(urlPrefix, "/") {
		urlPrefix += "/"
	}
	return &FSStorage{basePath: basePath, urlPrefix: urlPrefix}, nil
}

func (s *FSStorage) validateKey(key string) error {
	if key == "" || len(key) > 128 || !validKeyPattern.MatchString(key) {
		return ErrInvalidKey
	}
	return nil
}

func (s *FSStorage) path(key string) string {
	return filepath.Join(s.basePath, key)
}

// Dir returns the directory files are written to.
func (s *FSStorage) Dir() string {
	return s.basePath
}

func (s *FSStorage) Save(ctx context.Context, key, contentType string, data io.Reader, size int64) (*Object, error) {
	if err := s.validateKey(key); err != nil {
		return nil, err
	}
	f, err := os.Create(s.path(key))
	if err != nil {
		return nil, err
	}

	n, err := io.Copy(f, data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(s.path(key))
		return nil, err
	}

	return &Object{Key: key, URL: s.urlPrefix + key, Size: n}, nil
}

func (s *FSStorage) Load(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := s.validateKey(key); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

// URLPrefix is the path files are served under.
func (s *FSStorage) URLPrefix() string {
	return s.urlPrefix
}

func (s *FSStorage) Delete(ctx context.Context, key string) error {
	if err := s.validateKey(key); err != nil {
		return err
	}
	err := os.Remove(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	return err
}
