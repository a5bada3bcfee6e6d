package files

import (
	"context"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"photodrop/internal/logging"
)

// DefaultS3Endpoint is Backblaze B2's S3-compatible endpoint.
const DefaultS3Endpoint = "s3.us-east-005.backblazeb2.com"

// ObjectClient is the subset of *minio.Client used by S3Storage.
type ObjectClient interface {
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (ObjectReader, error)
	RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error
}

// ObjectReader is an open object body.
type ObjectReader interface {
	io.ReadCloser
	Stat() (minio.ObjectInfo, error)
}

// minioClient adapts *minio.Client to ObjectClient.
type minioClient struct {
	*minio.Client
}

func (c minioClient) GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (ObjectReader, error) {
	return c.Client.GetObject(ctx, bucket, key, opts)
}

// S3Storage implements Storage on any S3-compatible object store.
type S3Storage struct {
	client    ObjectClient
	endpoint  string
	useSSL    bool
	bucket    string
	prefix    string
	publicURL string // Base URL for public access (e.g., "https://f005.backblazeb2.com/file/mybucket")
}

// S3Config holds configuration for S3 storage.
type S3Config struct {
	Endpoint  string // S3_ENDPOINT, defaults to DefaultS3Endpoint
	KeyID     string // S3_ACCESS_KEY
	AppKey    string // S3_SECRET_KEY
	Bucket    string // S3_BUCKET
	Prefix    string // S3_PREFIX - optional folder prefix for all objects
	PublicURL string // S3_PUBLIC_URL - base URL photos are served from
	UseSSL    bool
}

// NewS3Storage creates a new S3-backed storage.
func NewS3Storage(cfg S3Config) (*S3Storage, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultS3Endpoint
	}
	logging.Media.Printf("initializing storage (bucket=%s, prefix=%s, endpoint=%s)", cfg.Bucket, cfg.Prefix, endpoint)

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.KeyID, cfg.AppKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		logging.Media.Printf("failed to create client: %v", err)
		return nil, err
	}

	if cfg.PublicURL != "" {
		logging.Media.Printf("public URL configured: %s", cfg.PublicURL)
	}

	s := NewS3StorageWithClient(minioClient{client}, cfg.Bucket, cfg.Prefix, cfg.PublicURL)
	s.endpoint = endpoint
	s.useSSL = cfg.UseSSL
	return s, nil
}

// NewS3StorageWithClient creates an S3Storage around an existing client.
func NewS3StorageWithClient(client ObjectClient, bucket, prefix, publicURL string) *S3Storage {
	return &S3Storage{
		client:    client,
		endpoint:  DefaultS3Endpoint,
		useSSL:    true,
		bucket:    bucket,
		prefix:    strings.Trim(prefix, "/"),
		publicURL: publicURL,
	}
}

func (s *S3Storage) key(id string) string {
	if s.prefix == "" {
		return id
	}
	return path.Join(s.prefix, id)
}

func (s *S3Storage) Save(ctx context.Context, id, contentType string, data io.Reader, size int64) (*Object, error) {
	key := s.key(id)
	logging.Media.Printf("uploading %s to bucket %s", key, s.bucket)

	info, err := s.client.PutObject(ctx, s.bucket, key, data, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		logging.Media.Printf("upload failed for %s: %v", key, err)
		return nil, err
	}

	logging.Media.Printf("uploaded %s successfully (%d bytes)", key, info.Size)
	return &Object{Key: key, URL: s.ObjectURL(key), Size: info.Size}, nil
}

// Load opens an object. key is the provider reference returned by Save.
func (s *S3Storage) Load(ctx context.Context, key string) (io.ReadCloser, error) {
	logging.Media.Printf("loading %s from bucket %s", key, s.bucket)

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		logging.Media.Printf("failed to get object %s: %v", key, err)
		return nil, err
	}

	// GetObject is lazy; Stat surfaces a missing key.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		logging.Media.Printf("failed to stat object %s: %v", key, err)
		return nil, err
	}
	return obj, nil
}

// Delete removes an object. key is the provider reference returned by Save,
// which already carries the prefix.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	logging.Media.Printf("deleting %s from bucket %s", key, s.bucket)

	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return ErrNotFound
		}
		logging.Media.Printf("failed to delete %s: %v", key, err)
		return err
	}
	return nil
}

// URLPrefix is the common prefix of every ObjectURL.
func (s *S3Storage) URLPrefix() string {
	return s.ObjectURL("")
}

// ObjectURL returns the durable URL for an object key. The public URL is
// preferred; without one, the path-style endpoint URL is used.
func (s *S3Storage) ObjectURL(key string) string {
	if s.publicURL != "" {
		return strings.TrimSuffix(s.publicURL, "/") + "/" + key
	}
	scheme := "http"
	if s.useSSL {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: s.endpoint, Path: "/" + s.bucket + "/" + key}
	return u.String()
}
