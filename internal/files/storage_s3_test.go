package files

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"
)

// mockObjectClient implements ObjectClient for testing.
type mockObjectClient struct {
	putFunc    func(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	getFunc    func(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (ObjectReader, error)
	removeFunc func(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error

	putCalls    []putCall
	getCalls    []getCall
	removeCalls []removeCall
}

type putCall struct {
	bucket      string
	key         string
	size        int64
	contentType string
}

type getCall struct {
	bucket string
	key    string
}

type removeCall struct {
	bucket string
	key    string
}

func (m *mockObjectClient) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	m.putCalls = append(m.putCalls, putCall{bucket: bucket, key: key, size: size, contentType: opts.ContentType})
	if m.putFunc != nil {
		return m.putFunc(ctx, bucket, key, reader, size, opts)
	}
	data, _ := io.ReadAll(reader)
	return minio.UploadInfo{Size: int64(len(data))}, nil
}

func (m *mockObjectClient) GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (ObjectReader, error) {
	m.getCalls = append(m.getCalls, getCall{bucket: bucket, key: key})
	if m.getFunc != nil {
		return m.getFunc(ctx, bucket, key, opts)
	}
	return nil, errors.New("not implemented")
}

// mockObject implements ObjectReader over an in-memory body.
type mockObject struct {
	*bytes.Reader
	statErr error
	closed  bool
}

func (o *mockObject) Stat() (minio.ObjectInfo, error) {
	if o.statErr != nil {
		return minio.ObjectInfo{}, o.statErr
	}
	return minio.ObjectInfo{Size: o.Size()}, nil
}

func (o *mockObject) Close() error {
	o.closed = true
	return nil
}

func (m *mockObjectClient) RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error {
	m.removeCalls = append(m.removeCalls, removeCall{bucket: bucket, key: key})
	if m.removeFunc != nil {
		return m.removeFunc(ctx, bucket, key, opts)
	}
	return nil
}

func TestS3Storage_Key(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		id     string
		want   string
	}{
		{"no prefix", "", "abc123.jpg", "abc123.jpg"},
		{"with prefix", "photos", "abc123.jpg", "photos/abc123.jpg"},
		{"prefix with slashes normalizes", "/photos/", "abc123.jpg", "photos/abc123.jpg"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			storage := NewS3StorageWithClient(nil, "bucket", tc.prefix, "")
			got := storage.key(tc.id)
			if got != tc.want {
				t.Errorf("key(%q) = %q, want %q", tc.id, got, tc.want)
			}
		})
	}
}

func TestS3Storage_ObjectURL(t *testing.T) {
	tests := []struct {
		name      string
		publicURL string
		key       string
		want      string
	}{
		{"endpoint fallback", "", "abc123.jpg", "https://" + DefaultS3Endpoint + "/bucket/abc123.jpg"},
		{"public URL without trailing slash", "https://cdn.example.com/bucket", "abc123.jpg", "https://cdn.example.com/bucket/abc123.jpg"},
		{"public URL with trailing slash", "https://cdn.example.com/bucket/", "abc123.jpg", "https://cdn.example.com/bucket/abc123.jpg"},
		{"prefixed key", "https://cdn.example.com/bucket", "photos/abc123.jpg", "https://cdn.example.com/bucket/photos/abc123.jpg"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			storage := NewS3StorageWithClient(nil, "bucket", "", tc.publicURL)
			got := storage.ObjectURL(tc.key)
			if got != tc.want {
				t.Errorf("ObjectURL(%q) = %q, want %q", tc.key, got, tc.want)
			}
		})
	}
}

func TestS3Storage_URLPrefix(t *testing.T) {
	storage := NewS3StorageWithClient(nil, "bucket", "photos", "https://cdn.example.com/")
	obj := storage.ObjectURL(storage.key("a.jpg"))
	if !strings.HasPrefix(obj, storage.URLPrefix()) {
		t.Errorf("ObjectURL %q does not start with URLPrefix %q", obj, storage.URLPrefix())
	}
	if got, _ := strings.CutPrefix(obj, storage.URLPrefix()); got != "photos/a.jpg" {
		t.Errorf("key after prefix = %q, want %q", got, "photos/a.jpg")
	}
}

func TestS3Storage_ObjectURLPlainHTTP(t *testing.T) {
	storage := NewS3StorageWithClient(nil, "photos", "", "")
	storage.endpoint = "localhost:9000"
	storage.useSSL = false

	want := "http://localhost:9000/photos/a.png"
	if got := storage.ObjectURL("a.png"); got != want {
		t.Errorf("ObjectURL = %q, want %q", got, want)
	}
}

func TestS3Storage_Save(t *testing.T) {
	ctx := context.Background()
	testData := []byte("hello, world!")

	t.Run("successful save", func(t *testing.T) {
		mock := &mockObjectClient{}
		storage := NewS3StorageWithClient(mock, "test-bucket", "", "https://cdn.example.com")

		obj, err := storage.Save(ctx, "testfile.png", "image/png", bytes.NewReader(testData), int64(len(testData)))
		if err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		if obj.Size != int64(len(testData)) {
			t.Errorf("Save returned %d bytes, want %d", obj.Size, len(testData))
		}
		if obj.URL != "https://cdn.example.com/testfile.png" {
			t.Errorf("URL = %q", obj.URL)
		}

		if len(mock.putCalls) != 1 {
			t.Fatalf("expected 1 put call, got %d", len(mock.putCalls))
		}
		call := mock.putCalls[0]
		if call.bucket != "test-bucket" {
			t.Errorf("bucket = %q, want %q", call.bucket, "test-bucket")
		}
		if call.key != "testfile.png" {
			t.Errorf("key = %q, want %q", call.key, "testfile.png")
		}
		if call.contentType != "image/png" {
			t.Errorf("content type = %q, want image/png", call.contentType)
		}
		if call.size != int64(len(testData)) {
			t.Errorf("size = %d, want %d", call.size, len(testData))
		}
	})

	t.Run("save with prefix returns prefixed key", func(t *testing.T) {
		mock := &mockObjectClient{}
		storage := NewS3StorageWithClient(mock, "test-bucket", "photos", "")

		obj, err := storage.Save(ctx, "testfile.jpg", "image/jpeg", bytes.NewReader(testData), -1)
		if err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		if mock.putCalls[0].key != "photos/testfile.jpg" {
			t.Errorf("key = %q, want %q", mock.putCalls[0].key, "photos/testfile.jpg")
		}
		if obj.Key != "photos/testfile.jpg" {
			t.Errorf("Object.Key = %q, want prefixed key", obj.Key)
		}
	})

	t.Run("save error", func(t *testing.T) {
		expectedErr := errors.New("upload failed")
		mock := &mockObjectClient{
			putFunc: func(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
				return minio.UploadInfo{}, expectedErr
			},
		}
		storage := NewS3StorageWithClient(mock, "test-bucket", "", "")

		_, err := storage.Save(ctx, "testfile.jpg", "image/jpeg", bytes.NewReader(testData), -1)
		if err != expectedErr {
			t.Errorf("expected error %v, got %v", expectedErr, err)
		}
	})
}

func TestS3Storage_Delete(t *testing.T) {
	ctx := context.Background()

	t.Run("successful delete", func(t *testing.T) {
		mock := &mockObjectClient{}
		storage := NewS3StorageWithClient(mock, "test-bucket", "photos", "")

		if err := storage.Delete(ctx, "photos/testfile.jpg"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		if len(mock.removeCalls) != 1 {
			t.Fatalf("expected 1 remove call, got %d", len(mock.removeCalls))
		}
		if mock.removeCalls[0].bucket != "test-bucket" {
			t.Errorf("bucket = %q, want %q", mock.removeCalls[0].bucket, "test-bucket")
		}
		// the key is used as returned by Save, no second prefix
		if mock.removeCalls[0].key != "photos/testfile.jpg" {
			t.Errorf("key = %q, want %q", mock.removeCalls[0].key, "photos/testfile.jpg")
		}
	})

	t.Run("delete not found", func(t *testing.T) {
		mock := &mockObjectClient{
			removeFunc: func(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error {
				return minio.ErrorResponse{Code: "NoSuchKey"}
			},
		}
		storage := NewS3StorageWithClient(mock, "test-bucket", "", "")

		err := storage.Delete(ctx, "nonexistent.jpg")
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("delete error", func(t *testing.T) {
		expectedErr := errors.New("delete failed")
		mock := &mockObjectClient{
			removeFunc: func(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error {
				return expectedErr
			},
		}
		storage := NewS3StorageWithClient(mock, "test-bucket", "", "")

		err := storage.Delete(ctx, "testfile.jpg")
		if err != expectedErr {
			t.Errorf("expected error %v, got %v", expectedErr, err)
		}
	})
}

func TestS3Storage_Load(t *testing.T) {
	ctx := context.Background()

	t.Run("successful load", func(t *testing.T) {
		mock := &mockObjectClient{
			getFunc: func(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (ObjectReader, error) {
				return &mockObject{Reader: bytes.NewReader([]byte("jpeg bytes"))}, nil
			},
		}
		storage := NewS3StorageWithClient(mock, "test-bucket", "photos", "")

		rc, err := storage.Load(ctx, "photos/testfile.jpg")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		defer rc.Close()
		data, _ := io.ReadAll(rc)
		if string(data) != "jpeg bytes" {
			t.Errorf("data = %q, want %q", data, "jpeg bytes")
		}
		if len(mock.getCalls) != 1 || mock.getCalls[0].key != "photos/testfile.jpg" {
			t.Errorf("getCalls = %+v", mock.getCalls)
		}
	})

	t.Run("load not found", func(t *testing.T) {
		obj := &mockObject{Reader: bytes.NewReader(nil), statErr: minio.ErrorResponse{Code: "NoSuchKey"}}
		mock := &mockObjectClient{
			getFunc: func(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (ObjectReader, error) {
				return obj, nil
			},
		}
		storage := NewS3StorageWithClient(mock, "test-bucket", "", "")

		_, err := storage.Load(ctx, "nonexistent.jpg")
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if !obj.closed {
			t.Error("object should be closed after a failed stat")
		}
	})

	t.Run("load error", func(t *testing.T) {
		expectedErr := errors.New("connection refused")
		mock := &mockObjectClient{
			getFunc: func(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (ObjectReader, error) {
				return nil, expectedErr
			},
		}
		storage := NewS3StorageWithClient(mock, "test-bucket", "", "")

		_, err := storage.Load(ctx, "testfile.jpg")
		if err != expectedErr {
			t.Errorf("expected error %v, got %v", expectedErr, err)
		}
	})
}
