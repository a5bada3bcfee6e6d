package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"photodrop/internal/logging"
	"photodrop/internal/store"
)

const (
	// MaxPhotoSize is the largest accepted image (10 MiB).
	MaxPhotoSize = 10 << 20
	// MaxFilesPerUpload caps the number of images in one request.
	MaxFilesPerUpload = 20
)

var allowedImageTypes = map[string]bool{
	"jpeg": true,
	"jpg":  true,
	"png":  true,
	"gif":  true,
	"webp": true,
}

var (
	ErrValidation = errors.New("invalid upload")
	// ErrStorage is returned when the media host or the record store fails
	// during an upload.
	ErrStorage = errors.New("storage error")
)

// ValidationError reports input rejected before any storage write. It matches
// ErrValidation with errors.Is.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// PhotoFile is one submitted image.
type PhotoFile struct {
	Name        string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

// Service handles photo uploads.
type Service struct {
	storage Storage
	store   store.Store
	now     func() time.Time

	mu        sync.Mutex
	lastStamp time.Time
}

// NewService creates a new photo service.
func NewService(storage Storage, st store.Store) *Service {
	return &Service{
		storage: storage,
		store:   st,
		now:     time.Now,
	}
}

// ValidatePhoto checks a file's extension, declared content type and size.
func ValidatePhoto(name, contentType string, size int64) error {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	if !allowedImageTypes[ext] {
		return invalid("Only image files are allowed")
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return invalid("Only image files are allowed")
	}
	kind, sub, ok := strings.Cut(strings.ToLower(mediaType), "/")
	if !ok || kind != "image" || !allowedImageTypes[sub] {
		return invalid("Only image files are allowed")
	}
	if size > MaxPhotoSize {
		return invalid("File %s is too large (max %s)", name, humanize.IBytes(MaxPhotoSize))
	}
	return nil
}

// Upload validates every file, stores each at the media host and writes one
// record per file in a single batch. Nothing is stored unless every file
// passes validation; if any write fails the blobs already stored are removed
// and no records are returned.
func (s *Service) Upload(ctx context.Context, clientID string, photos []PhotoFile) ([]*store.Photo, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil, invalid("Client ID required")
	}
	if len(photos) == 0 {
		return nil, invalid("No files uploaded")
	}
	if len(photos) > MaxFilesPerUpload {
		return nil, invalid("Too many files (max %d per upload)", MaxFilesPerUpload)
	}
	for _, p := range photos {
		if err := ValidatePhoto(p.Name, p.ContentType, p.Size); err != nil {
			return nil, err
		}
	}

	var stored []*Object
	records := make([]*store.Photo, 0, len(photos))
	var total int64

	for _, p := range photos {
		obj, err := s.storeOne(ctx, p)
		if err != nil {
			logging.Media.Printf("upload for client %s failed on %q: %v", clientID, p.Name, err)
			s.rollback(stored)
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		stored = append(stored, obj)
		total += obj.Size

		records = append(records, &store.Photo{
			ID:          uuid.NewString(),
			Name:        filepath.Base(p.Name),
			URL:         obj.URL,
			PublicID:    obj.Key,
			ClientID:    clientID,
			Size:        obj.Size,
			ContentType: p.ContentType,
			UploadedAt:  s.stamp(),
		})
	}

	if err := s.store.SavePhotos(ctx, records); err != nil {
		logging.Store.Printf("failed to save %d records for client %s: %v", len(records), clientID, err)
		s.rollback(stored)
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	logging.Media.Printf("client %s uploaded %d photo(s), %s", clientID, len(records), humanize.Bytes(uint64(total)))
	return records, nil
}

// stamp returns an upload time at millisecond precision, strictly after the
// previous one, so stores ordering by time keep upload order.
func (s *Service) stamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.now().UTC().Truncate(time.Millisecond)
	if !t.After(s.lastStamp) {
		t = s.lastStamp.Add(time.Millisecond)
	}
	s.lastStamp = t
	return t
}

func (s *Service) storeOne(ctx context.Context, p PhotoFile) (*Object, error) {
	r, err := p.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	key := uuid.NewString() + strings.ToLower(filepath.Ext(p.Name))
	return s.storage.Save(ctx, key, p.ContentType, io.LimitReader(r, MaxPhotoSize+1), p.Size)
}

// rollback removes blobs stored for a failed batch. It runs detached from the
// request context so a cancelled request still cleans up.
func (s *Service) rollback(objs []*Object) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, obj := range objs {
		if err := s.storage.Delete(ctx, obj.Key); err != nil && !errors.Is(err, ErrNotFound) {
			logging.Media.Printf("failed to remove orphaned blob %s: %v", obj.Key, err)
		}
	}
}

// ListPhotos returns a client's photos.
func (s *Service) ListPhotos(ctx context.Context, clientID string) ([]*store.Photo, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil, invalid("Client ID required")
	}
	return s.store.ListPhotos(ctx, clientID)
}

// GetPhoto returns a photo only if it belongs to clientID.
func (s *Service) GetPhoto(ctx context.Context, clientID, id string) (*store.Photo, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil, invalid("Client ID required")
	}
	p, err := s.store.GetPhoto(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.ClientID != clientID {
		return nil, store.ErrNotFound
	}
	return p, nil
}
