package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// Photo is the metadata record for one uploaded image. The bytes live at the
// media host; URL and PublicID point at them.
type Photo struct {
	ID          string    `json:"_id" bson:"_id"`
	Name        string    `json:"name" bson:"name"`
	URL         string    `json:"url" bson:"url"`
	PublicID    string    `json:"publicId,omitempty" bson:"publicId,omitempty"`
	ClientID    string    `json:"clientId" bson:"clientId"`
	Size        int64     `json:"size" bson:"size"`
	ContentType string    `json:"contentType,omitempty" bson:"contentType,omitempty"`
	UploadedAt  time.Time `json:"uploadedAt" bson:"uploadedAt"`
}

// Session tracks whether a client has paid. Paid is never cleared once set.
type Session struct {
	ClientID        string    `json:"clientId" bson:"clientId"`
	Paid            bool      `json:"paid" bson:"paid"`
	StripeSessionID string    `json:"stripeSessionId,omitempty" bson:"stripeSessionId,omitempty"`
	CreatedAt       time.Time `json:"createdAt" bson:"createdAt"`
}

// Stats contains aggregate statistics about stored photos and sessions.
type Stats struct {
	TotalPhotos  int
	TotalBytes   int64
	Clients      int // distinct client IDs with at least one photo
	PaidSessions int
	PaidBytes    int64
	OldestUpload time.Time
	NewestUpload time.Time
}

// Store defines the interface for metadata persistence.
type Store interface {
	// SavePhotos persists a batch of records from one upload.
	SavePhotos(ctx context.Context, photos []*Photo) error
	// ListPhotos returns a client's photos in upload order.
	ListPhotos(ctx context.Context, clientID string) ([]*Photo, error)
	GetPhoto(ctx context.Context, id string) (*Photo, error)
	CountPhotos(ctx context.Context, clientID string) (int, error)
	GetSession(ctx context.Context, clientID string) (*Session, error)
	// MarkSessionPaid creates the session if needed and records the payment.
	MarkSessionPaid(ctx context.Context, clientID, stripeSessionID string) error
	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}
