package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// runStoreTests exercises a Store implementation. Every backend must pass it.
func runStoreTests(t *testing.T, st Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("SaveAndList", func(t *testing.T) {
		batch := []*Photo{
			{ID: "p-1", Name: "IMG_0001.jpg", URL: "/uploads/p-1.jpg", ClientID: "123456", Size: 10, ContentType: "image/jpeg", UploadedAt: base},
			{ID: "p-2", Name: "IMG_0001.jpg", URL: "/uploads/p-2.jpg", PublicID: "ref-2", ClientID: "123456", Size: 20, UploadedAt: base.Add(time.Millisecond)},
			{ID: "p-3", Name: "other.png", URL: "/uploads/p-3.png", ClientID: "654321", Size: 30, UploadedAt: base},
		}
		if err := st.SavePhotos(ctx, batch); err != nil {
			t.Fatalf("failed to save: %v", err)
		}

		got, err := st.ListPhotos(ctx, "123456")
		if err != nil {
			t.Fatalf("failed to list: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 photos, got %d", len(got))
		}
		if got[0].ID != "p-1" || got[1].ID != "p-2" {
			t.Errorf("expected upload order [p-1 p-2], got [%s %s]", got[0].ID, got[1].ID)
		}
		if got[1].PublicID != "ref-2" || got[1].Size != 20 {
			t.Errorf("got %+v", got[1])
		}
		if !got[0].UploadedAt.Equal(base) {
			t.Errorf("UploadedAt = %v, want %v", got[0].UploadedAt, base)
		}
	})

	t.Run("ListEmpty", func(t *testing.T) {
		got, err := st.ListPhotos(ctx, "nobody")
		if err != nil {
			t.Fatalf("failed to list: %v", err)
		}
		if got == nil || len(got) != 0 {
			t.Errorf("expected empty non-nil slice, got %#v", got)
		}
	})

	t.Run("GetPhoto", func(t *testing.T) {
		p, err := st.GetPhoto(ctx, "p-3")
		if err != nil {
			t.Fatalf("failed to get: %v", err)
		}
		if p.ClientID != "654321" || p.Name != "other.png" {
			t.Errorf("got %+v", p)
		}

		_, err = st.GetPhoto(ctx, "missing")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("CountPhotos", func(t *testing.T) {
		n, err := st.CountPhotos(ctx, "123456")
		if err != nil {
			t.Fatalf("failed to count: %v", err)
		}
		if n != 2 {
			t.Errorf("expected 2, got %d", n)
		}
		n, _ = st.CountPhotos(ctx, "nobody")
		if n != 0 {
			t.Errorf("expected 0, got %d", n)
		}
	})

	t.Run("DuplicateIDRejected", func(t *testing.T) {
		err := st.SavePhotos(ctx, []*Photo{{ID: "p-1", Name: "dup", URL: "x", ClientID: "dup", UploadedAt: base}})
		if err == nil {
			t.Error("expected error inserting duplicate id")
		}
	})

	t.Run("SessionNotFound", func(t *testing.T) {
		_, err := st.GetSession(ctx, "123456")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("MarkSessionPaid", func(t *testing.T) {
		if err := st.MarkSessionPaid(ctx, "123456", "cs_test_1"); err != nil {
			t.Fatalf("failed to mark paid: %v", err)
		}
		sess, err := st.GetSession(ctx, "123456")
		if err != nil {
			t.Fatalf("failed to get session: %v", err)
		}
		if !sess.Paid || sess.StripeSessionID != "cs_test_1" {
			t.Errorf("got %+v", sess)
		}
		created := sess.CreatedAt

		// Re-verification upserts the same row
		if err := st.MarkSessionPaid(ctx, "123456", "cs_test_2"); err != nil {
			t.Fatalf("failed to mark paid again: %v", err)
		}
		sess, _ = st.GetSession(ctx, "123456")
		if !sess.Paid || sess.StripeSessionID != "cs_test_2" {
			t.Errorf("got %+v", sess)
		}
		if !sess.CreatedAt.Equal(created) {
			t.Errorf("CreatedAt changed on upsert: %v -> %v", created, sess.CreatedAt)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		stats, err := st.GetStats(ctx)
		if err != nil {
			t.Fatalf("failed to get stats: %v", err)
		}
		if stats.TotalPhotos != 3 {
			t.Errorf("TotalPhotos = %d, want 3", stats.TotalPhotos)
		}
		if stats.TotalBytes != 60 {
			t.Errorf("TotalBytes = %d, want 60", stats.TotalBytes)
		}
		if stats.Clients != 2 {
			t.Errorf("Clients = %d, want 2", stats.Clients)
		}
		if stats.PaidSessions != 1 {
			t.Errorf("PaidSessions = %d, want 1", stats.PaidSessions)
		}
		if stats.PaidBytes != 30 {
			t.Errorf("PaidBytes = %d, want 30", stats.PaidBytes)
		}
		if stats.OldestUpload.IsZero() || stats.NewestUpload.IsZero() {
			t.Errorf("expected upload range, got %v - %v", stats.OldestUpload, stats.NewestUpload)
		}
	})
}

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}
