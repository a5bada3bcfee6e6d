package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	// :memory: databases are per-connection
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	if err := migrate(db); err != nil {
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS photos (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			url TEXT NOT NULL,
			public_id TEXT NOT NULL DEFAULT '',
			client_id TEXT NOT NULL,
			size INTEGER NOT NULL DEFAULT 0,
			content_type TEXT NOT NULL DEFAULT '',
			uploaded_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_photos_client ON photos(client_id);

		CREATE TABLE IF NOT EXISTS sessions (
			client_id TEXT PRIMARY KEY,
			paid INTEGER NOT NULL DEFAULT 0,
			stripe_session_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);
	`)
	return err
}

// SavePhotos inserts the batch in one transaction: either every record is
// written or none is.
func (s *SQLiteStore) SavePhotos(ctx context.Context, photos []*Photo) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO photos (id, name, url, public_id, client_id, size, content_type, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range photos {
		if _, err := stmt.ExecContext(ctx, p.ID, p.Name, p.URL, p.PublicID, p.ClientID, p.Size, p.ContentType, p.UploadedAt); err != nil {
			return fmt.Errorf("insert photo %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListPhotos(ctx context.Context, clientID string) ([]*Photo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, url, public_id, client_id, size, content_type, uploaded_at
		FROM photos WHERE client_id = ?
		ORDER BY uploaded_at, rowid
	`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	photos := []*Photo{}
	for rows.Next() {
		p, err := scanPhoto(rows)
		if err != nil {
			return nil, err
		}
		photos = append(photos, p)
	}
	return photos, rows.Err()
}

func (s *SQLiteStore) GetPhoto(ctx context.Context, id string) (*Photo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, url, public_id, client_id, size, content_type, uploaded_at
		FROM photos WHERE id = ?
	`, id)
	p, err := scanPhoto(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPhoto(row scanner) (*Photo, error) {
	var p Photo
	if err := row.Scan(&p.ID, &p.Name, &p.URL, &p.PublicID, &p.ClientID, &p.Size, &p.ContentType, &p.UploadedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) CountPhotos(ctx context.Context, clientID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM photos WHERE client_id = ?`, clientID).Scan(&n)
	return n, err
}

func (s *SQLiteStore) GetSession(ctx context.Context, clientID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT client_id, paid, stripe_session_id, created_at
		FROM sessions WHERE client_id = ?
	`, clientID)

	var sess Session
	var paid int
	err := row.Scan(&sess.ClientID, &paid, &sess.StripeSessionID, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.Paid = paid == 1
	return &sess, nil
}

func (s *SQLiteStore) MarkSessionPaid(ctx context.Context, clientID, stripeSessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (client_id, paid, stripe_session_id, created_at)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET paid = 1, stripe_session_id = excluded.stripe_session_id
	`, clientID, stripeSessionID, time.Now().UTC())
	return err
}

func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(size), 0),
			COUNT(DISTINCT client_id),
			COALESCE(MIN(uploaded_at), ''),
			COALESCE(MAX(uploaded_at), '')
		FROM photos
	`)
	var oldest, newest string
	if err := row.Scan(&stats.TotalPhotos, &stats.TotalBytes, &stats.Clients, &oldest, &newest); err != nil {
		return nil, err
	}
	stats.OldestUpload = parseSQLiteTime(oldest)
	stats.NewestUpload = parseSQLiteTime(newest)

	row = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM sessions WHERE paid = 1),
			(SELECT COALESCE(SUM(p.size), 0) FROM photos p
				JOIN sessions s ON s.client_id = p.client_id WHERE s.paid = 1)
	`)
	if err := row.Scan(&stats.PaidSessions, &stats.PaidBytes); err != nil {
		return nil, err
	}

	return stats, nil
}

// Aggregates lose the DATETIME column type, so MIN/MAX come back as text.
func parseSQLiteTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02T15:04:05.999999999-07:00",
		"2006-01-02 15:04:05",
		time.RFC3339Nano,
	} {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
