package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// PostgresConfig tunes the connection pool. Zero values keep pgx defaults.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MaxConnLifetime time.Duration
	ApplicationName string
}

// NewPostgresStore opens a pool and creates the schema if it is missing.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS photos (
			id TEXT PRIMARY KEY,
			seq BIGSERIAL,
			name TEXT NOT NULL,
			url TEXT NOT NULL,
			public_id TEXT NOT NULL DEFAULT '',
			client_id TEXT NOT NULL,
			size BIGINT NOT NULL DEFAULT 0,
			content_type TEXT NOT NULL DEFAULT '',
			uploaded_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_photos_client ON photos(client_id)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			client_id TEXT PRIMARY KEY,
			paid BOOLEAN NOT NULL DEFAULT FALSE,
			stripe_session_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) SavePhotos(ctx context.Context, photos []*Photo) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, p := range photos {
			batch.Queue(`
				INSERT INTO photos (id, name, url, public_id, client_id, size, content_type, uploaded_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			`, p.ID, p.Name, p.URL, p.PublicID, p.ClientID, p.Size, p.ContentType, p.UploadedAt)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

const photoColumns = `id, name, url, public_id, client_id, size, content_type, uploaded_at`

func (s *PostgresStore) ListPhotos(ctx context.Context, clientID string) ([]*Photo, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+photoColumns+` FROM photos WHERE client_id = $1 ORDER BY uploaded_at, seq`, clientID)
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

func (s *PostgresStore) GetPhoto(ctx context.Context, id string) (*Photo, error) {
	p, err := scanPhoto(s.pool.QueryRow(ctx, `SELECT `+photoColumns+` FROM photos WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *PostgresStore) CountPhotos(ctx context.Context, clientID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM photos WHERE client_id = $1`, clientID).Scan(&n)
	return n, err
}

func (s *PostgresStore) GetSession(ctx context.Context, clientID string) (*Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx, `
		SELECT client_id, paid, stripe_session_id, created_at FROM sessions WHERE client_id = $1
	`, clientID).Scan(&sess.ClientID, &sess.Paid, &sess.StripeSessionID, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *PostgresStore) MarkSessionPaid(ctx context.Context, clientID, stripeSessionID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (client_id, paid, stripe_session_id, created_at)
		VALUES ($1, TRUE, $2, $3)
		ON CONFLICT (client_id) DO UPDATE SET paid = TRUE, stripe_session_id = EXCLUDED.stripe_session_id
	`, clientID, stripeSessionID, time.Now().UTC())
	return err
}

func (s *PostgresStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	var oldest, newest *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(size), 0)::BIGINT, COUNT(DISTINCT client_id), MIN(uploaded_at), MAX(uploaded_at)
		FROM photos
	`).Scan(&stats.TotalPhotos, &stats.TotalBytes, &stats.Clients, &oldest, &newest)
	if err != nil {
		return nil, err
	}
	if oldest != nil {
		stats.OldestUpload = *oldest
	}
	if newest != nil {
		stats.NewestUpload = *newest
	}

	err = s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM sessions WHERE paid),
			(SELECT COALESCE(SUM(p.size), 0)::BIGINT FROM photos p JOIN sessions s ON s.client_id = p.client_id WHERE s.paid)
	`).Scan(&stats.PaidSessions, &stats.PaidBytes)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
