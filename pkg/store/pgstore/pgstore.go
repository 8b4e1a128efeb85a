// Package pgstore persists records in PostgreSQL.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/fruitsalade/remotesync/internal/logging"
	"github.com/fruitsalade/remotesync/pkg/store"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS remotesync_records (
	path            TEXT PRIMARY KEY,
	body            BYTEA,
	content_type    TEXT NOT NULL DEFAULT '',
	revision        TEXT NOT NULL DEFAULT '',
	remote_revision TEXT NOT NULL DEFAULT '',
	deleted         BOOLEAN NOT NULL DEFAULT FALSE,
	dirty           BOOLEAN NOT NULL DEFAULT FALSE,
	modified        TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// Store is a PostgreSQL record backend.
type Store struct {
	db *sql.DB
}

// New connects to databaseURL and creates the records table if needed.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	logging.Debug("Record table ready", zap.String("table", "remotesync_records"))
	return &Store{db: db}, nil
}

const selectColumns = `path, body, content_type, revision, remote_revision, deleted, dirty, modified`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*store.Record, error) {
	var rec store.Record
	if err := row.Scan(&rec.Path, &rec.Body, &rec.ContentType, &rec.Revision,
		&rec.RemoteRevision, &rec.Deleted, &rec.Dirty, &rec.Modified); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) Load(ctx context.Context, path string) (*store.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM remotesync_records WHERE path = $1`, path)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query record: %w", err)
	}
	return rec, nil
}

func (s *Store) Save(ctx context.Context, rec *store.Record) error {
	modified := rec.Modified
	if modified.IsZero() {
		modified = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO remotesync_records (path, body, content_type, revision, remote_revision, deleted, dirty, modified)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (path) DO UPDATE SET
		   body = EXCLUDED.body,
		   content_type = EXCLUDED.content_type,
		   revision = EXCLUDED.revision,
		   remote_revision = EXCLUDED.remote_revision,
		   deleted = EXCLUDED.deleted,
		   dirty = EXCLUDED.dirty,
		   modified = EXCLUDED.modified`,
		rec.Path, rec.Body, rec.ContentType, rec.Revision, rec.RemoteRevision, rec.Deleted, rec.Dirty, modified)
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM remotesync_records WHERE path = $1`, path); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// List matches on a literal prefix so paths containing LIKE wildcards are safe.
func (s *Store) List(ctx context.Context, prefix string) ([]*store.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM remotesync_records
		 WHERE left(path, length($1)) = $1 ORDER BY path`, prefix)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []*store.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Truncate removes every record.
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `TRUNCATE remotesync_records`)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}
