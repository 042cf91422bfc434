// Package etagstore persists the per-source validator state (ETag,
// Last-Modified, body digest) that drives 304 skipping.
package etagstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS etags (
	url           TEXT PRIMARY KEY,
	etag          TEXT NOT NULL DEFAULT '',
	last_modified TEXT NOT NULL DEFAULT '',
	body_digest   TEXT NOT NULL DEFAULT '',
	last_fetch_at INTEGER NOT NULL DEFAULT 0
);`

// Store is a durable ETag validator cache.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite-backed store at path, applying
// the pragmas shared with the Disk Queue and Test Cache (WAL,
// synchronous=NORMAL, temp_store=MEMORY).
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("etagstore: open %s: %w", path, err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("etagstore: pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("etagstore: schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Validator is the persisted conditional-GET state for one source URL.
type Validator struct {
	ETag         string
	LastModified string
	BodyDigest   string
	LastFetchAt  int64
}

// Get returns the Validator for url, or (Validator{}, false) if unknown.
func (s *Store) Get(ctx context.Context, url string) (Validator, bool, error) {
	var v Validator
	err := s.db.QueryRowContext(ctx,
		`SELECT etag, last_modified, body_digest, last_fetch_at FROM etags WHERE url = ?`, url,
	).Scan(&v.ETag, &v.LastModified, &v.BodyDigest, &v.LastFetchAt)
	if err == sql.ErrNoRows {
		return Validator{}, false, nil
	}
	if err != nil {
		return Validator{}, false, fmt.Errorf("etagstore: get %s: %w", url, err)
	}
	return v, true, nil
}

// Put upserts the Validator for url.
func (s *Store) Put(ctx context.Context, url string, v Validator) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO etags (url, etag, last_modified, body_digest, last_fetch_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			etag=excluded.etag,
			last_modified=excluded.last_modified,
			body_digest=excluded.body_digest,
			last_fetch_at=excluded.last_fetch_at`,
		url, v.ETag, v.LastModified, v.BodyDigest, v.LastFetchAt)
	if err != nil {
		return fmt.Errorf("etagstore: put %s: %w", url, err)
	}
	return nil
}
