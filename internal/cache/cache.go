// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrMiss indicates no artifact is cached for the key and strategy.
	ErrMiss = errors.New("cache miss")
	// ErrDatabase wraps SQLite failures.
	ErrDatabase = errors.New("cache database error")
)

// Entry is a cached build output.
type Entry struct {
	CacheKey    string
	Strategy    string
	ContentHash string
	Artifact    []byte
	Integrity   string
	Signature   string
	KeyID       string
	CreatedAt   time.Time
}

// Stats summarizes cache contents.
type Stats struct {
	Entries int64     `json:"entries"`
	Bytes   int64     `json:"bytes"`
	Oldest  time.Time `json:"oldest,omitempty"`
	Newest  time.Time `json:"newest,omitempty"`
}

// Cache is a build artifact cache. Implementations are safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, cacheKey, strategy string) (*Entry, error)
	Put(ctx context.Context, e Entry) error
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Open returns a SQLite cache at path, or a no-op cache when path is empty.
func Open(path string) (Cache, error) {
	if path == "" {
		return Nop{}, nil
	}
	return OpenSQLite(path)
}

// =============================================================================
// SQLITE
// =============================================================================

// SQLite is a Cache backed by a single-connection SQLite database.
type SQLite struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// OpenSQLite opens or creates the cache database.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	// SQLite allows one writer; build workers share the connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := db.Exec(InitMetadata); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLite{db: db, path: path, now: time.Now}, nil
}

// Path returns the database file path.
func (c *SQLite) Path() string {
	return c.path
}

// Get returns the cached entry or ErrMiss.
func (c *SQLite) Get(ctx context.Context, cacheKey, strategy string) (*Entry, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT content_hash, artifact, integrity, signature, key_id, created_at
		FROM artifacts WHERE cache_key = ? AND strategy = ?`, cacheKey, strategy)

	e := &Entry{CacheKey: cacheKey, Strategy: strategy}
	var created int64
	err := row.Scan(&e.ContentHash, &e.Artifact, &e.Integrity, &e.Signature, &e.KeyID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	e.CreatedAt = time.Unix(0, created).UTC()
	return e, nil
}

// Put inserts or replaces an entry.
func (c *SQLite) Put(ctx context.Context, e Entry) error {
	if e.CacheKey == "" || e.Strategy == "" {
		return fmt.Errorf("cache entry requires key and strategy")
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = c.now()
	}
	artifact := e.Artifact
	if artifact == nil {
		artifact = []byte{}
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO artifacts
			(cache_key, strategy, content_hash, artifact, integrity, signature, key_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.CacheKey, e.Strategy, e.ContentHash, artifact, e.Integrity, e.Signature, e.KeyID, created.UnixNano())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	return nil
}

// Prune deletes entries older than olderThan and returns how many went.
func (c *SQLite) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := c.now().Add(-olderThan).UnixNano()
	res, err := c.db.ExecContext(ctx, "DELETE FROM artifacts WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Stats reports entry count, total artifact bytes, and age range.
func (c *SQLite) Stats(ctx context.Context) (Stats, error) {
	var (
		s              Stats
		oldest, newest sql.NullInt64
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(LENGTH(artifact)), 0), MIN(created_at), MAX(created_at)
		FROM artifacts`).Scan(&s.Entries, &s.Bytes, &oldest, &newest)
	if err != nil {
		return s, fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	if oldest.Valid {
		s.Oldest = time.Unix(0, oldest.Int64).UTC()
	}
	if newest.Valid {
		s.Newest = time.Unix(0, newest.Int64).UTC()
	}
	return s, nil
}

// Close closes the database.
func (c *SQLite) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// =============================================================================
// NO-OP
// =============================================================================

// Nop is a Cache that stores nothing.
type Nop struct{}

func (Nop) Get(context.Context, string, string) (*Entry, error) { return nil, ErrMiss }
func (Nop) Put(context.Context, Entry) error                    { return nil }
func (Nop) Prune(context.Context, time.Duration) (int64, error) { return 0, nil }
func (Nop) Stats(context.Context) (Stats, error)                { return Stats{}, nil }
func (Nop) Close() error                                        { return nil }
