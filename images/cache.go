package images

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const cacheSchema = `
CREATE TABLE IF NOT EXISTS images (
	url        TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	fetched_at INTEGER NOT NULL
);
`

// Cache persists downloaded image bytes in a SQLite file so a restart
// does not refetch every emote and badge.
type Cache struct {
	db     *sql.DB
	maxAge time.Duration
}

// OpenCache opens or creates the cache database at path. Entries older
// than maxAge are treated as missing; zero keeps them forever.
func OpenCache(path string, maxAge time.Duration) (*Cache, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}
	dsn := path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open image cache: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to image cache: %w", err)
	}
	if _, err := db.Exec(cacheSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create image cache schema: %w", err)
	}
	return &Cache{db: db, maxAge: maxAge}, nil
}

// Get returns the cached bytes for url.
func (c *Cache) Get(ctx context.Context, url string) ([]byte, bool, error) {
	var data []byte
	var fetched int64
	err := c.db.QueryRowContext(ctx, `SELECT data, fetched_at FROM images WHERE url = ?`, url).Scan(&data, &fetched)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if c.maxAge > 0 && time.Since(time.Unix(fetched, 0)) > c.maxAge {
		return nil, false, nil
	}
	return data, true, nil
}

// Put stores data for url, replacing any older copy.
func (c *Cache) Put(ctx context.Context, url string, data []byte) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO images (url, data, fetched_at) VALUES (?, ?, ?)`,
		url, data, time.Now().Unix())
	return err
}

// Len counts cached entries.
func (c *Cache) Len(ctx context.Context) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM images`).Scan(&n)
	return n, err
}

func (c *Cache) Close() error { return c.db.Close() }
