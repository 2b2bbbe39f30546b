package image

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Cache: digest-keyed compile cache over SQLite
// ---------------------------------------------------------------------------

const cacheSchema = `
CREATE TABLE IF NOT EXISTS images (
	digest     TEXT PRIMARY KEY,
	image      BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
`

// Cache stores encoded images keyed by the SHA-256 digest of the
// source they were compiled from, so unchanged scripts skip
// recompilation.
type Cache struct {
	db  *sql.DB
	log commonlog.Logger
}

// OpenCache opens (creating if necessary) a cache database at path.
func OpenCache(path string) (*Cache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", path, err)
	}

	if _, err := db.Exec(cacheSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: initialize schema: %w", err)
	}

	return &Cache{
		db:  db,
		log: commonlog.GetLogger("fern.cache"),
	}, nil
}

// Close releases the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// SourceDigest returns the cache key for a source text.
func SourceDigest(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached image for digest, or nil if none is stored.
func (c *Cache) Get(digest string) ([]byte, error) {
	var image []byte
	err := c.db.QueryRow(
		`SELECT image FROM images WHERE digest = ?`, digest).Scan(&image)
	if err == sql.ErrNoRows {
		c.log.Debugf("miss %s", digest[:12])
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: get %s: %w", digest, err)
	}

	c.log.Debugf("hit %s (%d bytes)", digest[:12], len(image))
	return image, nil
}

// Put stores an image under digest, replacing any previous entry.
func (c *Cache) Put(digest string, image []byte) error {
	_, err := c.db.Exec(
		`INSERT OR REPLACE INTO images (digest, image, created_at) VALUES (?, ?, ?)`,
		digest, image, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("cache: put %s: %w", digest, err)
	}

	c.log.Debugf("stored %s (%d bytes)", digest[:12], len(image))
	return nil
}

// Prune deletes entries older than maxAge and returns how many were
// removed.
func (c *Cache) Prune(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).UnixNano()
	result, err := c.db.Exec(`DELETE FROM images WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cache: prune: %w", err)
	}

	removed, _ := result.RowsAffected()
	if removed > 0 {
		c.log.Infof("pruned %d stale images", removed)
	}
	return int(removed), nil
}
