// Package localindex provides an optional SQLite-backed cache of local download
// metadata, as an alternative backend to the Downloader's default JSON sidecar file —
// useful for development setups where many snapshot directories are inspected without
// re-hashing every file. Wired to modernc.org/sqlite, the teacher's pure-Go SQLite
// driver, carried forward from its vodfs local-cache use.
package localindex

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Index is a small key-value cache of filename -> (size, sha256).
type Index struct {
	db *sql.DB
}

// Open opens (and migrates) the SQLite database at path.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("localindex: open: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS downloads (
		filename TEXT PRIMARY KEY,
		size_bytes INTEGER NOT NULL,
		sha256 TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("localindex: migrate: %w", err)
	}
	return &Index{db: db}, nil
}

// Close closes the underlying database.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// Get returns the cached size/hash for filename, if present.
func (idx *Index) Get(filename string) (sizeBytes int64, sha256 string, ok bool) {
	row := idx.db.QueryRow(`SELECT size_bytes, sha256 FROM downloads WHERE filename = ?`, filename)
	if err := row.Scan(&sizeBytes, &sha256); err != nil {
		return 0, "", false
	}
	return sizeBytes, sha256, true
}

// Put upserts filename's size/hash.
func (idx *Index) Put(filename string, sizeBytes int64, sha256 string) error {
	_, err := idx.db.Exec(`INSERT INTO downloads (filename, size_bytes, sha256) VALUES (?, ?, ?)
		ON CONFLICT (filename) DO UPDATE SET size_bytes = excluded.size_bytes, sha256 = excluded.sha256`,
		filename, sizeBytes, sha256)
	if err != nil {
		return fmt.Errorf("localindex: put %s: %w", filename, err)
	}
	return nil
}

// Delete removes filename's cache entry.
func (idx *Index) Delete(filename string) error {
	_, err := idx.db.Exec(`DELETE FROM downloads WHERE filename = ?`, filename)
	return err
}
