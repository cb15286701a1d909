// Package store persists training history, run records and the context
// graph in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const memoryPath = ":memory:"

// DB wraps a sql.DB connection to the attune SQLite database.
type DB struct {
	*sql.DB
	Path string
}

// Open opens (or creates) the database file at path, creating its
// directory if needed, and brings the schema up to date.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	return open(path)
}

// OpenMemory opens an in-memory database for tests and for engines that
// run without a data directory.
func OpenMemory() (*DB, error) {
	return open(memoryPath)
}

func open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if path == memoryPath {
		// every pooled connection would otherwise get its own empty database
		sqlDB.SetMaxOpenConns(1)
	}

	db := &DB{DB: sqlDB, Path: path}
	if err := db.configurePragmas(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func (db *DB) configurePragmas() error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	if db.Path != memoryPath {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

// Counts summarizes table sizes for health reporting.
type Counts struct {
	Nodes   int `json:"nodes"`
	Edges   int `json:"edges"`
	Records int `json:"records"`
	Runs    int `json:"runs"`
}

// Counts returns the row count of each data table.
func (db *DB) Counts() (Counts, error) {
	var c Counts
	err := db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM graph_nodes),
			(SELECT COUNT(*) FROM graph_edges),
			(SELECT COUNT(*) FROM training_history),
			(SELECT COUNT(*) FROM training_runs)
	`).Scan(&c.Nodes, &c.Edges, &c.Records, &c.Runs)
	if err != nil {
		return c, fmt.Errorf("count rows: %w", err)
	}
	return c, nil
}
