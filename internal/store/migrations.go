package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "training_runs: one row per training run",
		SQL: `
CREATE TABLE training_runs (
    id             INTEGER PRIMARY KEY,
    run_id         TEXT NOT NULL UNIQUE,
    status         TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'completed', 'failed', 'cancelled')),
    trigger        TEXT NOT NULL,
    sample_count   INTEGER NOT NULL DEFAULT 0,
    epochs         INTEGER NOT NULL DEFAULT 0,
    final_loss     REAL,
    best_val_loss  REAL,
    reason         TEXT,
    started_at     INTEGER NOT NULL,
    ended_at       INTEGER
);

CREATE INDEX idx_runs_status     ON training_runs(status);
CREATE INDEX idx_runs_started_at ON training_runs(started_at DESC);
`,
	},
	{
		Version:     2,
		Description: "training_history: append-only per-batch records",
		SQL: `
CREATE TABLE training_history (
    id              INTEGER PRIMARY KEY,
    run_id          TEXT NOT NULL,
    epoch           INTEGER NOT NULL,
    batch           INTEGER NOT NULL,
    loss            REAL NOT NULL,
    learning_rate   REAL NOT NULL,
    sample_count    INTEGER NOT NULL,
    active_fraction REAL NOT NULL DEFAULT 0,
    checkpoint_path TEXT,
    created_at      INTEGER NOT NULL
);

CREATE INDEX idx_history_epoch   ON training_history(epoch, batch);
CREATE INDEX idx_history_run     ON training_history(run_id);
CREATE INDEX idx_history_created ON training_history(created_at);
`,
	},
	{
		Version:     3,
		Description: "graph_nodes, graph_edges: context graph for attention",
		SQL: `
CREATE TABLE graph_nodes (
    node_id    TEXT PRIMARY KEY,
    embedding  BLOB NOT NULL,
    dimensions INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE graph_edges (
    from_id    TEXT NOT NULL,
    to_id      TEXT NOT NULL,
    weight     REAL NOT NULL DEFAULT 1.0,
    updated_at INTEGER NOT NULL,

    PRIMARY KEY (from_id, to_id),
    FOREIGN KEY (from_id) REFERENCES graph_nodes(node_id) ON DELETE CASCADE,
    FOREIGN KEY (to_id)   REFERENCES graph_nodes(node_id) ON DELETE CASCADE
);

CREATE INDEX idx_edges_to ON graph_edges(to_id);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
