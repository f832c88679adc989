package store

import (
	"context"
	"database/sql"
	"strings"
)

// schema contains the DDL for all tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS checkpoints (
		run_id     TEXT NOT NULL,
		round      INTEGER NOT NULL,
		blob       BLOB NOT NULL,
		created_at TEXT NOT NULL,
		written    INTEGER NOT NULL,
		PRIMARY KEY (run_id, round)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_checkpoints_written ON checkpoints(written)`,

	`CREATE TABLE IF NOT EXISTS rounds (
		run_id         TEXT NOT NULL,
		number         INTEGER NOT NULL,
		attempt        INTEGER NOT NULL,
		state          TEXT NOT NULL,
		selector       TEXT NOT NULL,
		timeout_ms     INTEGER NOT NULL,
		deadline       TEXT NOT NULL,
		selected       TEXT NOT NULL DEFAULT '[]',
		completed      TEXT NOT NULL DEFAULT '[]',
		stragglers     TEXT NOT NULL DEFAULT '[]',
		started_at     TEXT NOT NULL,
		ended_at       TEXT,
		PRIMARY KEY (run_id, number, attempt)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rounds_state ON rounds(state)`,
	`CREATE INDEX IF NOT EXISTS idx_rounds_started_at ON rounds(started_at)`,
}

// alterStatements are column additions that need special handling since
// SQLite doesn't support IF NOT EXISTS for ALTER TABLE ADD COLUMN.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string // Optional index to create after column is added
}{
	{
		table:    "rounds",
		column:   "outcome",
		alterSQL: "ALTER TABLE rounds ADD COLUMN outcome TEXT NOT NULL DEFAULT ''",
		indexSQL: "CREATE INDEX IF NOT EXISTS idx_rounds_outcome ON rounds(outcome)",
	},
	{
		table:    "rounds",
		column:   "failed_reports",
		alterSQL: "ALTER TABLE rounds ADD COLUMN failed_reports TEXT NOT NULL DEFAULT '[]'",
	},
}

// migrate executes all schema DDL statements, alter migrations, and post-migration indexes.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, alter.table, alter.column, alter.alterSQL); err != nil {
			return err
		}
		if alter.indexSQL != "" {
			if _, err := db.ExecContext(ctx, alter.indexSQL); err != nil {
				return err
			}
		}
	}

	return nil
}

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil // Column already exists
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	_, err = db.ExecContext(ctx, alterSQL)
	return err
}
