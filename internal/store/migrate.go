package store

import (
	"database/sql"
	"strings"
)

// migrate applies incremental schema migrations. Columns are only ever
// added; "duplicate column name" errors make the steps idempotent.
func migrate(db *sql.DB) error {
	steps := []string{
		// Priority column predates the queue reorder feature.
		`ALTER TABLE jobs ADD COLUMN priority INTEGER NOT NULL DEFAULT 0`,
		// Fixed per-job seed, shared by every segment.
		`ALTER TABLE jobs ADD COLUMN seed INTEGER NOT NULL DEFAULT 0`,
		// Per-segment LoRA slots for the high/low noise passes.
		`ALTER TABLE job_segments ADD COLUMN high_loras TEXT NOT NULL DEFAULT '[]'`,
		`ALTER TABLE job_segments ADD COLUMN low_loras TEXT NOT NULL DEFAULT '[]'`,
		// Reported ComfyUI execution time in seconds.
		`ALTER TABLE job_segments ADD COLUMN execution_time REAL`,
	}

	for _, step := range steps {
		if _, err := db.Exec(step); err != nil &&
			!strings.Contains(err.Error(), "duplicate column name") {
			return err
		}
	}
	return nil
}
