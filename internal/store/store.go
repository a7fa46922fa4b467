// Package store provides the SQLite persistence layer for jobs,
// segments, settings, the upload dedup index and the activity log.
package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Job statuses.
const (
	JobPending        = "pending"
	JobRunning        = "running"
	JobAwaitingPrompt = "awaiting_prompt"
	JobCompleted      = "completed"
	JobFailed         = "failed"
	JobCancelled      = "cancelled"
)

// Segment statuses.
const (
	SegmentPending       = "pending"
	SegmentRunning       = "running"
	SegmentCompleted     = "completed"
	SegmentFailed        = "failed"
	SegmentNeedsRecovery = "needs_recovery"
)

// Store is the database handle.
type Store struct {
	DB *sql.DB
}

// Open opens (or creates) the database at path, applies pragmas, the
// schema, the incremental migrations and the default settings.
func Open(path string) (*Store, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	for key, value := range defaultSettings {
		if _, err := db.Exec(
			`INSERT OR IGNORE INTO settings (key, value) VALUES (?, ?)`,
			key, value,
		); err != nil {
			db.Close()
			return nil, fmt.Errorf("seed setting %s: %w", key, err)
		}
	}

	return &Store{DB: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// now returns a UTC timestamp with an explicit trailing Z.
func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
