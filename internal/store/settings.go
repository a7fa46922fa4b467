package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

// Setting returns the value for key, or fallback when unset.
func (s *Store) Setting(key, fallback string) string {
	var value string
	err := s.DB.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows || err != nil {
		return fallback
	}
	return value
}

// SettingInt returns an integer setting, or fallback on absence or a
// malformed value.
func (s *Store) SettingInt(key string, fallback int) int {
	raw := s.Setting(key, "")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// SettingDuration reads a setting stored as whole seconds.
func (s *Store) SettingDuration(key string, fallback time.Duration) time.Duration {
	raw := s.Setting(key, "")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return time.Duration(n) * time.Second
}

// SettingBool treats "true" (any case) as true.
func (s *Store) SettingBool(key string, fallback bool) bool {
	raw := s.Setting(key, "")
	switch raw {
	case "":
		return fallback
	case "true", "True", "TRUE", "1":
		return true
	default:
		return false
	}
}

// PutSetting upserts a single setting.
func (s *Store) PutSetting(key, value string) error {
	_, err := s.DB.Exec(
		`INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("put setting %s: %w", key, err)
	}
	return nil
}

// PutSettings upserts multiple settings in one transaction.
func (s *Store) PutSettings(values map[string]string) error {
	return runTransaction(s.DB, func(tx *sql.Tx) error {
		for key, value := range values {
			if _, err := tx.Exec(
				`INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)`,
				key, value); err != nil {
				return err
			}
		}
		return nil
	})
}

// AllSettings returns the full settings map.
func (s *Store) AllSettings() (map[string]string, error) {
	rows, err := s.DB.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		settings[key] = value
	}
	return settings, rows.Err()
}
