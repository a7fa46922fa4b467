package store

import (
	"database/sql"
	"fmt"
)

// Lora is one entry of the local LoRA library, keyed by the ComfyUI
// filename. Metadata only; the orchestrator treats filenames as opaque.
type Lora struct {
	ID           int64  `json:"id"`
	Filename     string `json:"filename"`
	DisplayName  string `json:"display_name"`
	TriggerWords string `json:"trigger_words"`
	Notes        string `json:"notes"`
	PreviewURL   string `json:"preview_url"`
	CreatedAt    string `json:"created_at"`
}

// UpsertLora inserts a library entry for a filename if it is new.
// Returns true when a row was inserted.
func (s *Store) UpsertLora(filename string) (bool, error) {
	res, err := s.DB.Exec(`
		INSERT INTO lora_library (filename, created_at) VALUES (?, ?)
		ON CONFLICT(filename) DO NOTHING
	`, filename, now())
	if err != nil {
		return false, fmt.Errorf("upsert lora %s: %w", filename, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// LoraLibrary returns all entries whose filename is not hidden.
func (s *Store) LoraLibrary() ([]*Lora, error) {
	rows, err := s.DB.Query(`
		SELECT id, filename, display_name, trigger_words, notes, preview_url, created_at
		FROM lora_library
		WHERE filename NOT IN (SELECT filename FROM hidden_loras)
		ORDER BY filename ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var loras []*Lora
	for rows.Next() {
		var l Lora
		if err := rows.Scan(&l.ID, &l.Filename, &l.DisplayName, &l.TriggerWords,
			&l.Notes, &l.PreviewURL, &l.CreatedAt); err != nil {
			return nil, err
		}
		loras = append(loras, &l)
	}
	return loras, rows.Err()
}

// GetLora returns one library entry by id, or nil.
func (s *Store) GetLora(id int64) (*Lora, error) {
	var l Lora
	err := s.DB.QueryRow(`
		SELECT id, filename, display_name, trigger_words, notes, preview_url, created_at
		FROM lora_library WHERE id = ?
	`, id).Scan(&l.ID, &l.Filename, &l.DisplayName, &l.TriggerWords,
		&l.Notes, &l.PreviewURL, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// UpdateLora sets the editable metadata fields of a library entry.
func (s *Store) UpdateLora(id int64, displayName, triggerWords, notes string) (bool, error) {
	res, err := s.DB.Exec(`
		UPDATE lora_library SET display_name = ?, trigger_words = ?, notes = ?
		WHERE id = ?
	`, displayName, triggerWords, notes, id)
	if err != nil {
		return false, fmt.Errorf("update lora %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// HideLora removes a library entry and remembers the filename so a
// later refresh from ComfyUI does not resurrect it.
func (s *Store) HideLora(id int64) error {
	return runTransaction(s.DB, func(tx *sql.Tx) error {
		var filename string
		err := tx.QueryRow(`SELECT filename FROM lora_library WHERE id = ?`, id).Scan(&filename)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM lora_library WHERE id = ?`, id); err != nil {
			return err
		}
		_, err = tx.Exec(`
			INSERT OR IGNORE INTO hidden_loras (filename, hidden_at) VALUES (?, ?)
		`, filename, now())
		return err
	})
}

// HiddenLoras lists hidden filenames.
func (s *Store) HiddenLoras() ([]string, error) {
	rows, err := s.DB.Query(`SELECT filename FROM hidden_loras ORDER BY filename`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// RestoreHiddenLora removes a filename from the hidden set.
func (s *Store) RestoreHiddenLora(filename string) error {
	_, err := s.DB.Exec(`DELETE FROM hidden_loras WHERE filename = ?`, filename)
	return err
}

// ImageRating returns the stored rating for an image path, or nil when
// unrated.
func (s *Store) ImageRating(imagePath string) (*int, error) {
	var rating sql.NullInt64
	err := s.DB.QueryRow(
		`SELECT rating FROM image_ratings WHERE image_path = ?`, imagePath,
	).Scan(&rating)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !rating.Valid {
		return nil, nil
	}
	r := int(rating.Int64)
	return &r, nil
}

// SetImageRating stores (or clears, with nil) an image rating.
func (s *Store) SetImageRating(imagePath string, rating *int) error {
	var val any
	if rating != nil {
		val = *rating
	}
	_, err := s.DB.Exec(`
		INSERT INTO image_ratings (image_path, rating, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(image_path) DO UPDATE SET rating = excluded.rating, updated_at = excluded.updated_at
	`, imagePath, val, now())
	if err != nil {
		return fmt.Errorf("set image rating: %w", err)
	}
	return nil
}
