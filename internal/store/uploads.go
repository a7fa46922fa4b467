package store

import (
	"database/sql"
	"fmt"
)

// UploadedImage is one entry of the upload dedup index, keyed by the
// SHA-256 of the uploaded bytes.
type UploadedImage struct {
	ContentHash      string `json:"content_hash"`
	ComfyFilename    string `json:"comfyui_filename"`
	OriginalFilename string `json:"original_filename"`
	UploadedAt       string `json:"uploaded_at"`
}

// ImageByHash looks up a previous upload of byte-identical content.
func (s *Store) ImageByHash(hash string) (*UploadedImage, error) {
	var img UploadedImage
	err := s.DB.QueryRow(`
		SELECT content_hash, comfyui_filename, original_filename, uploaded_at
		FROM uploaded_images WHERE content_hash = ?
	`, hash).Scan(&img.ContentHash, &img.ComfyFilename, &img.OriginalFilename, &img.UploadedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup image by hash: %w", err)
	}
	return &img, nil
}

// StoreUploadedImage records an upload. A concurrent insert of the same
// hash wins silently; the stored ComfyUI filename is returned either
// way.
func (s *Store) StoreUploadedImage(hash, comfyFilename, originalFilename string) (string, error) {
	_, err := s.DB.Exec(`
		INSERT INTO uploaded_images (content_hash, comfyui_filename, original_filename, uploaded_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(content_hash) DO NOTHING
	`, hash, comfyFilename, originalFilename, now())
	if err != nil {
		return "", fmt.Errorf("store uploaded image: %w", err)
	}

	img, err := s.ImageByHash(hash)
	if err != nil {
		return "", err
	}
	if img == nil {
		return comfyFilename, nil
	}
	return img.ComfyFilename, nil
}
