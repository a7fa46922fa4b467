package api

import (
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/DavidJBarnes/wan22-video-generator/internal/store"
)

func (s *Server) loraID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "loraID"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid lora id")
		return 0, false
	}
	return id, true
}

func (s *Server) handleLoraLibrary(w http.ResponseWriter, r *http.Request) {
	loras, err := s.store.LoraLibrary()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if loras == nil {
		loras = []*store.Lora{}
	}
	s.respondJSON(w, http.StatusOK, loras)
}

type updateLoraRequest struct {
	DisplayName  string `json:"display_name"`
	TriggerWords string `json:"trigger_words"`
	Notes        string `json:"notes"`
}

func (s *Server) handleUpdateLora(w http.ResponseWriter, r *http.Request) {
	id, ok := s.loraID(w, r)
	if !ok {
		return
	}
	var req updateLoraRequest
	if !s.decode(w, r, &req) {
		return
	}
	updated, err := s.store.UpdateLora(id, req.DisplayName, req.TriggerWords, req.Notes)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !updated {
		s.respondError(w, http.StatusNotFound, "lora not found")
		return
	}
	lora, _ := s.store.GetLora(id)
	s.respondJSON(w, http.StatusOK, lora)
}

func (s *Server) handleHideLora(w http.ResponseWriter, r *http.Request) {
	id, ok := s.loraID(w, r)
	if !ok {
		return
	}
	if err := s.store.HideLora(id); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"hidden": true})
}

func (s *Server) handleHiddenLoras(w http.ResponseWriter, r *http.Request) {
	names, err := s.store.HiddenLoras()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if names == nil {
		names = []string{}
	}
	s.respondJSON(w, http.StatusOK, names)
}

type restoreLoraRequest struct {
	Filename string `json:"filename"`
}

func (s *Server) handleRestoreLora(w http.ResponseWriter, r *http.Request) {
	var req restoreLoraRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Filename == "" {
		s.respondError(w, http.StatusBadRequest, "filename is required")
		return
	}
	if err := s.store.RestoreHiddenLora(req.Filename); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.store.UpsertLora(req.Filename)
	s.respondJSON(w, http.StatusOK, map[string]bool{"restored": true})
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".gif": true,
}

type repoImage struct {
	Path   string `json:"path"`
	Name   string `json:"name"`
	Rating *int   `json:"rating"`
}

// handleListImages browses the configured image repository directory,
// joined with stored ratings. Path traversal outside the root is
// rejected.
func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	root := s.store.Setting("image_repo_path", "")
	if root == "" {
		s.respondError(w, http.StatusConflict, "image_repo_path is not configured")
		return
	}

	sub := r.URL.Query().Get("path")
	dir := filepath.Join(root, filepath.Clean("/"+sub))
	if !strings.HasPrefix(dir, filepath.Clean(root)) {
		s.respondError(w, http.StatusBadRequest, "path escapes the repository")
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		s.respondError(w, http.StatusNotFound, "cannot read directory: "+err.Error())
		return
	}

	var images []repoImage
	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
			continue
		}
		if !imageExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		rel, err := filepath.Rel(root, filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		rating, _ := s.store.ImageRating(rel)
		images = append(images, repoImage{Path: rel, Name: entry.Name(), Rating: rating})
	}
	sort.Slice(images, func(i, j int) bool { return images[i].Name < images[j].Name })
	sort.Strings(dirs)
	if images == nil {
		images = []repoImage{}
	}
	if dirs == nil {
		dirs = []string{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"images":      images,
		"directories": dirs,
	})
}

type selectImageRequest struct {
	Path string `json:"path"`
}

// handleSelectImage uploads a repository image to ComfyUI so it can be
// used as a job input, reusing the content-hash dedup.
func (s *Server) handleSelectImage(w http.ResponseWriter, r *http.Request) {
	root := s.store.Setting("image_repo_path", "")
	if root == "" {
		s.respondError(w, http.StatusConflict, "image_repo_path is not configured")
		return
	}
	var req selectImageRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	full := filepath.Join(root, filepath.Clean("/"+req.Path))
	if !strings.HasPrefix(full, filepath.Clean(root)) {
		s.respondError(w, http.StatusBadRequest, "path escapes the repository")
		return
	}
	data, err := os.ReadFile(full)
	if err != nil {
		s.respondError(w, http.StatusNotFound, "cannot read image: "+err.Error())
		return
	}
	name, dedup, err := s.ingestImage(r.Context(), data, filepath.Base(full))
	if err != nil {
		s.respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"filename":     name,
		"deduplicated": dedup,
	})
}

type ratingRequest struct {
	Path   string `json:"path"`
	Rating *int   `json:"rating"`
}

func (s *Server) handleSetImageRating(w http.ResponseWriter, r *http.Request) {
	var req ratingRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	if req.Rating != nil && (*req.Rating < 1 || *req.Rating > 5) {
		s.respondError(w, http.StatusBadRequest, "rating must be between 1 and 5")
		return
	}
	if err := s.store.SetImageRating(req.Path, req.Rating); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"saved": true})
}
