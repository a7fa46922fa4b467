package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
)

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"active":         s.manager.Active(),
		"current_job_id": s.manager.CurrentJobID(),
	})
}

func (s *Server) handleQueueStart(w http.ResponseWriter, r *http.Request) {
	s.manager.StartQueue()
	s.respondJSON(w, http.StatusOK, map[string]bool{"active": true})
}

func (s *Server) handleQueueStop(w http.ResponseWriter, r *http.Request) {
	s.manager.StopQueue()
	s.respondJSON(w, http.StatusOK, map[string]bool{"active": false})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.AllSettings()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var values map[string]string
	if !s.decode(w, r, &values) {
		return
	}
	if len(values) == 0 {
		s.respondError(w, http.StatusBadRequest, "no settings provided")
		return
	}
	if err := s.store.PutSettings(values); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("settings updated", "keys", len(values))
	settings, _ := s.store.AllSettings()
	s.respondJSON(w, http.StatusOK, settings)
}

func (s *Server) handleComfyStatus(w http.ResponseWriter, r *http.Request) {
	ok, detail := s.comfyClient().CheckConnection(r.Context())
	s.respondJSON(w, http.StatusOK, map[string]any{
		"connected": ok,
		"detail":    detail,
	})
}

func (s *Server) handleComfyLoras(w http.ResponseWriter, r *http.Request) {
	names, err := s.comfyClient().Loras(r.Context())
	if err != nil {
		s.respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	// Keep the local library in sync with what ComfyUI reports.
	for _, name := range names {
		s.store.UpsertLora(name)
	}
	if names == nil {
		names = []string{}
	}
	s.respondJSON(w, http.StatusOK, names)
}

func (s *Server) handleComfyCheckpoints(w http.ResponseWriter, r *http.Request) {
	s.proxyChoices(w, r, func() ([]string, error) {
		return s.comfyClient().Checkpoints(r.Context())
	})
}

func (s *Server) handleComfySamplers(w http.ResponseWriter, r *http.Request) {
	s.proxyChoices(w, r, func() ([]string, error) {
		return s.comfyClient().Samplers(r.Context())
	})
}

func (s *Server) handleComfySchedulers(w http.ResponseWriter, r *http.Request) {
	s.proxyChoices(w, r, func() ([]string, error) {
		return s.comfyClient().Schedulers(r.Context())
	})
}

func (s *Server) proxyChoices(w http.ResponseWriter, r *http.Request, fetch func() ([]string, error)) {
	choices, err := fetch()
	if err != nil {
		s.respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	if choices == nil {
		choices = []string{}
	}
	s.respondJSON(w, http.StatusOK, choices)
}

// maxUploadBytes caps input images at 50 MiB.
const maxUploadBytes = 50 << 20

// handleUpload pushes an image to ComfyUI, deduplicating by content
// hash: re-uploading identical bytes returns the previously assigned
// filename without touching ComfyUI.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("image")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "missing image file: "+err.Error())
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "reading upload: "+err.Error())
		return
	}
	if len(data) == 0 {
		s.respondError(w, http.StatusBadRequest, "empty upload")
		return
	}

	name, dedup, err := s.ingestImage(r.Context(), data, header.Filename)
	if err != nil {
		s.respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"filename":     name,
		"deduplicated": dedup,
	})
}

// ingestImage pushes image bytes to ComfyUI unless an identical upload
// already happened, and records the assigned filename either way.
func (s *Server) ingestImage(ctx context.Context, data []byte, originalName string) (string, bool, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	if existing, err := s.store.ImageByHash(hash); err == nil && existing != nil {
		s.logger.Info("upload deduplicated",
			"hash", hash[:12], "filename", existing.ComfyFilename)
		return existing.ComfyFilename, true, nil
	}

	name, err := s.comfyClient().UploadImage(ctx, data, originalName)
	if err != nil {
		return "", false, err
	}
	stored, err := s.store.StoreUploadedImage(hash, name, originalName)
	if err != nil {
		return "", false, err
	}
	return stored, false, nil
}
