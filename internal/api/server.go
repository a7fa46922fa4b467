// Package api exposes the REST surface: job CRUD, segment chaining,
// queue control, settings, uploads and ComfyUI proxies.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/DavidJBarnes/wan22-video-generator/internal/comfy"
	"github.com/DavidJBarnes/wan22-video-generator/internal/queue"
	"github.com/DavidJBarnes/wan22-video-generator/internal/store"
)

// Server holds the handler dependencies.
type Server struct {
	store   *store.Store
	manager *queue.Manager
	logger  *slog.Logger
}

// NewServer wires the API over the store and queue manager.
func NewServer(st *store.Store, mgr *queue.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: st, manager: mgr, logger: logger}
}

// comfyClient builds a client from the live settings, so a URL edit
// applies to the next request.
func (s *Server) comfyClient() *comfy.Client {
	return comfy.New(
		s.store.Setting("comfyui_url", "http://127.0.0.1:8188"),
		s.store.Setting("lora_namespace", ""),
		s.logger,
	)
}

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Post("/", s.handleCreateJob)
			r.Route("/{jobID}", func(r chi.Router) {
				r.Get("/", s.handleGetJob)
				r.Put("/", s.handleUpdateJob)
				r.Delete("/", s.handleDeleteJob)
				r.Get("/logs", s.handleJobLogs)
				r.Post("/cancel", s.handleCancelJob)
				r.Post("/retry", s.handleRetryJob)
				r.Post("/reopen", s.handleReopenJob)
				r.Post("/finalize", s.handleFinalizeJob)
				r.Post("/move-up", s.handleMoveJobUp)
				r.Post("/move-down", s.handleMoveJobDown)
				r.Route("/segments", func(r chi.Router) {
					r.Get("/", s.handleListSegments)
					r.Post("/", s.handleAddSegment)
					r.Delete("/last", s.handleDeleteLastSegment)
				})
			})
		})

		r.Route("/queue", func(r chi.Router) {
			r.Get("/status", s.handleQueueStatus)
			r.Post("/start", s.handleQueueStart)
			r.Post("/stop", s.handleQueueStop)
		})

		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handlePutSettings)

		r.Route("/comfyui", func(r chi.Router) {
			r.Get("/status", s.handleComfyStatus)
			r.Get("/loras", s.handleComfyLoras)
			r.Get("/checkpoints", s.handleComfyCheckpoints)
			r.Get("/samplers", s.handleComfySamplers)
			r.Get("/schedulers", s.handleComfySchedulers)
		})

		r.Post("/upload", s.handleUpload)

		r.Route("/loras", func(r chi.Router) {
			r.Get("/", s.handleLoraLibrary)
			r.Get("/hidden", s.handleHiddenLoras)
			r.Post("/restore", s.handleRestoreLora)
			r.Put("/{loraID}", s.handleUpdateLora)
			r.Post("/{loraID}/hide", s.handleHideLora)
		})

		r.Get("/images", s.handleListImages)
		r.Post("/images/select", s.handleSelectImage)
		r.Post("/images/rating", s.handleSetImageRating)
	})

	return r
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			s.logger.Error("encoding response", "error", err)
		}
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
