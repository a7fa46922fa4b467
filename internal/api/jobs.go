package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/DavidJBarnes/wan22-video-generator/internal/store"
)

func (s *Server) jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "jobID"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid job id")
		return 0, false
	}
	return id, true
}

// loadJob fetches the job or writes a 404.
func (s *Server) loadJob(w http.ResponseWriter, id int64) (*store.Job, bool) {
	job, err := s.store.GetJob(id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if job == nil {
		s.respondError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	return job, true
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	var jobs []*store.Job
	var err error
	if status := r.URL.Query().Get("status"); status != "" {
		jobs, err = s.store.JobsByStatus(status)
	} else {
		jobs, err = s.store.GetAllJobs(limit, offset)
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jobs == nil {
		jobs = []*store.Job{}
	}
	s.respondJSON(w, http.StatusOK, jobs)
}

type createJobRequest struct {
	Name           string          `json:"name"`
	Prompt         string          `json:"prompt"`
	NegativePrompt string          `json:"negative_prompt"`
	WorkflowType   string          `json:"workflow_type"`
	InputImage     string          `json:"input_image"`
	Parameters     store.JobParams `json:"parameters"`
	HighLoras      []store.LoraRef `json:"high_loras"`
	LowLoras       []store.LoraRef `json:"low_loras"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		s.respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Prompt == "" {
		s.respondError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	// txt2img starts from nothing; every other kind needs a start image.
	if req.InputImage == "" && req.WorkflowType != "txt2img" {
		s.respondError(w, http.StatusBadRequest, "input_image is required - upload an image first")
		return
	}

	job := &store.Job{
		Name:           req.Name,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		WorkflowType:   req.WorkflowType,
		InputImage:     req.InputImage,
		Params:         req.Parameters,
	}
	id, err := s.store.CreateJob(job)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.store.CreateFirstSegment(id, req.Prompt, req.InputImage, req.HighLoras, req.LowLoras); err != nil {
		s.store.DeleteJob(id)
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.store.AppendJobLog(id, nil, store.LogInfo, "Job created", "")
	s.logger.Info("job created", "job_id", id, "name", req.Name)

	created, _ := s.store.GetJob(id)
	s.respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	job, ok := s.loadJob(w, id)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, job)
}

type updateJobRequest struct {
	Name           string          `json:"name"`
	Prompt         string          `json:"prompt"`
	NegativePrompt string          `json:"negative_prompt"`
	Parameters     store.JobParams `json:"parameters"`
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	var req updateJobRequest
	if !s.decode(w, r, &req) {
		return
	}
	updated, err := s.store.UpdateJobParameters(id, req.Name, req.Prompt, req.NegativePrompt, req.Parameters)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !updated {
		s.respondError(w, http.StatusConflict, "job is not editable in its current state")
		return
	}
	job, _ := s.store.GetJob(id)
	s.respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	job, ok := s.loadJob(w, id)
	if !ok {
		return
	}
	if job.Status == store.JobRunning {
		s.respondError(w, http.StatusConflict, "cancel the job before deleting it")
		return
	}
	if _, err := s.store.DeleteJob(id); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("job deleted", "job_id", id)
	s.respondJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	limit := 200
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	logs, err := s.store.JobLogs(id, limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if logs == nil {
		logs = []*store.JobLog{}
	}
	s.respondJSON(w, http.StatusOK, logs)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	if err := s.manager.CancelJob(id); err != nil {
		s.respondError(w, http.StatusConflict, err.Error())
		return
	}
	job, _ := s.store.GetJob(id)
	s.respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	if err := s.manager.RetryJob(id); err != nil {
		s.respondError(w, http.StatusConflict, err.Error())
		return
	}
	job, _ := s.store.GetJob(id)
	s.respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleReopenJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	if err := s.manager.ReopenJob(id); err != nil {
		s.respondError(w, http.StatusConflict, err.Error())
		return
	}
	job, _ := s.store.GetJob(id)
	s.respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleFinalizeJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	output, err := s.manager.FinalizeJob(r.Context(), id)
	if err != nil {
		s.respondError(w, http.StatusConflict, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"output": output})
}

func (s *Server) handleMoveJobUp(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	if err := s.store.MoveJobUp(id); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"moved": true})
}

func (s *Server) handleMoveJobDown(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	if err := s.store.MoveJobDown(id); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"moved": true})
}
