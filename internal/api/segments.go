package api

import (
	"net/http"

	"github.com/DavidJBarnes/wan22-video-generator/internal/store"
)

func (s *Server) handleListSegments(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	if _, ok := s.loadJob(w, id); !ok {
		return
	}
	segments, err := s.store.GetJobSegments(id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if segments == nil {
		segments = []*store.Segment{}
	}
	s.respondJSON(w, http.StatusOK, segments)
}

type addSegmentRequest struct {
	Prompt    string          `json:"prompt"`
	HighLoras []store.LoraRef `json:"high_loras"`
	LowLoras  []store.LoraRef `json:"low_loras"`
}

func (s *Server) handleAddSegment(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	var req addSegmentRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Prompt == "" {
		s.respondError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	index, err := s.manager.AddSegment(id, req.Prompt, req.HighLoras, req.LowLoras)
	if err != nil {
		s.respondError(w, http.StatusConflict, err.Error())
		return
	}
	seg, err := s.store.GetSegment(id, index)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusCreated, seg)
}

func (s *Server) handleDeleteLastSegment(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	if err := s.manager.DeleteLastSegment(id); err != nil {
		s.respondError(w, http.StatusConflict, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}
