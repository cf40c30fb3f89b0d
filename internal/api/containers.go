package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/luufmg/esdm/internal/engine"
)

const maxBodySize = 1 << 20 // 1 MB

// createContainerRequest is the JSON body for POST /v1/containers.
type createContainerRequest struct {
	Name     string            `json:"name"`
	Metadata map[string]string `json:"metadata"`
}

// updateContainerRequest is the JSON body for PUT /v1/containers/{container}.
type updateContainerRequest struct {
	Metadata map[string]string `json:"metadata"`
}

func (s *Server) handleCreateContainer(w http.ResponseWriter, r *http.Request) {
	var req createContainerRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	desc := engine.Descriptor{Container: req.Name, Metadata: req.Metadata}
	if err := s.engine.Create(r.Context(), desc); err != nil {
		s.writeEngineError(w, "create container", err)
		return
	}
	md, err := s.engine.Stat(r.Context(), desc)
	if err != nil {
		s.writeEngineError(w, "stat container", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, md)
}

func (s *Server) handleGetContainer(w http.ResponseWriter, r *http.Request) {
	md, err := s.engine.Stat(r.Context(), engine.Descriptor{Container: chi.URLParam(r, "container")})
	if err != nil {
		s.writeEngineError(w, "stat container", err)
		return
	}
	s.writeJSON(w, http.StatusOK, md)
}

func (s *Server) handleUpdateContainer(w http.ResponseWriter, r *http.Request) {
	var req updateContainerRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	c, err := s.engine.UpdateContainer(r.Context(), chi.URLParam(r, "container"), req.Metadata)
	if err != nil {
		s.writeEngineError(w, "update container", err)
		return
	}
	s.writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteContainer(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Destroy(r.Context(), engine.Descriptor{Container: chi.URLParam(r, "container")}); err != nil {
		s.writeEngineError(w, "destroy container", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
