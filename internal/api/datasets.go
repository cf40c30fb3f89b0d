package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/luufmg/esdm/internal/engine"
	"github.com/luufmg/esdm/internal/model"
)

// createDatasetRequest is the JSON body for
// POST /v1/containers/{container}/datasets.
type createDatasetRequest struct {
	Name  string   `json:"name"`
	Shape []uint64 `json:"shape"`
	Type  string   `json:"type"`
}

// orphansResponse is the JSON response for GET .../orphans.
type orphansResponse struct {
	Dataset string              `json:"dataset"`
	Orphans []model.FragmentRef `json:"orphans"`
}

// reclaimResponse is the JSON response for POST .../reclaim.
type reclaimResponse struct {
	Dataset   string `json:"dataset"`
	Reclaimed int    `json:"reclaimed"`
}

// datasetParam builds the descriptor named by the request path.
func datasetParam(r *http.Request) engine.Descriptor {
	return engine.Descriptor{
		Container: chi.URLParam(r, "container"),
		Dataset:   chi.URLParam(r, "dataset"),
	}
}

func (s *Server) handleCreateDataset(w http.ResponseWriter, r *http.Request) {
	var req createDatasetRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	desc := engine.Descriptor{
		Container: chi.URLParam(r, "container"),
		Dataset:   req.Name,
		Shape:     req.Shape,
		Type:      req.Type,
	}
	if err := s.engine.Create(r.Context(), desc); err != nil {
		s.writeEngineError(w, "create dataset", err)
		return
	}
	md, err := s.engine.Stat(r.Context(), desc)
	if err != nil {
		s.writeEngineError(w, "stat dataset", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, md)
}

func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	md, err := s.engine.Stat(r.Context(), datasetParam(r))
	if err != nil {
		s.writeEngineError(w, "stat dataset", err)
		return
	}
	s.writeJSON(w, http.StatusOK, md)
}

func (s *Server) handleDeleteDataset(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Destroy(r.Context(), datasetParam(r)); err != nil {
		s.writeEngineError(w, "destroy dataset", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListOrphans(w http.ResponseWriter, r *http.Request) {
	desc := datasetParam(r)
	orphans, err := s.engine.Orphans(r.Context(), desc)
	if err != nil {
		s.writeEngineError(w, "list orphans", err)
		return
	}
	if orphans == nil {
		orphans = []model.FragmentRef{}
	}
	s.writeJSON(w, http.StatusOK, orphansResponse{Dataset: desc.Path(), Orphans: orphans})
}

func (s *Server) handleReclaim(w http.ResponseWriter, r *http.Request) {
	desc := datasetParam(r)
	n, err := s.engine.Reclaim(r.Context(), desc)
	if err != nil {
		s.writeEngineError(w, "reclaim orphans", err)
		return
	}
	s.writeJSON(w, http.StatusOK, reclaimResponse{Dataset: desc.Path(), Reclaimed: n})
}
