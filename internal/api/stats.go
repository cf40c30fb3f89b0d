package api

import (
	"net/http"

	"github.com/luufmg/esdm/internal/model"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Backends     int            `json:"backends"`
	ByCategory   map[string]int `json:"by_category"`
	Samples      uint64         `json:"samples"`
	OpenDatasets int            `json:"open_datasets"`
	OpenHandles  int64          `json:"open_handles"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{
		ByCategory: map[string]int{
			string(model.CategoryData):     0,
			string(model.CategoryMetadata): 0,
		},
	}
	for _, info := range s.engine.Registry().List() {
		resp.Backends++
		resp.ByCategory[string(info.Capabilities.Category)]++
		resp.Samples += info.Estimate.Samples
	}
	stats := s.engine.Stats()
	resp.OpenDatasets = stats.OpenDatasets
	resp.OpenHandles = stats.OpenHandles

	s.writeJSON(w, http.StatusOK, resp)
}
