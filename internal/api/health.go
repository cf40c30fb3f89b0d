package api

import (
	"net/http"

	"github.com/luufmg/esdm/internal/model"
)

type healthResponse struct {
	Status   string                 `json:"status"`
	Backends map[model.Category]int `json:"backends"`
}

// handleHealthz reports "ok" while at least one DATA and one METADATA
// backend are registered, and "degraded" with 503 otherwise.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Backends: make(map[model.Category]int)}
	for _, cat := range []model.Category{model.CategoryData, model.CategoryMetadata} {
		n := len(s.engine.Registry().LookupByType(cat))
		resp.Backends[cat] = n
		if n == 0 {
			resp.Status = "degraded"
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}
