package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/luufmg/esdm/internal/model"
)

// errorResponse is the JSON body of every error reply.
type errorResponse struct {
	Error     string              `json:"error"`
	Uncovered []string            `json:"uncovered,omitempty"`
	Orphans   []model.FragmentRef `json:"orphans,omitempty"`
}

// statusFor maps the engine's error taxonomy onto HTTP status codes.
// Backend failures are checked first: they may wrap NotFound or
// AlreadyExists errors reported by a backend.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrAggregate),
		errors.Is(err, model.ErrBackendRead),
		errors.Is(err, model.ErrBackendWrite),
		errors.Is(err, model.ErrBackendUnavailable),
		errors.Is(err, model.ErrTimeout),
		errors.Is(err, model.ErrIOFailure):
		return http.StatusBadGateway
	case errors.Is(err, model.ErrMissingFragment):
		return http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrAlreadyExists), errors.Is(err, model.ErrDuplicateName):
		return http.StatusConflict
	case errors.Is(err, model.ErrConfig):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// writeEngineError replies with the status and body derived from err.
// Server-side failures are logged.
func (s *Server) writeEngineError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op, "error", err)
	}

	resp := errorResponse{Error: err.Error()}
	var mfe *model.MissingFragmentError
	if errors.As(err, &mfe) {
		for _, r := range mfe.Uncovered {
			resp.Uncovered = append(resp.Uncovered, r.String())
		}
	}
	var agg *model.AggregateError
	if errors.As(err, &agg) {
		resp.Orphans = agg.Orphans
	}
	s.writeJSON(w, status, resp)
}

// writeJSON encodes v as the response body with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError replies with a plain errorResponse carrying message.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}
