package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/luufmg/esdm/internal/engine"
	"github.com/luufmg/esdm/internal/layout"
	"github.com/luufmg/esdm/internal/model"
)

// maxDataSize bounds the payload of a single write request.
const maxDataSize = 1 << 30 // 1 GB

func (s *Server) handleWriteData(w http.ResponseWriter, r *http.Request) {
	h, ok := s.openDataset(w, r)
	if !ok {
		return
	}
	defer s.closeHandle(h)

	region, err := parseRegion(r, h.Stat().Shape)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxDataSize)
	buf, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if err := s.engine.Write(r.Context(), h, region, buf); err != nil {
		s.writeEngineError(w, "write dataset", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReadData(w http.ResponseWriter, r *http.Request) {
	h, ok := s.openDataset(w, r)
	if !ok {
		return
	}
	defer s.closeHandle(h)

	d := h.Stat()
	region, err := parseRegion(r, d.Shape)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := layout.CheckBounds(d, region); err != nil {
		s.writeEngineError(w, "read dataset", err)
		return
	}

	buf := make([]byte, region.Bytes(d.Type.Size))
	if err := s.engine.Read(r.Context(), h, region, buf); err != nil {
		s.writeEngineError(w, "read dataset", err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(buf)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf); err != nil {
		s.logger.Error("write data response", "error", err)
	}
}

func (s *Server) openDataset(w http.ResponseWriter, r *http.Request) (*engine.Handle, bool) {
	h, err := s.engine.Open(r.Context(), datasetParam(r))
	if err != nil {
		s.writeEngineError(w, "open dataset", err)
		return nil, false
	}
	return h, true
}

func (s *Server) closeHandle(h *engine.Handle) {
	if err := s.engine.Close(h); err != nil {
		s.logger.Error("close dataset", "dataset", h.Path(), "error", err)
	}
}

// parseRegion reads the offset and size query parameters, each a
// comma-separated list with one value per dimension. A missing offset is the
// origin; a missing size extends to the end of the dataset.
func parseRegion(r *http.Request, shape []uint64) (model.Region, error) {
	q := r.URL.Query()
	offset, err := parseDims(q.Get("offset"), len(shape))
	if err != nil {
		return model.Region{}, fmt.Errorf("offset: %w", err)
	}
	if offset == nil {
		offset = make([]uint64, len(shape))
	}

	size, err := parseDims(q.Get("size"), len(shape))
	if err != nil {
		return model.Region{}, fmt.Errorf("size: %w", err)
	}
	if size == nil {
		size = make([]uint64, len(shape))
		for i := range shape {
			if offset[i] > shape[i] {
				return model.Region{}, fmt.Errorf("offset %d outside dimension %d of extent %d", offset[i], i, shape[i])
			}
			size[i] = shape[i] - offset[i]
		}
	}
	return model.NewRegion(offset, size), nil
}

func parseDims(s string, dims int) ([]uint64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != dims {
		return nil, fmt.Errorf("got %d values, dataset has %d dimensions", len(parts), dims)
	}
	out := make([]uint64, dims)
	for i, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q", p)
		}
		out[i] = v
	}
	return out, nil
}
