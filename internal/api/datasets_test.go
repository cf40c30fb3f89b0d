package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/luufmg/esdm/internal/backend/backendtest"
	"github.com/luufmg/esdm/internal/backend/memory"
	"github.com/luufmg/esdm/internal/engine"
	"github.com/luufmg/esdm/internal/model"
)

// setupDataset creates container "sim" and the 1-D uint8 dataset
// "sim/line" of length n.
func setupDataset(t *testing.T, base string, n int) string {
	t.Helper()
	expectStatus(t, do(t, "POST", base+"/v1/containers", []byte(`{"name":"sim"}`)), http.StatusCreated)
	body, _ := json.Marshal(createDatasetRequest{Name: "line", Shape: []uint64{uint64(n)}, Type: "uint8"})
	expectStatus(t, do(t, "POST", base+"/v1/containers/sim/datasets", body), http.StatusCreated)
	return base + "/v1/containers/sim/datasets/line"
}

func TestDataRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()
	url := setupDataset(t, ts.URL, 8)

	expectStatus(t, do(t, "PUT", url+"/data", []byte{1, 2, 3, 4, 5, 6, 7, 8}), http.StatusNoContent)
	expectStatus(t, do(t, "PUT", url+"/data?offset=2&size=2", []byte{9, 9}), http.StatusNoContent)

	resp := do(t, "GET", url+"/data", nil)
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	got, _ := io.ReadAll(resp.Body)
	if want := []byte{1, 2, 9, 9, 5, 6, 7, 8}; !bytes.Equal(got, want) {
		t.Errorf("GET data = %v, want %v", got, want)
	}

	resp = do(t, "GET", url+"/data?offset=5", nil)
	expectStatus(t, resp, http.StatusOK)
	got, _ = io.ReadAll(resp.Body)
	if want := []byte{6, 7, 8}; !bytes.Equal(got, want) {
		t.Errorf("GET tail = %v, want %v", got, want)
	}

	resp = do(t, "GET", url, nil)
	expectStatus(t, resp, http.StatusOK)
	var md engine.Metadata
	if err := json.NewDecoder(resp.Body).Decode(&md); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// Grid chunks of 2: four fragments, then one.
	if md.Dataset == nil || len(md.Dataset.Index) != 5 || md.Dataset.NextSeq != 5 {
		t.Errorf("dataset = %+v, want 5 fragments", md.Dataset)
	}
}

func TestDataErrors(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()
	url := setupDataset(t, ts.URL, 8)
	expectStatus(t, do(t, "PUT", url+"/data?size=4", []byte{1, 1, 1, 1}), http.StatusNoContent)

	tests := []struct {
		name   string
		method string
		url    string
		body   []byte
		want   int
	}{
		{"uncovered read", "GET", url + "/data", nil, http.StatusRequestedRangeNotSatisfiable},
		{"bad offset", "GET", url + "/data?offset=x", nil, http.StatusBadRequest},
		{"wrong rank", "GET", url + "/data?offset=0,0", nil, http.StatusBadRequest},
		{"out of bounds", "GET", url + "/data?offset=6&size=4", nil, http.StatusBadRequest},
		{"offset past end", "GET", url + "/data?offset=9", nil, http.StatusBadRequest},
		{"huge size", "GET", url + "/data?offset=0&size=18446744073709551615", nil, http.StatusBadRequest},
		{"size wraps around", "GET", url + "/data?offset=1&size=18446744073709551615", nil, http.StatusBadRequest},
		{"short body", "PUT", url + "/data", []byte{1}, http.StatusBadRequest},
		{"missing dataset", "GET", ts.URL + "/v1/containers/sim/datasets/none/data", nil, http.StatusNotFound},
		{"missing container", "POST", ts.URL + "/v1/containers/none/datasets", []byte(`{"name":"d","shape":[1],"type":"uint8"}`), http.StatusNotFound},
		{"duplicate dataset", "POST", ts.URL + "/v1/containers/sim/datasets", []byte(`{"name":"line","shape":[1],"type":"uint8"}`), http.StatusConflict},
		{"unknown type", "POST", ts.URL + "/v1/containers/sim/datasets", []byte(`{"name":"d","shape":[1],"type":"quad"}`), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStatus(t, do(t, tt.method, tt.url, tt.body), tt.want)
		})
	}

	resp := do(t, "GET", url+"/data", nil)
	var body errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Uncovered) != 1 || body.Uncovered[0] != model.NewRegion([]uint64{4}, []uint64{4}).String() {
		t.Errorf("uncovered = %v", body.Uncovered)
	}
}

func TestWriteFailureReportsOrphans(t *testing.T) {
	bad := backendtest.NewFaulty(memory.New("bad", model.CategoryData)).FailWrites(errors.New("disk full"))
	srv := newTestServer(t, memory.New("good", model.CategoryData), bad)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()
	url := setupDataset(t, ts.URL, 4)

	resp := do(t, "PUT", url+"/data", []byte{1, 2, 3, 4})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	var body errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Orphans) != 1 || body.Orphans[0].Backend != "good" {
		t.Fatalf("orphans = %+v, want one on good", body.Orphans)
	}

	resp = do(t, "GET", url+"/orphans", nil)
	expectStatus(t, resp, http.StatusOK)
	var orphans orphansResponse
	if err := json.NewDecoder(resp.Body).Decode(&orphans); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if orphans.Dataset != "sim/line" || len(orphans.Orphans) != 1 {
		t.Errorf("orphans = %+v", orphans)
	}

	resp = do(t, "POST", url+"/reclaim", nil)
	expectStatus(t, resp, http.StatusOK)
	var reclaimed reclaimResponse
	if err := json.NewDecoder(resp.Body).Decode(&reclaimed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reclaimed.Reclaimed != 1 {
		t.Errorf("reclaimed = %d, want 1", reclaimed.Reclaimed)
	}
}

func TestDeleteDataset(t *testing.T) {
	data := memory.New("mem", model.CategoryData)
	srv := newTestServer(t, data)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()
	url := setupDataset(t, ts.URL, 4)

	expectStatus(t, do(t, "PUT", url+"/data", []byte{1, 2, 3, 4}), http.StatusNoContent)
	expectStatus(t, do(t, "DELETE", url, nil), http.StatusNoContent)
	if data.Len() != 0 {
		t.Errorf("%d fragments left", data.Len())
	}
	expectStatus(t, do(t, "GET", url, nil), http.StatusNotFound)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{model.ErrNotFound, http.StatusNotFound},
		{model.ErrAlreadyExists, http.StatusConflict},
		{model.ErrDuplicateName, http.StatusConflict},
		{model.ErrConfig, http.StatusBadRequest},
		{&model.MissingFragmentError{}, http.StatusRequestedRangeNotSatisfiable},
		{&model.AggregateError{}, http.StatusBadGateway},
		{&model.SubRegionError{Op: model.OpRead, Err: model.ErrNotFound}, http.StatusBadGateway},
		{model.ErrTimeout, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
