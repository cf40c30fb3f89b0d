package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func getStats(t *testing.T, base string) statsResponse {
	t.Helper()
	resp := do(t, "GET", base+"/v1/stats", nil)
	expectStatus(t, resp, http.StatusOK)
	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return stats
}

func TestGetStatsEmpty(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	stats := getStats(t, ts.URL)
	if stats.Backends != 2 {
		t.Errorf("backends = %d, want 2", stats.Backends)
	}
	if stats.ByCategory["data"] != 1 || stats.ByCategory["metadata"] != 1 {
		t.Errorf("by_category = %v, want 1 data and 1 metadata", stats.ByCategory)
	}
	if stats.Samples != 0 || stats.OpenDatasets != 0 || stats.OpenHandles != 0 {
		t.Errorf("stats = %+v, want no samples and nothing open", stats)
	}
}

func TestGetStatsAfterWrite(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()
	url := setupDataset(t, ts.URL, 4)

	expectStatus(t, do(t, "PUT", url+"/data", []byte{1, 2, 3, 4}), http.StatusNoContent)

	stats := getStats(t, ts.URL)
	// Two grid chunks, one observation each.
	if stats.Samples != 2 {
		t.Errorf("samples = %d, want 2", stats.Samples)
	}
	if stats.OpenHandles != 0 || stats.OpenDatasets != 0 {
		t.Errorf("open = %d datasets, %d handles; want none after the request", stats.OpenDatasets, stats.OpenHandles)
	}
}
