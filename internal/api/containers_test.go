package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/luufmg/esdm/internal/engine"
)

// do sends a request with an optional body and returns the response.
func do(t *testing.T, method, url string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		var body errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&body)
		t.Fatalf("%s %s: status = %d, want %d (error %q)",
			resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body.Error)
	}
}

func TestContainerLifecycle(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := do(t, "POST", ts.URL+"/v1/containers", []byte(`{"name":"sim","metadata":{"owner":"ocean"}}`))
	expectStatus(t, resp, http.StatusCreated)
	var md engine.Metadata
	if err := json.NewDecoder(resp.Body).Decode(&md); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if md.Container == nil || md.Container.Name != "sim" || md.Backend != "meta" {
		t.Errorf("created = %+v", md)
	}

	expectStatus(t, do(t, "POST", ts.URL+"/v1/containers", []byte(`{"name":"sim"}`)), http.StatusConflict)

	resp = do(t, "PUT", ts.URL+"/v1/containers/sim", []byte(`{"metadata":{"owner":"land"}}`))
	expectStatus(t, resp, http.StatusOK)

	resp = do(t, "GET", ts.URL+"/v1/containers/sim", nil)
	expectStatus(t, resp, http.StatusOK)
	if err := json.NewDecoder(resp.Body).Decode(&md); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if md.Container.Metadata["owner"] != "land" {
		t.Errorf("metadata = %v, want owner=land", md.Container.Metadata)
	}

	expectStatus(t, do(t, "DELETE", ts.URL+"/v1/containers/sim", nil), http.StatusNoContent)
	expectStatus(t, do(t, "GET", ts.URL+"/v1/containers/sim", nil), http.StatusNotFound)
}

func TestCreateContainerBadRequests(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"missing name", `{}`},
		{"separator", `{"name":"a/b"}`},
		{"hidden", `{"name":".calibration"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStatus(t, do(t, "POST", ts.URL+"/v1/containers", []byte(tt.body)), http.StatusBadRequest)
		})
	}
}

func TestListBackends(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := do(t, "GET", ts.URL+"/v1/backends", nil)
	expectStatus(t, resp, http.StatusOK)

	var infos []struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(infos) != 2 || infos[0].Name != "meta" || infos[1].Name != "mem" {
		t.Errorf("backends = %+v, want [meta mem]", infos)
	}
}
