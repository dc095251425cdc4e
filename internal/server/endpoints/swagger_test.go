package endpoints

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	_ "github.com/jackzampolin/billfold/docs"
)

func TestSwaggerEndpoint(t *testing.T) {
	rec := doRequest(t, &SwaggerEndpoint{}, nil, "GET", "/swagger/doc.json", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var spec map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &spec); err != nil {
		t.Fatalf("spec is not JSON: %v", err)
	}
	if spec["swagger"] != "2.0" {
		t.Errorf("swagger = %v, want 2.0", spec["swagger"])
	}
	paths, ok := spec["paths"].(map[string]any)
	if !ok {
		t.Fatal("spec has no paths object")
	}
	if _, ok := paths["/api/v1/invoices"]; !ok {
		t.Error("spec should document the submit route")
	}
}

func TestSwaggerUIEndpoint(t *testing.T) {
	rec := doRequest(t, &SwaggerUIEndpoint{}, nil, "GET", "/swagger", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/html" {
		t.Errorf("content-type = %q, want text/html", ct)
	}
	if !strings.Contains(rec.Body.String(), "/swagger/doc.json") {
		t.Error("UI page should reference the doc.json route")
	}
}
