package buildinfo_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/otherjamesbrown/board-signal-scout/pkg/buildinfo"
)

func TestHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	rec := httptest.NewRecorder()

	buildinfo.Handler("scout-worker")(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", ct)
	}

	var info buildinfo.Info
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if info.ServiceName != "scout-worker" {
		t.Errorf("expected service_name 'scout-worker', got '%s'", info.ServiceName)
	}
	if info.Version == "" || info.GoVersion == "" {
		t.Errorf("expected version fields to be populated: %+v", info)
	}
}
