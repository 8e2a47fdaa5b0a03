package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/climate-resilient/query-pipeline/internal/httpapi"
	"github.com/climate-resilient/query-pipeline/internal/pipeline"
)

// fakeOrchestrator satisfies httpapi.Orchestrator without standing up any
// GCP/Redis/Qdrant client, so these tests exercise the real router wiring
// buildApp hands to httpapi.New rather than a parallel test-only router.
type fakeOrchestrator struct{}

func (fakeOrchestrator) Process(ctx context.Context, q pipeline.Query) (pipeline.Answer, *pipeline.PipelineError) {
	return pipeline.Answer{}, nil
}

func testRouter() http.Handler {
	return httpapi.New(&httpapi.Dependencies{
		Orchestrator: fakeOrchestrator{},
		Version:      Version,
	})
}

func TestGetPort_Default(t *testing.T) {
	os.Unsetenv("PORT")
	if got := getPort(); got != "8080" {
		t.Errorf("getPort() = %q, want %q", got, "8080")
	}
}

func TestGetPort_FromEnv(t *testing.T) {
	t.Setenv("PORT", "3000")
	if got := getPort(); got != "3000" {
		t.Errorf("getPort() = %q, want %q", got, "3000")
	}
}

func TestHealthEndpoint(t *testing.T) {
	router := testRouter()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	contentType := rec.Header().Get("Content-Type")
	if contentType != "application/json" {
		t.Errorf("Content-Type = %q, want %q", contentType, "application/json")
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response body: %v", err)
	}

	if body["status"] != "ok" {
		t.Errorf("status = %q, want %q", body["status"], "ok")
	}

	if body["version"] != Version {
		t.Errorf("version = %q, want %q", body["version"], Version)
	}
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	router := testRouter()

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestChatRouteWiredThroughOrchestrator(t *testing.T) {
	router := testRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/query", nil)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	// An empty body is a malformed request, not a 404 - proves the route is
	// actually wired to the Chat handler rather than missing from the mux.
	if rec.Code == http.StatusNotFound {
		t.Fatalf("status = %d, want the chat route to be registered", rec.Code)
	}
}

func TestVersion(t *testing.T) {
	if Version == "" {
		t.Error("Version must not be empty")
	}
}
