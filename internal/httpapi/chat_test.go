package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/climate-resilient/query-pipeline/internal/middleware"
	"github.com/climate-resilient/query-pipeline/internal/pipeline"
)

type fakeOrchestrator struct {
	answer pipeline.Answer
	err    *pipeline.PipelineError
	gotQ   pipeline.Query
}

func (f *fakeOrchestrator) Process(ctx context.Context, q pipeline.Query) (pipeline.Answer, *pipeline.PipelineError) {
	f.gotQ = q
	return f.answer, f.err
}

func postChat(t *testing.T, orch Orchestrator, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/query", strings.NewReader(body))
	rec := httptest.NewRecorder()
	Chat(orch).ServeHTTP(rec, req)
	return rec
}

func TestChat_MalformedBodyReturnsValidationError(t *testing.T) {
	rec := postChat(t, &fakeOrchestrator{}, "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body errorBody
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Error.Code != "VALIDATION_ERROR" {
		t.Errorf("error code = %q", body.Error.Code)
	}
}

func TestChat_EmptyQueryReturnsValidationError(t *testing.T) {
	rec := postChat(t, &fakeOrchestrator{}, `{"query":"  ","language":"en"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestChat_TooLongQueryReturnsValidationError(t *testing.T) {
	long := strings.Repeat("a", 1001)
	rec := postChat(t, &fakeOrchestrator{}, `{"query":"`+long+`","language":"en"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestChat_MissingLanguageReturnsValidationError(t *testing.T) {
	rec := postChat(t, &fakeOrchestrator{}, `{"query":"what is climate change"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestChat_PipelineErrorMapsToExternalCode(t *testing.T) {
	orch := &fakeOrchestrator{err: &pipeline.PipelineError{Code: pipeline.ErrCodeOffTopic, Message: "not climate related"}}
	rec := postChat(t, orch, `{"query":"what is your favorite food","language":"en"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body errorBody
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Error.Code != "OFF_TOPIC_QUERY" {
		t.Errorf("error code = %q, want OFF_TOPIC_QUERY", body.Error.Code)
	}
	if body.Error.Message != "not climate related" {
		t.Errorf("error message = %q", body.Error.Message)
	}
}

func TestChat_UnmappedErrorCodeDefaultsTo500(t *testing.T) {
	orch := &fakeOrchestrator{err: &pipeline.PipelineError{Code: pipeline.ErrorCode("something_unlisted"), Message: "boom"}}
	rec := postChat(t, orch, `{"query":"what is climate change","language":"en"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestChat_SuccessReturnsStructuredResponse(t *testing.T) {
	orch := &fakeOrchestrator{answer: pipeline.Answer{
		Text:              "Climate change refers to long-term shifts in temperature.",
		Citations:         []pipeline.Citation{{Title: "Source", URL: "https://example.com", Snippet: "snip"}},
		FaithfulnessScore: 0.93,
		ProcessingTimeMs:  1500,
		ModelUsed:         pipeline.BackendA,
		RetrievalSource:   pipeline.SourceSearch,
	}}
	rec := postChat(t, orch, `{"query":"what is climate change","language":"en"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp chatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.Success {
		t.Error("expected success=true")
	}
	if resp.ProcessingTime != 1.5 {
		t.Errorf("ProcessingTime = %v, want 1.5", resp.ProcessingTime)
	}
	if len(resp.Citations) != 1 || resp.Citations[0].URL != "https://example.com" {
		t.Errorf("Citations = %+v", resp.Citations)
	}
	if resp.RequestID == "" {
		t.Error("expected a generated request id")
	}
}

func TestChat_UsesRequestIDFromLoggingMiddleware(t *testing.T) {
	orch := &fakeOrchestrator{answer: pipeline.Answer{Text: "ok"}}
	handler := middleware.Logging(Chat(orch))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/query", strings.NewReader(`{"query":"what is climate change","language":"en"}`))
	req.Header.Set("X-Request-ID", "upstream-trace-id")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var resp chatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.RequestID != "upstream-trace-id" {
		t.Errorf("RequestID = %q, want the id Logging put on the request context (%q), not a fresh one", resp.RequestID, "upstream-trace-id")
	}
	if orch.gotQ.RequestID != "upstream-trace-id" {
		t.Errorf("pipeline.Query.RequestID = %q, want %q", orch.gotQ.RequestID, "upstream-trace-id")
	}
}

func TestChat_ConversationHistoryRoleMapping(t *testing.T) {
	orch := &fakeOrchestrator{}
	body := `{"query":"followup question","language":"en","conversation_history":[
		{"role":"assistant","content":"prior answer"},
		{"role":"user","content":"prior question"},
		{"role":"bogus","content":"unknown role defaults to user"}
	]}`
	postChat(t, orch, body)
	if len(orch.gotQ.ConversationHistory) != 3 {
		t.Fatalf("len(history) = %d, want 3", len(orch.gotQ.ConversationHistory))
	}
	if orch.gotQ.ConversationHistory[0].Role != pipeline.RoleAssistant {
		t.Errorf("turn 0 role = %q, want assistant", orch.gotQ.ConversationHistory[0].Role)
	}
	if orch.gotQ.ConversationHistory[1].Role != pipeline.RoleUser {
		t.Errorf("turn 1 role = %q, want user", orch.gotQ.ConversationHistory[1].Role)
	}
	if orch.gotQ.ConversationHistory[2].Role != pipeline.RoleUser {
		t.Errorf("turn 2 role = %q, want user (unrecognized role defaults to user)", orch.gotQ.ConversationHistory[2].Role)
	}
}

func TestChat_StreamTrueEmitsSSETokensAndDoneEvent(t *testing.T) {
	orch := &fakeOrchestrator{answer: pipeline.Answer{Text: "hello world"}}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/query", bytes.NewBufferString(`{"query":"hi","language":"en","stream":true}`))
	rec := httptest.NewRecorder()
	Chat(orch).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK && rec.Header().Get("Content-Type") != "text/event-stream" {
		t.Fatalf("expected event-stream content-type, got status=%d headers=%v", rec.Code, rec.Header())
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: token") {
		t.Errorf("expected token events in body: %s", body)
	}
	if !strings.Contains(body, "event: done") {
		t.Errorf("expected a done event in body: %s", body)
	}
}

func TestSplitIntoTokens(t *testing.T) {
	got := splitIntoTokens("one two three")
	want := []string{"one ", "two ", "three"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSplitIntoTokens_Empty(t *testing.T) {
	if got := splitIntoTokens(""); got != nil {
		t.Errorf("splitIntoTokens(\"\") = %v, want nil", got)
	}
}
