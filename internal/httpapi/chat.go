package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/climate-resilient/query-pipeline/internal/middleware"
	"github.com/climate-resilient/query-pipeline/internal/pipeline"
)

const chatRequestTimeout = 120 * time.Second

// turnJSON mirrors pipeline.Turn for the wire format.
type turnJSON struct {
	Role         string `json:"role"`
	Content      string `json:"content"`
	LanguageCode string `json:"language_code,omitempty"`
}

// ChatRequest is the decoded body of POST /api/v1/chat/query.
type ChatRequest struct {
	Query               string     `json:"query"`
	Language            string     `json:"language"`
	ConversationHistory []turnJSON `json:"conversation_history,omitempty"`
	Stream              bool       `json:"stream,omitempty"`
}

// chatResponse is the 200 body shape from spec §6.1.
type chatResponse struct {
	Success           bool                `json:"success"`
	Response          string              `json:"response"`
	Citations         []citationJSON      `json:"citations"`
	FaithfulnessScore float64             `json:"faithfulness_score"`
	ProcessingTime    float64             `json:"processing_time"`
	LanguageUsed      string              `json:"language_used"`
	ModelUsed         string              `json:"model_used"`
	RetrievalSource   string              `json:"retrieval_source"`
	RequestID         string              `json:"request_id"`
}

type citationJSON struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

type errorBody struct {
	Success bool        `json:"success"`
	Error   errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorCodeMap translates the pipeline's closed failure taxonomy into the
// external, uppercase HTTP error codes spec §6.1 names, along with the
// status each maps to.
var errorCodeMap = map[pipeline.ErrorCode]struct {
	httpCode string
	status   int
}{
	pipeline.ErrCodeEmptyQuery:       {"VALIDATION_ERROR", http.StatusBadRequest},
	pipeline.ErrCodeTooLongQuery:     {"VALIDATION_ERROR", http.StatusBadRequest},
	pipeline.ErrCodeOffTopic:         {"OFF_TOPIC_QUERY", http.StatusBadRequest},
	pipeline.ErrCodeHarmfulQuery:     {"HARMFUL_QUERY", http.StatusBadRequest},
	pipeline.ErrCodeLanguageMismatch: {"LANGUAGE_MISMATCH", http.StatusBadRequest},
	pipeline.ErrCodeRetrievalEmpty:   {"VALIDATION_ERROR", http.StatusUnprocessableEntity},
	pipeline.ErrCodeGenerationFailed: {"VALIDATION_ERROR", http.StatusInternalServerError},
	pipeline.ErrCodeInternalError:    {"VALIDATION_ERROR", http.StatusInternalServerError},
}

// Orchestrator is the subset of pipeline.Orchestrator the chat handler
// depends on.
type Orchestrator interface {
	Process(ctx context.Context, q pipeline.Query) (pipeline.Answer, *pipeline.PipelineError)
}

// Chat handles POST /api/v1/chat/query: decodes and validates the request,
// runs it through the orchestrator, and writes either a single JSON
// response or, when stream=true, a word-level SSE stream mirroring the
// teacher's chat handler's event protocol.
func Chat(orch Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "VALIDATION_ERROR", "malformed request body", http.StatusBadRequest)
			return
		}

		query := strings.TrimSpace(req.Query)
		if query == "" || len(query) > 1000 {
			writeError(w, "VALIDATION_ERROR", "query must be 1 to 1000 characters", http.StatusBadRequest)
			return
		}
		if req.Language == "" {
			writeError(w, "VALIDATION_ERROR", "language is required", http.StatusBadRequest)
			return
		}

		history := make([]pipeline.Turn, 0, len(req.ConversationHistory))
		for _, t := range req.ConversationHistory {
			role := pipeline.RoleUser
			if t.Role == string(pipeline.RoleAssistant) {
				role = pipeline.RoleAssistant
			}
			history = append(history, pipeline.Turn{Role: role, Content: t.Content, LanguageCode: t.LanguageCode})
		}

		requestID, ok := middleware.RequestIDFromContext(r.Context())
		if !ok {
			requestID = uuid.NewString()
		}
		ctx, cancel := context.WithTimeout(r.Context(), chatRequestTimeout)
		defer cancel()

		pq := pipeline.Query{
			RawText:              query,
			SelectedLanguageCode: req.Language,
			ConversationHistory:  history,
			RequestID:            requestID,
		}

		start := time.Now()
		answer, pipelineErr := orch.Process(ctx, pq)
		if pipelineErr != nil {
			mapped, ok := errorCodeMap[pipelineErr.Code]
			if !ok {
				mapped.httpCode, mapped.status = "VALIDATION_ERROR", http.StatusInternalServerError
			}
			slog.Warn("[Chat] pipeline error", "request_id", requestID, "code", pipelineErr.Code, "ms", time.Since(start).Milliseconds())
			writeError(w, mapped.httpCode, pipelineErr.Message, mapped.status)
			return
		}

		citations := make([]citationJSON, len(answer.Citations))
		for i, c := range answer.Citations {
			citations[i] = citationJSON{Title: c.Title, URL: c.URL, Snippet: c.Snippet}
		}

		resp := chatResponse{
			Success:           true,
			Response:          answer.Text,
			Citations:         citations,
			FaithfulnessScore: answer.FaithfulnessScore,
			ProcessingTime:    float64(answer.ProcessingTimeMs) / 1000.0,
			LanguageUsed:      req.Language,
			ModelUsed:         string(answer.ModelUsed),
			RetrievalSource:   string(answer.RetrievalSource),
			RequestID:         requestID,
		}

		slog.Info("[Chat Latency]",
			"request_id", requestID,
			"total_ms", answer.ProcessingTimeMs,
			"step_times_ms", answer.StepTimesMs,
			"retrieval_source", answer.RetrievalSource,
			"model_used", answer.ModelUsed,
			"faithfulness_score", answer.FaithfulnessScore,
		)

		if req.Stream {
			streamAnswer(w, resp)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// streamAnswer emits the answer as word-level SSE "token" events followed
// by a terminal "done" event carrying the full structured response, the way
// the teacher's chat handler streams generation then closes with citations
// and confidence metadata.
func streamAnswer(w http.ResponseWriter, resp chatResponse) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	for _, tok := range splitIntoTokens(resp.Response) {
		sendEvent(w, flusher, "token", fmt.Sprintf("%q", tok))
	}

	doneBody, _ := json.Marshal(resp)
	sendEvent(w, flusher, "done", string(doneBody))
}

func sendEvent(w http.ResponseWriter, f http.Flusher, event, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	f.Flush()
}

func splitIntoTokens(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	tokens := make([]string, len(words))
	for i, w := range words {
		if i < len(words)-1 {
			tokens[i] = w + " "
		} else {
			tokens[i] = w
		}
	}
	return tokens
}

func writeError(w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Success: false, Error: errorDetail{Code: code, Message: message}})
}
