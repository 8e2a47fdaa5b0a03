package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// rerankMaxChars bounds per-document payload size (~300-400 tokens).
const rerankMaxChars = 1500

// rerankTimeout is the hard wall-clock budget for a rerank call; on
// timeout/error the caller's order is preserved and truncated to top_n.
const rerankTimeout = 10 * time.Second

// Reranker calls a cross-encoder rerank endpoint, clipping payloads and
// degrading to upstream order on any failure.
type Reranker struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewReranker constructs a Reranker against a Cohere-compatible rerank
// endpoint. endpoint defaults to Cohere's v2 rerank API.
func NewReranker(endpoint, apiKey, model string) *Reranker {
	if endpoint == "" {
		endpoint = "https://api.cohere.com/v2/rerank"
	}
	if model == "" {
		model = "rerank-english-v3.0"
	}
	return &Reranker{
		endpoint:   endpoint,
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: rerankTimeout},
	}
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Rerank clips each document to rerankMaxChars, calls the rerank endpoint
// under a hard timeout, and returns docs ordered by relevance with Score set
// to the relevance score in [0,1]. On timeout or any error, it logs
// status=FALLBACK and returns the input docs truncated to topN, preserving
// upstream order exactly.
func (r *Reranker) Rerank(ctx context.Context, query string, docs []Document, topN int) []Document {
	if len(docs) == 0 {
		return nil
	}

	texts := make([]string, len(docs))
	totalChars := 0
	for i, d := range docs {
		clipped := clipText(d.Content, rerankMaxChars)
		texts[i] = clipped
		totalChars += len(clipped)
	}
	slog.Info("dependency call", "dep", "cohere_rerank", "payload_chars", totalChars, "n_docs", len(docs))

	rctx, cancel := context.WithTimeout(ctx, rerankTimeout)
	defer cancel()

	start := time.Now()
	results, err := r.call(rctx, query, texts, topN)
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0
	if err != nil {
		slog.Warn("dependency call failed", "dep", "cohere_rerank", "host", "api.cohere.com", "op", "rerank", "ms", elapsed, "status", "FALLBACK", "err", err)
		return truncate(docs, topN)
	}
	slog.Info("dependency call ok", "dep", "cohere_rerank", "host", "api.cohere.com", "op", "rerank", "ms", elapsed, "status", "OK")

	out := make([]Document, 0, len(results))
	for _, res := range results {
		if res.Index < 0 || res.Index >= len(docs) {
			continue
		}
		out = append(out, docs[res.Index].WithScore(res.RelevanceScore))
	}
	if len(out) == 0 {
		return truncate(docs, topN)
	}
	return out
}

func (r *Reranker) call(ctx context.Context, query string, texts []string, topN int) ([]struct {
	Index          int
	RelevanceScore float64
}, error) {
	reqBody := rerankRequest{Model: r.model, Query: query, Documents: texts, TopN: topN}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("pipeline.Reranker: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("pipeline.Reranker: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pipeline.Reranker: call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("pipeline.Reranker: status %d: %s", resp.StatusCode, respBody)
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("pipeline.Reranker: decode: %w", err)
	}

	out := make([]struct {
		Index          int
		RelevanceScore float64
	}, len(parsed.Results))
	for i, res := range parsed.Results {
		out[i].Index = res.Index
		out[i].RelevanceScore = res.RelevanceScore
	}
	return out, nil
}

func clipText(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

func truncate(docs []Document, n int) []Document {
	if n <= 0 || n > len(docs) {
		n = len(docs)
	}
	return docs[:n]
}
