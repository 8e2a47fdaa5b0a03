package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// generatorSystemPrompt instructs the model to answer strictly from the
// numbered context chunks, cite only chunks it actually used, and to answer
// in targetLanguage. The JSON output contract mirrors the classifier's: a
// strict shape the model is asked for, parsed tolerantly because models
// drift from it under load.
const generatorSystemPromptTemplate = `You are a climate resilience assistant. Answer the user's question using ONLY the numbered context chunks below. Do not use outside knowledge. If the chunks do not contain enough information to answer, say so plainly instead of guessing.

Answer in this language: %s

Respond with a JSON object of this exact shape:
{"answer": "...", "citations": [{"chunk": 1}]}

"citations" must list only the chunk numbers your answer actually draws on. Never invent a URL or chunk number that was not in the context.`

const generatorUserPromptHeader = "Context:\n"

// GenerateResult is the Response Generator's (C11) output before the
// Faithfulness Guard scores it.
type GenerateResult struct {
	Text      string
	Citations []Citation
	ModelUsed ModelBackend
}

// Generate calls client with the numbered FinalSet as grounding context and
// returns an answer restricted to citing only those documents. Citation
// enforcement here is structural (indices out of range are dropped); whether
// the remaining citations are actually supported by the text is the
// Faithfulness Guard's job, not this function's.
func Generate(ctx context.Context, client GenAIClient, englishQuery string, history []Turn, docs []Document, backend ModelBackend, targetLanguage string) (GenerateResult, error) {
	if client == nil {
		return GenerateResult{}, fmt.Errorf("pipeline.Generate: nil client")
	}

	systemPrompt := fmt.Sprintf(generatorSystemPromptTemplate, targetLanguage)
	userPrompt := buildGeneratorUserPrompt(englishQuery, history, docs)

	start := time.Now()
	raw, err := client.GenerateContent(ctx, systemPrompt, userPrompt)
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0
	if err != nil {
		slog.Error("dependency call failed", "dep", "generator_llm", "op", "generate", "ms", elapsed, "status", "ERR", "backend", backend, "err", err)
		return GenerateResult{}, fmt.Errorf("pipeline.Generate: %w", err)
	}
	slog.Info("dependency call ok", "dep", "generator_llm", "op", "generate", "ms", elapsed, "status", "OK", "backend", backend)

	text, indices := parseGeneratorOutput(raw)
	citations := citationsForIndices(docs, indices)

	return GenerateResult{Text: text, Citations: citations, ModelUsed: backend}, nil
}

// buildGeneratorUserPrompt numbers each document as "[N] Title (url)\ncontent"
// followed by the conversation history and the query, the way the teacher's
// generator numbers chunks for citation back-reference.
func buildGeneratorUserPrompt(query string, history []Turn, docs []Document) string {
	var b strings.Builder
	b.WriteString(generatorUserPromptHeader)
	for i, d := range docs {
		fmt.Fprintf(&b, "[%d] %s (%s)\n%s\n\n", i+1, d.Title, d.FirstURL(), d.Content)
	}

	if len(history) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, t := range history {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Question: %s\n", query)
	return b.String()
}

type generatorJSON struct {
	Answer    string `json:"answer"`
	Citations []struct {
		Chunk int `json:"chunk"`
	} `json:"citations"`
}

var generatorChunkRefRegex = regexp.MustCompile(`\[(\d+)\]`)

// parseGeneratorOutput tries strict JSON first, then falls back to treating
// raw as the answer text and harvesting "[N]" chunk references from it, the
// way the classifier falls back through progressively looser parses rather
// than failing the whole call on a malformed model response.
func parseGeneratorOutput(raw string) (string, []int) {
	stripped := stripCodeFence(strings.TrimSpace(raw))

	var parsed generatorJSON
	if err := json.Unmarshal([]byte(stripped), &parsed); err == nil && parsed.Answer != "" {
		indices := make([]int, 0, len(parsed.Citations))
		for _, c := range parsed.Citations {
			indices = append(indices, c.Chunk)
		}
		return parsed.Answer, indices
	}

	var indices []int
	seen := make(map[int]bool)
	for _, m := range generatorChunkRefRegex.FindAllStringSubmatch(stripped, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || seen[n] {
			continue
		}
		seen[n] = true
		indices = append(indices, n)
	}
	return stripped, indices
}

// citationsForIndices converts 1-based chunk references into Citations,
// silently dropping any index outside [1, len(docs)] rather than failing —
// a model that hallucinates an out-of-range chunk number just loses that
// one citation, not the whole answer.
func citationsForIndices(docs []Document, indices []int) []Citation {
	out := make([]Citation, 0, len(indices))
	seen := make(map[int]bool, len(indices))
	for _, idx := range indices {
		if idx < 1 || idx > len(docs) || seen[idx] {
			continue
		}
		seen[idx] = true
		d := docs[idx-1]
		out = append(out, Citation{Title: d.Title, URL: d.FirstURL(), Snippet: truncateForLog(d.Content, 240)})
	}
	return out
}
