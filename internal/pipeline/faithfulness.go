package pipeline

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/climate-resilient/query-pipeline/internal/search"
)

const faithfulnessSystemPrompt = `You are a strict faithfulness judge. Given a question, a set of source passages, and a generated answer, score how well the answer is supported by the passages alone, ignoring fluency and style.

Respond with a single line: a number between 0 and 1, where 1 means every claim in the answer is directly supported by the passages and 0 means the answer is unsupported or contradicts them.`

// faithfulnessContextWordLimit truncates each passage handed to the judge so
// the rubric call stays cheap; a judge does not need the whole document to
// tell if a sentence is grounded in it.
const faithfulnessContextWordLimit = 450

// webPseudoChunkMaxChars bounds the synthetic document built from a web
// search snippet, the way the teacher's web-pseudo-chunk builder bounds its
// sub-chunks.
const webPseudoChunkMaxChars = 3000

var faithfulnessScoreRegex = regexp.MustCompile(`(?:0(?:\.\d+)?|1(?:\.0+)?)`)

// FaithfulnessGuard scores a generated answer's groundedness against its
// source documents (C12) and, when the score falls below the low cutoff,
// regenerates once against web-search pseudo-chunks and keeps whichever
// result scores higher.
type FaithfulnessGuard struct {
	judge     GenAIClient
	search    search.Provider
	threshold float64
	lowCutoff float64
}

// NewFaithfulnessGuard wires the judge model and the web-search fallback
// provider. threshold is the pass/fail cutoff surfaced in Answer.Warnings;
// lowCutoff is the (lower) cutoff below which a web-search regeneration is
// attempted at all.
func NewFaithfulnessGuard(judge GenAIClient, provider search.Provider, threshold, lowCutoff float64) *FaithfulnessGuard {
	if provider == nil {
		provider = search.NoopProvider{}
	}
	return &FaithfulnessGuard{judge: judge, search: provider, threshold: threshold, lowCutoff: lowCutoff}
}

// Threshold returns the configured pass/fail faithfulness threshold.
func (g *FaithfulnessGuard) Threshold() float64 { return g.threshold }

// Score asks the judge model to rate question/answer/docs groundedness in
// [0,1]. On judge failure or an unparsable response, it returns 0 and an
// error rather than guessing a score — callers should treat that as "accept
// the answer but mark it unverified", per the orchestrator's degradation
// rule for a faithfulness-stage failure.
func (g *FaithfulnessGuard) Score(ctx context.Context, question, answer string, docs []Document) (float64, error) {
	if g.judge == nil {
		return 0, fmt.Errorf("pipeline.FaithfulnessGuard: nil judge client")
	}
	prompt := buildFaithfulnessPrompt(question, answer, docs)

	start := time.Now()
	raw, err := g.judge.GenerateContent(ctx, faithfulnessSystemPrompt, prompt)
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0
	if err != nil {
		slog.Error("dependency call failed", "dep", "faithfulness_judge", "op", "score", "ms", elapsed, "status", "ERR", "err", err)
		return 0, fmt.Errorf("pipeline.FaithfulnessGuard: %w", err)
	}

	score, ok := parseFaithfulnessScore(raw)
	if !ok {
		slog.Warn("dependency call ok but unparsable", "dep", "faithfulness_judge", "op", "score", "ms", elapsed, "status", "ERR", "raw", truncateForLog(raw, 120))
		return 0, fmt.Errorf("pipeline.FaithfulnessGuard: unparsable judge response %q", truncateForLog(raw, 60))
	}
	slog.Info("dependency call ok", "dep", "faithfulness_judge", "op", "score", "ms", elapsed, "status", "OK", "score", score)
	return score, nil
}

// Check scores result against docs and, if the score is below lowCutoff,
// attempts one web-search regeneration via generatorClient and keeps
// whichever of the two (original vs web-regenerated) scores higher. It
// returns the final GenerateResult, its faithfulness score, the retrieval
// source the final answer came from, and any warnings to surface to the
// caller.
func (g *FaithfulnessGuard) Check(ctx context.Context, generatorClient GenAIClient, englishQuery string, history []Turn, result GenerateResult, docs []Document, backend ModelBackend, targetLanguage string) (GenerateResult, float64, RetrievalSource, []string) {
	var warnings []string

	score, err := g.Score(ctx, englishQuery, result.Text, docs)
	if err != nil {
		warnings = append(warnings, "faithfulness check unavailable, answer not independently verified")
		return result, 0, SourceSearch, warnings
	}
	if score >= g.lowCutoff {
		if score < g.threshold {
			warnings = append(warnings, fmt.Sprintf("faithfulness score %.2f below threshold %.2f", score, g.threshold))
		}
		return result, score, SourceSearch, warnings
	}

	warnings = append(warnings, fmt.Sprintf("faithfulness score %.2f below low cutoff %.2f, attempting web fallback", score, g.lowCutoff))

	webDocs, err := g.buildWebPseudoChunks(ctx, englishQuery)
	if err != nil || len(webDocs) == 0 {
		warnings = append(warnings, "web search fallback unavailable, keeping original answer")
		return result, score, SourceSearch, warnings
	}

	webResult, err := Generate(ctx, generatorClient, englishQuery, history, webDocs, backend, targetLanguage)
	if err != nil {
		warnings = append(warnings, "web fallback regeneration failed, keeping original answer")
		return result, score, SourceSearch, warnings
	}

	webScore, err := g.Score(ctx, englishQuery, webResult.Text, webDocs)
	if err != nil || webScore <= score {
		warnings = append(warnings, "web fallback did not improve faithfulness, keeping original answer")
		return result, score, SourceSearch, warnings
	}

	warnings = append(warnings, fmt.Sprintf("web fallback improved faithfulness score from %.2f to %.2f", score, webScore))
	if webScore < g.threshold {
		warnings = append(warnings, fmt.Sprintf("faithfulness score %.2f below threshold %.2f", webScore, g.threshold))
	}
	return webResult, webScore, SourceFallbackWeb, warnings
}

// buildWebPseudoChunks turns web search results into ephemeral Documents the
// generator can cite against, the way the teacher's chat handler hashes web
// content into ephemeral chunk/document entries for its no-KB-match path.
func (g *FaithfulnessGuard) buildWebPseudoChunks(ctx context.Context, query string) ([]Document, error) {
	results, err := g.search.Search(ctx, query, 5)
	if err != nil {
		slog.Warn("dependency call failed", "dep", g.search.Name(), "op", "search", "status", "ERR", "err", err)
		return nil, err
	}
	docs := make([]Document, 0, len(results))
	for _, r := range results {
		content := r.Snippet
		if len(content) > webPseudoChunkMaxChars {
			content = content[:webPseudoChunkMaxChars]
		}
		sum := sha1.Sum([]byte(r.URL + r.Title))
		docs = append(docs, Document{
			ID:      "web-" + hex.EncodeToString(sum[:8]),
			Title:   r.Title,
			Content: content,
			URLs:    []string{r.URL},
		})
	}
	return docs, nil
}

func buildFaithfulnessPrompt(question, answer string, docs []Document) string {
	var b strings.Builder
	b.WriteString("Passages:\n")
	for i, d := range docs {
		fmt.Fprintf(&b, "[%d] %s\n\n", i+1, truncateWords(d.Content, faithfulnessContextWordLimit))
	}
	fmt.Fprintf(&b, "Question: %s\n\nAnswer to judge: %s\n", question, answer)
	return b.String()
}

func truncateWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) <= n {
		return s
	}
	return strings.Join(words[:n], " ")
}

// parseFaithfulnessScore extracts the first number in [0,1] from raw,
// tolerating surrounding prose the judge model adds despite being asked for
// a bare number.
func parseFaithfulnessScore(raw string) (float64, bool) {
	m := faithfulnessScoreRegex.FindString(strings.TrimSpace(raw))
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil || v < 0 || v > 1 {
		return 0, false
	}
	return v, true
}
