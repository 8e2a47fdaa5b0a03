package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/climate-resilient/query-pipeline/internal/search"
)

func TestFaithfulnessGuard_Score_ParsesBareNumber(t *testing.T) {
	judge := &fakeGenAIClient{responses: []string{"0.85"}}
	g := NewFaithfulnessGuard(judge, nil, 0.70, 0.10)

	score, err := g.Score(context.Background(), "q", "a", []Document{{Content: "ctx"}})
	if err != nil {
		t.Fatalf("Score() error: %v", err)
	}
	if score != 0.85 {
		t.Errorf("score = %v, want 0.85", score)
	}
}

func TestFaithfulnessGuard_Score_ParsesNumberSurroundedByProse(t *testing.T) {
	judge := &fakeGenAIClient{responses: []string{"I'd say this answer scores about 0.4 given the passages."}}
	g := NewFaithfulnessGuard(judge, nil, 0.70, 0.10)

	score, err := g.Score(context.Background(), "q", "a", nil)
	if err != nil {
		t.Fatalf("Score() error: %v", err)
	}
	if score != 0.4 {
		t.Errorf("score = %v, want 0.4", score)
	}
}

func TestFaithfulnessGuard_Score_ErrorsOnNilJudge(t *testing.T) {
	g := NewFaithfulnessGuard(nil, nil, 0.70, 0.10)
	_, err := g.Score(context.Background(), "q", "a", nil)
	if err == nil {
		t.Fatal("expected an error with a nil judge client")
	}
}

func TestFaithfulnessGuard_Score_ErrorsOnJudgeFailure(t *testing.T) {
	judge := &fakeGenAIClient{errs: []error{errors.New("judge unreachable")}}
	g := NewFaithfulnessGuard(judge, nil, 0.70, 0.10)
	_, err := g.Score(context.Background(), "q", "a", nil)
	if err == nil {
		t.Fatal("expected an error on judge failure")
	}
}

func TestFaithfulnessGuard_Check_AboveThresholdNoWarnings(t *testing.T) {
	judge := &fakeGenAIClient{responses: []string{"0.9"}}
	g := NewFaithfulnessGuard(judge, nil, 0.70, 0.10)

	result := GenerateResult{Text: "grounded answer", ModelUsed: BackendA}
	final, score, source, warnings := g.Check(context.Background(), nil, "q", nil, result, []Document{{Content: "ctx"}}, BackendA, "en")

	if score != 0.9 {
		t.Errorf("score = %v, want 0.9", score)
	}
	if source != SourceSearch {
		t.Errorf("source = %v, want SourceSearch", source)
	}
	if len(warnings) != 0 {
		t.Errorf("warnings = %v, want none", warnings)
	}
	if final.Text != result.Text {
		t.Error("expected the original result to be returned unchanged")
	}
}

func TestFaithfulnessGuard_Check_BetweenCutoffAndThresholdWarnsButKeeps(t *testing.T) {
	judge := &fakeGenAIClient{responses: []string{"0.5"}}
	g := NewFaithfulnessGuard(judge, nil, 0.70, 0.10)

	result := GenerateResult{Text: "partially grounded"}
	final, score, _, warnings := g.Check(context.Background(), nil, "q", nil, result, []Document{{Content: "ctx"}}, BackendA, "en")

	if score != 0.5 {
		t.Errorf("score = %v, want 0.5", score)
	}
	if len(warnings) == 0 {
		t.Error("expected a below-threshold warning")
	}
	if final.Text != result.Text {
		t.Error("expected the original result below threshold but above cutoff to be kept unchanged")
	}
}

func TestFaithfulnessGuard_Check_BelowCutoffWebFallbackImproves(t *testing.T) {
	judge := &fakeGenAIClient{responses: []string{"0.05", "0.8"}}
	generator := &fakeGenAIClient{responses: []string{`{"answer":"better grounded answer","citations":[{"chunk":1}]}`}}
	provider := search.FileProvider{Results: []search.Result{
		{Title: "Web Result", URL: "https://example.com/web", Snippet: "relevant web content"},
	}}
	g := NewFaithfulnessGuard(judge, provider, 0.70, 0.10)

	result := GenerateResult{Text: "poorly grounded answer"}
	final, score, source, warnings := g.Check(context.Background(), generator, "q", nil, result, []Document{{Content: "ctx"}}, BackendA, "en")

	if score != 0.8 {
		t.Errorf("score = %v, want 0.8 (web fallback score)", score)
	}
	if source != SourceFallbackWeb {
		t.Errorf("source = %v, want SourceFallbackWeb", source)
	}
	if final.Text != "better grounded answer" {
		t.Errorf("final.Text = %q, want the regenerated web answer", final.Text)
	}
	if len(warnings) == 0 {
		t.Error("expected warnings describing the fallback")
	}
}

func TestFaithfulnessGuard_Check_BelowCutoffWebFallbackDoesNotImproveKeepsOriginal(t *testing.T) {
	judge := &fakeGenAIClient{responses: []string{"0.05", "0.03"}}
	generator := &fakeGenAIClient{responses: []string{`{"answer":"still bad","citations":[]}`}}
	provider := search.FileProvider{Results: []search.Result{
		{Title: "Web Result", URL: "https://example.com/web", Snippet: "irrelevant"},
	}}
	g := NewFaithfulnessGuard(judge, provider, 0.70, 0.10)

	result := GenerateResult{Text: "original answer"}
	final, score, source, _ := g.Check(context.Background(), generator, "q", nil, result, []Document{{Content: "ctx"}}, BackendA, "en")

	if final.Text != "original answer" {
		t.Errorf("final.Text = %q, want original kept since fallback did not improve", final.Text)
	}
	if score != 0.05 {
		t.Errorf("score = %v, want original score 0.05", score)
	}
	if source != SourceSearch {
		t.Errorf("source = %v, want SourceSearch", source)
	}
}

func TestFaithfulnessGuard_Check_NoWebResultsKeepsOriginal(t *testing.T) {
	judge := &fakeGenAIClient{responses: []string{"0.01"}}
	g := NewFaithfulnessGuard(judge, search.NoopProvider{}, 0.70, 0.10)

	result := GenerateResult{Text: "original"}
	final, _, _, warnings := g.Check(context.Background(), nil, "q", nil, result, []Document{{Content: "ctx"}}, BackendA, "en")

	if final.Text != "original" {
		t.Errorf("final.Text = %q, want unchanged", final.Text)
	}
	if len(warnings) == 0 {
		t.Error("expected a warning about the unavailable web fallback")
	}
}

func TestFaithfulnessGuard_Check_JudgeFailureDegradesWithWarning(t *testing.T) {
	judge := &fakeGenAIClient{errs: []error{errors.New("down")}}
	g := NewFaithfulnessGuard(judge, nil, 0.70, 0.10)

	result := GenerateResult{Text: "original"}
	final, score, _, warnings := g.Check(context.Background(), nil, "q", nil, result, nil, BackendA, "en")

	if final.Text != "original" {
		t.Error("expected the result to be kept on judge failure")
	}
	if score != 0 {
		t.Errorf("score = %v, want 0 on judge failure", score)
	}
	if len(warnings) == 0 {
		t.Error("expected a warning on judge failure")
	}
}

func TestParseFaithfulnessScore_RejectsOutOfRangeAndGarbage(t *testing.T) {
	if _, ok := parseFaithfulnessScore("no number here"); ok {
		t.Error("expected parse failure for text with no number")
	}
	if _, ok := parseFaithfulnessScore(""); ok {
		t.Error("expected parse failure for empty string")
	}
}

func TestTruncateWords_LeavesShortTextAlone(t *testing.T) {
	if got := truncateWords("a b c", 10); got != "a b c" {
		t.Errorf("truncateWords short text = %q", got)
	}
}
