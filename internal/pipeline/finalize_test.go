package pipeline

import (
	"context"
	"testing"

	"github.com/climate-resilient/query-pipeline/internal/config"
)

func rerankedDoc(id string, score float64) Document {
	return Document{ID: id, Title: "doc-" + id, URLs: []string{"https://example.com/" + id}, Score: score}
}

func TestFinalize_KeepsExactlyKWhenEnoughAboveFloor(t *testing.T) {
	reranked := []Document{
		rerankedDoc("a", 0.95),
		rerankedDoc("b", 0.90),
		rerankedDoc("c", 0.85),
		rerankedDoc("d", 0.80),
		rerankedDoc("e", 0.75),
		rerankedDoc("f", 0.70),
	}
	cfg := config.RetrievalConfig{HardFloorScore: 0.60}

	final, report := Finalize(context.Background(), "q", reranked, 5, nil, nil, nil, SparseVector{}, 0.5, nil, cfg)

	if len(final) != 5 {
		t.Fatalf("len(final) = %d, want 5", len(final))
	}
	if report.Backfilled != 0 {
		t.Errorf("Backfilled = %d, want 0 when enough docs clear the floor", report.Backfilled)
	}
	// Invariant: backfill preserves rerank order.
	for i, d := range final {
		if d.ID != reranked[i].ID {
			t.Errorf("final[%d].ID = %q, want %q (rerank order preserved)", i, d.ID, reranked[i].ID)
		}
	}
}

func TestFinalize_BackfillsToKWhenShort(t *testing.T) {
	reranked := []Document{
		rerankedDoc("a", 0.90),
		rerankedDoc("b", 0.20), // below hard floor
		rerankedDoc("c", 0.15),
	}
	cfg := config.RetrievalConfig{HardFloorScore: 0.60}

	final, report := Finalize(context.Background(), "q", reranked, 3, nil, nil, nil, SparseVector{}, 0.5, nil, cfg)

	if len(final) != 3 {
		t.Fatalf("len(final) = %d, want 3 (backfilled from rerank order)", len(final))
	}
	if report.Backfilled == 0 {
		t.Error("expected Backfilled > 0 when most docs are below the hard floor")
	}
}

func TestFinalize_FloorNeverDropsBelowHardFloor(t *testing.T) {
	// MIN_RERANK is a hard floor: softening to p10 can pull the floor down
	// from a p20-derived value, but never below the configured hard floor.
	reranked := []Document{
		rerankedDoc("a", 0.99),
		rerankedDoc("b", 0.30),
		rerankedDoc("c", 0.29),
		rerankedDoc("d", 0.28),
		rerankedDoc("e", 0.27),
	}
	const hardFloor = 0.10

	_, report := applyFloorQuotaBackfill(reranked, 5, hardFloor)
	if report.FloorUsed < hardFloor {
		t.Errorf("FloorUsed = %v, must never drop below the hard floor %v", report.FloorUsed, hardFloor)
	}
}

func TestFinalize_HardFloorDominanceStillBackfillsToK(t *testing.T) {
	// When the hard floor dominates both p20 and p10 (nearly every doc scores
	// below it), softening cannot recover more keepers - it is a floor, not a
	// target - so the quota must be met entirely by rerank-order backfill.
	reranked := []Document{
		rerankedDoc("a", 0.99),
		rerankedDoc("b", 0.20),
		rerankedDoc("c", 0.19),
		rerankedDoc("d", 0.18),
		rerankedDoc("e", 0.17),
	}
	const hardFloor = 0.50

	final, report := applyFloorQuotaBackfill(reranked, 5, hardFloor)
	if report.AboveFloor != 1 {
		t.Errorf("AboveFloor = %d, want 1 (only %q clears the hard floor)", report.AboveFloor, "a")
	}
	if report.FloorUsed != hardFloor {
		t.Errorf("FloorUsed = %v, want the hard floor %v (softening cannot go below it)", report.FloorUsed, hardFloor)
	}
	if len(final) != 5 {
		t.Fatalf("len(final) = %d, want 5 via backfill", len(final))
	}
	if report.Backfilled != 4 {
		t.Errorf("Backfilled = %d, want 4", report.Backfilled)
	}
}

func TestPreFilterMinRerank_DropsWeakContextsAheadOfFloor(t *testing.T) {
	reranked := []Document{
		rerankedDoc("a", 0.95),
		rerankedDoc("b", 0.72),
		rerankedDoc("c", 0.65), // below 0.70 pre-filter, would otherwise clear a 0.60 floor
	}

	filtered := preFilterMinRerank(reranked, 0.70)
	if len(filtered) != 2 {
		t.Fatalf("len(filtered) = %d, want 2 (doc below min_rerank_score dropped)", len(filtered))
	}
	for _, d := range filtered {
		if d.ID == "c" {
			t.Errorf("doc %q scored below min_rerank_score and should have been pre-filtered", d.ID)
		}
	}
}

func TestPreFilterMinRerank_DisabledWhenZero(t *testing.T) {
	reranked := []Document{rerankedDoc("a", 0.10)}
	if got := preFilterMinRerank(reranked, 0); len(got) != 1 {
		t.Errorf("len(got) = %d, want 1 (min_rerank_score=0 disables the pre-filter)", len(got))
	}
}

func TestPreFilterMinRerank_NeverEmptiesThePool(t *testing.T) {
	reranked := []Document{rerankedDoc("a", 0.10), rerankedDoc("b", 0.20)}
	got := preFilterMinRerank(reranked, 0.90)
	if len(got) != len(reranked) {
		t.Errorf("len(got) = %d, want %d (falls back to the full pool rather than finalizing against nothing)", len(got), len(reranked))
	}
}

func TestFinalize_EmptyInputReturnsEmpty(t *testing.T) {
	final, report := applyFloorQuotaBackfill(nil, 5, 0.6)
	if final != nil {
		t.Errorf("final = %v, want nil for empty input", final)
	}
	if report.FloorUsed != 0 {
		t.Errorf("FloorUsed = %v, want 0 for empty input", report.FloorUsed)
	}
}

func TestFinalize_DroppedTop2Reported(t *testing.T) {
	// Top-ranked doc scores very low (e.g. rerank disagreed with retrieval
	// order) and gets dropped by the floor; it should show up in DroppedTop2.
	reranked := []Document{
		rerankedDoc("top-but-low", 0.05),
		rerankedDoc("b", 0.90),
		rerankedDoc("c", 0.88),
		rerankedDoc("d", 0.85),
	}
	cfg := config.RetrievalConfig{HardFloorScore: 0.60}

	_, report := Finalize(context.Background(), "q", reranked, 3, nil, nil, nil, SparseVector{}, 0.5, nil, cfg)

	found := false
	for _, d := range report.DroppedTop2 {
		if d.ID == "top-but-low" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected DroppedTop2 to report the dropped top-2 doc, got %+v", report.DroppedTop2)
	}
}
