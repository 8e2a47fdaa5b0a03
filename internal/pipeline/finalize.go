package pipeline

import (
	"context"
	"sort"

	"github.com/climate-resilient/query-pipeline/internal/config"
)

// FinalizeReport carries the diagnostics the orchestrator logs alongside
// FinalSet.
type FinalizeReport struct {
	FloorUsed     float64
	AboveFloor    int
	Backfilled    int
	DroppedTop2   []Document
	SecondPassRan bool
}

// Finalize applies the percentile floor + quota + backfill logic to an
// already-reranked document list, running the guaranteed-K second pass
// (widened refill + rerank) if the first pass leaves fewer than K.
func Finalize(ctx context.Context, query string, reranked []Document, k int, retriever *Retriever, reranker *Reranker, dense []float32, sparse SparseVector, alpha float64, filter *IndexFilter, cfg config.RetrievalConfig) ([]Document, FinalizeReport) {
	final, report := applyFloorQuotaBackfill(preFilterMinRerank(reranked, cfg.MinRerankScore), k, cfg.HardFloorScore)

	if len(final) < k && retriever != nil && reranker != nil {
		widenedTopK := cfg.Overfetch + cfg.MMROverfetch
		widened, err := retriever.WidenedRetrieve(ctx, dense, sparse, alpha, widenedTopK, filter)
		if err == nil && len(widened) > 0 {
			merged := dedupe(append(append([]Document{}, reranked...), widened...))
			rerankedAgain := reranker.Rerank(ctx, query, merged, cfg.MaxDocsBeforeRerank)
			final2, report2 := applyFloorQuotaBackfill(preFilterMinRerank(rerankedAgain, cfg.MinRerankScore), k, cfg.HardFloorScore)
			report2.SecondPassRan = true
			if len(final2) > len(final) {
				final, report = final2, report2
			}
		}
	}

	return final, report
}

// preFilterMinRerank drops documents scoring below minRerank before the
// percentile floor is computed, the optional "drop very weak contexts"
// pass ahead of C8's own floor. A zero/negative minRerank disables it, and
// it never empties the pool outright — if every document scores below the
// cutoff, the percentile floor still gets the full reranked list to work
// with rather than finalizing against nothing.
func preFilterMinRerank(reranked []Document, minRerank float64) []Document {
	if minRerank <= 0 {
		return reranked
	}
	filtered := keepAtOrAbove(reranked, minRerank)
	if len(filtered) == 0 {
		return reranked
	}
	return filtered
}

// applyFloorQuotaBackfill computes the percentile-derived floor, keeps
// documents at or above it, softens the floor once if too few survive, then
// backfills from rerank order to exactly k if still short.
func applyFloorQuotaBackfill(reranked []Document, k int, minRerank float64) ([]Document, FinalizeReport) {
	if len(reranked) == 0 {
		return nil, FinalizeReport{}
	}

	scores := make([]float64, len(reranked))
	for i, d := range reranked {
		scores[i] = d.Score
	}
	ascending := append([]float64{}, scores...)
	sort.Float64s(ascending)

	p20 := percentile(ascending, 0.20)
	floor := minRerank
	if p20 > floor {
		floor = p20
	}
	if floor > 0.95 {
		floor = 0.95
	}

	keepers := keepAtOrAbove(reranked, floor)
	const minAbove = 3
	if len(keepers) < minAbove {
		p10 := percentile(ascending, 0.10)
		softened := minRerank
		if p10 > softened {
			softened = p10
		}
		if softened < floor {
			floor = softened
			keepers = keepAtOrAbove(reranked, floor)
		}
	}

	report := FinalizeReport{FloorUsed: floor, AboveFloor: len(keepers)}

	final := keepers
	if len(final) > k {
		final = final[:k]
	}

	if len(final) < k {
		seen := make(map[string]struct{}, len(final))
		for _, d := range final {
			seen[d.DedupKey()] = struct{}{}
		}
		before := len(final)
		for _, d := range reranked {
			if _, ok := seen[d.DedupKey()]; ok {
				continue
			}
			final = append(final, d)
			seen[d.DedupKey()] = struct{}{}
			if len(final) >= k {
				break
			}
		}
		report.Backfilled = len(final) - before
	}

	if len(reranked) > 2 {
		for _, d := range reranked[:2] {
			kept := false
			for _, f := range final {
				if f.DedupKey() == d.DedupKey() {
					kept = true
					break
				}
			}
			if !kept {
				report.DroppedTop2 = append(report.DroppedTop2, d)
			}
		}
	}

	return final, report
}

func keepAtOrAbove(docs []Document, floor float64) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if d.Score >= floor {
			out = append(out, d)
		}
	}
	return out
}
