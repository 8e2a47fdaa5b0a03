package pipeline

import (
	"context"
	"sort"

	"github.com/climate-resilient/query-pipeline/internal/config"
)

// GateResult is the kept pool plus the diagnostics the orchestrator logs.
type GateResult struct {
	Pool            []Document
	KeptPreRefill   int
	RefillTriggered bool
	RefillCount     int
}

// ApplyGate runs the similarity gate (base threshold + adaptive margin) and,
// if configured and under min_kept, the refill re-query.
func ApplyGate(ctx context.Context, query string, docs []Document, retriever *Retriever, dense []float32, sparse SparseVector, alpha float64, filter *IndexFilter, cfg config.RetrievalConfig) GateResult {
	sims := pineconeScores(docs)
	maxSim, delta := adaptiveMargin(sims, cfg.AdaptiveMargin)

	kept := gateFilter(docs, maxSim, delta, cfg.SimilarityBase)
	capAt := cfg.FinalMaxDocs
	if capAt < 10 {
		capAt = 10
	}
	if len(kept) > capAt {
		kept = kept[:capAt]
	}
	keptPreRefill := len(kept)

	result := GateResult{Pool: kept, KeptPreRefill: keptPreRefill}

	if cfg.RefillEnabled && len(kept) < cfg.MinKept && retriever != nil {
		widenedTopK := cfg.Overfetch + cfg.RefillOverfetch
		refillDocs, err := retriever.WidenedRetrieve(ctx, dense, sparse, alpha, widenedTopK, filter)
		if err == nil {
			pool := dedupe(append(append([]Document{}, docs...), refillDocs...))
			sort.Slice(pool, func(i, j int) bool { return pool[i].Score > pool[j].Score })
			filtered := make([]Document, 0, len(pool))
			for _, d := range pool {
				if d.Score >= cfg.SimilarityFallback {
					filtered = append(filtered, d)
				}
			}
			result.RefillTriggered = true
			result.RefillCount = max0(len(filtered) - keptPreRefill)

			if len(filtered) < cfg.MaxDocsBeforeRerank {
				seen := make(map[string]struct{}, len(filtered))
				for _, d := range filtered {
					seen[d.DedupKey()] = struct{}{}
				}
				for _, d := range docs {
					if _, ok := seen[d.DedupKey()]; ok {
						continue
					}
					filtered = append(filtered, d)
					seen[d.DedupKey()] = struct{}{}
					if len(filtered) >= cfg.MaxDocsBeforeRerank {
						break
					}
				}
			}
			result.Pool = filtered
		}
	}

	if len(result.Pool) == 0 {
		result.Pool = docs
	}

	// Loosen the pre-gate for how-to intents so the reranker has material.
	if isHowToQuery(query) && len(result.Pool) < 8 {
		bySim := append([]Document{}, docs...)
		sort.Slice(bySim, func(i, j int) bool {
			return pineconeScore(bySim[i]) > pineconeScore(bySim[j])
		})
		if len(bySim) > 8 {
			bySim = bySim[:8]
		}
		result.Pool = dedupe(append(result.Pool, bySim...))
	}

	return result
}

func pineconeScore(d Document) float64 {
	if d.PineconeScore != 0 {
		return d.PineconeScore
	}
	return d.Score
}

func pineconeScores(docs []Document) []float64 {
	out := make([]float64, len(docs))
	for i, d := range docs {
		out[i] = pineconeScore(d)
	}
	return out
}

func gateFilter(docs []Document, maxSim, delta, baseThreshold float64) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		sim := pineconeScore(d)
		if maxSim < baseThreshold {
			if sim >= maxSim-delta {
				out = append(out, d)
			}
			continue
		}
		if sim >= baseThreshold && sim >= maxSim-delta {
			out = append(out, d)
		}
	}
	return out
}

// adaptiveMargin computes max_sim and the clamped margin delta =
// clamp(0.5*(p95-p50), min, max) over the top N (at least 20) similarities.
func adaptiveMargin(sims []float64, margin config.AdaptiveMargin) (maxSim, delta float64) {
	if len(sims) == 0 {
		return 0, margin.Max
	}
	sorted := append([]float64{}, sims...)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))
	n := len(sorted)
	if n < 20 {
		n = len(sorted)
	}
	top := sorted[:n]

	maxSim = top[0]
	ascending := append([]float64{}, top...)
	sort.Float64s(ascending)
	p50 := percentile(ascending, 0.50)
	p95 := percentile(ascending, 0.95)

	if !margin.Enabled {
		return maxSim, margin.Max
	}
	d := 0.5 * max0f(p95-p50)
	if d < margin.Min {
		d = margin.Min
	}
	if d > margin.Max {
		d = margin.Max
	}
	return maxSim, d
}

// percentile returns the value at rank p (0..1) of an ascending-sorted slice,
// using nearest-rank rounding, shared by the gate and the finalizer.
func percentile(ascending []float64, p float64) float64 {
	if len(ascending) == 0 {
		return 0
	}
	idx := int(p*float64(len(ascending)-1) + 0.5)
	if idx < 0 {
		idx = 0
	}
	if idx > len(ascending)-1 {
		idx = len(ascending) - 1
	}
	return ascending[idx]
}

func max0(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

func max0f(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
