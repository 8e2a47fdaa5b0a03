package pipeline

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"log/slog"
	"math"
	"time"
)

// MMRStats records the vector-sourcing counts the diagnostics log reports.
type MMRStats struct {
	UsedIndex int
	UsedCache int
	Embedded  int
}

// MMRDiversifier selects a diverse top-N from a candidate pool using query
// vs. document cosine similarity, sourcing document vectors from the index,
// then the embedding cache, and only then a single batched re-embed call.
type MMRDiversifier struct {
	embedder *Embedder
	cache    EmbeddingLRU
}

// NewMMRDiversifier wires the embedder used for the to-embed fallback and
// the embedding cache shared with the Hybrid Retriever.
func NewMMRDiversifier(embedder *Embedder, cache EmbeddingLRU) *MMRDiversifier {
	return &MMRDiversifier{embedder: embedder, cache: cache}
}

// Select runs MMR over pool, returning at most k documents and never the same
// document twice. The orchestrator passes the whole gated pool with
// mmr_overfetch as k, so the diversified pool is capped at that size.
func (m *MMRDiversifier) Select(ctx context.Context, queryVec []float32, pool []Document, lambda float64, k int) ([]Document, MMRStats, error) {
	if len(pool) <= 1 {
		return pool, MMRStats{}, nil
	}

	start := time.Now()
	vecs := make([][]float32, len(pool))
	var stats MMRStats
	var toEmbed []int

	for i, d := range pool {
		if len(d.Values) > 0 {
			vecs[i] = d.Values
			stats.UsedIndex++
			continue
		}
		key := docVectorKey(d)
		if m.cache != nil {
			if v, ok := m.cache.Get(key); ok {
				vecs[i] = v
				stats.UsedCache++
				continue
			}
		}
		toEmbed = append(toEmbed, i)
	}

	if len(toEmbed) > 0 && m.embedder != nil {
		texts := make([]string, len(toEmbed))
		for i, idx := range toEmbed {
			texts[i] = pool[idx].Content
		}
		embedded, err := m.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			slog.Warn("[DEBUG-MMR] batch document embedding failed, skipping docs", "err", err, "n_docs", len(toEmbed))
		} else {
			for i, idx := range toEmbed {
				if i >= len(embedded) || len(embedded[i]) == 0 {
					continue
				}
				vecs[idx] = embedded[i]
				if m.cache != nil {
					m.cache.Put(docVectorKey(pool[idx]), embedded[i])
				}
			}
		}
		stats.Embedded = len(toEmbed)
	}

	validPool := make([]Document, 0, len(pool))
	validVecs := make([][]float32, 0, len(pool))
	for i, v := range vecs {
		if len(v) == 0 {
			continue
		}
		validPool = append(validPool, pool[i])
		validVecs = append(validVecs, v)
	}

	elapsed := time.Since(start).Milliseconds()
	slog.Info("[DEBUG-MMR] vector sourcing complete",
		"used_index", stats.UsedIndex, "used_cache", stats.UsedCache, "embedded", stats.Embedded,
		"ms", elapsed, "n_docs", len(pool), "valid_vecs", len(validVecs))

	if len(validVecs) == 0 {
		slog.Warn("[DEBUG-MMR] no valid vectors found, skipping MMR", "n_docs", len(pool))
		if len(pool) > k {
			return pool[:k], stats, nil
		}
		return pool, stats, nil
	}

	selected := mmrSelectIndices(queryVec, validVecs, lambda, k)
	out := make([]Document, len(selected))
	for i, idx := range selected {
		out[i] = validPool[idx]
	}
	return out, stats, nil
}

// mmrSelectIndices greedily selects the index maximizing query relevance,
// then iteratively maximizes lambda*relevance - (1-lambda)*max-similarity
// to anything already selected, until k items are chosen or the pool is
// exhausted. It never selects the same index twice.
func mmrSelectIndices(queryVec []float32, docVecs [][]float32, lambda float64, k int) []int {
	n := len(docVecs)
	if n <= k {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}

	qSims := make([]float64, n)
	for i, v := range docVecs {
		qSims[i] = cosineSimilarity(queryVec, v)
	}

	selected := make([]int, 0, k)
	chosen := make(map[int]bool, k)

	first := 0
	for i := 1; i < n; i++ {
		if qSims[i] > qSims[first] {
			first = i
		}
	}
	selected = append(selected, first)
	chosen[first] = true

	for len(selected) < k {
		bestIdx := -1
		bestScore := -1e9
		for i := 0; i < n; i++ {
			if chosen[i] {
				continue
			}
			maxSimToSelected := 0.0
			for _, j := range selected {
				s := cosineSimilarity(docVecs[i], docVecs[j])
				if s > maxSimToSelected {
					maxSimToSelected = s
				}
			}
			score := lambda*qSims[i] - (1-lambda)*maxSimToSelected
			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}
		if bestIdx == -1 {
			break
		}
		selected = append(selected, bestIdx)
		chosen[bestIdx] = true
	}
	return selected
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

func docVectorKey(d Document) string {
	if d.SegmentID != "" {
		return d.SegmentID
	}
	if d.ID != "" {
		return d.ID
	}
	sum := sha1.Sum([]byte(d.Content))
	return hex.EncodeToString(sum[:])
}
