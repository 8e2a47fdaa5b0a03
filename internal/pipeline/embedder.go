package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"
)

// EmbedBackend is the dense-vector half of the Query Embedder, satisfied by
// internal/embedclient.Client.
type EmbedBackend interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// sparseVocabSize bounds the lexical hash space the sparse vector indexes
// into; collisions are tolerated the same way a hashing vectorizer tolerates
// them in any BM25-adjacent scheme.
const sparseVocabSize = 1 << 18

var tokenRe = regexp.MustCompile(`[\p{L}\p{N}]+`)

// Embedder produces the dense+sparse vector pair the Hybrid Retriever (C3)
// queries with.
type Embedder struct {
	backend EmbedBackend
	cache   EmbeddingLRU
}

// EmbeddingLRU is the subset of cache.EmbeddingLRU the embedder depends on;
// declared here so the pipeline package never imports internal/cache.
type EmbeddingLRU interface {
	Get(key string) ([]float32, bool)
	Put(key string, vector []float32)
}

// NewEmbedder wires a dense-vector backend and an optional embedding cache
// (nil disables caching).
func NewEmbedder(backend EmbedBackend, cache EmbeddingLRU) *Embedder {
	return &Embedder{backend: backend, cache: cache}
}

// Embed returns the dense and sparse vectors for text. The dense vector is
// fetched from the backend (cache-first, keyed on the raw text); the sparse
// vector is computed locally. If sparse computation hits the "ambiguous
// array" condition, sparse output is disabled for this call: the dense vector
// is returned with an empty SparseVector rather than failing the whole call.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, SparseVector, error) {
	dense, err := e.embedDense(ctx, text)
	if err != nil {
		return nil, SparseVector{}, fmt.Errorf("pipeline.Embedder: %w: %v", ErrEmbeddingUnavailable, err)
	}

	sparse, err := computeSparse(text)
	if err != nil {
		slog.Warn("[DEBUG-EMBEDDER] sparse computation ambiguous, continuing with sparse disabled", "err", err)
		return dense, SparseVector{}, nil
	}
	return dense, sparse, nil
}

// EmbedBatch encodes every text in a single call to the backend, the way
// §4.6's "freshly encoded (single batch)" MMR fallback requires: one model
// invocation for the whole to-embed set rather than one per document.
// Unlike Embed, it does not consult the query-text-keyed cache itself - the
// MMR diversifier keys document vectors by segment/doc id rather than raw
// content, so it owns caching the results under the right key.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := e.backend.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("pipeline.Embedder: %w: %v", ErrEmbeddingUnavailable, err)
	}
	return vecs, nil
}

func (e *Embedder) embedDense(ctx context.Context, text string) ([]float32, error) {
	key := text
	if e.cache != nil {
		if v, ok := e.cache.Get(key); ok {
			slog.Debug("[CACHE] hit", "component", "embedder")
			return v, nil
		}
	}
	v, err := e.backend.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.Put(key, v)
	}
	return v, nil
}

// computeSparse builds a BM25-like lexical vector: tokenize, count term
// frequency, hash each term into a fixed bucket space, weight by
// sqrt(frequency). Queries that tokenize to a single run longer than 24
// runes (script without whitespace segmentation, where the hashing scheme
// degenerates to one bucket and stops carrying lexical signal) are reported
// as ambiguous so the caller can fall back to dense-only retrieval.
func computeSparse(text string) (SparseVector, error) {
	tokens := tokenRe.FindAllString(strings.ToLower(text), -1)
	if len(tokens) == 0 {
		return SparseVector{}, nil
	}
	if len(tokens) == 1 && len([]rune(tokens[0])) > 24 {
		return SparseVector{}, errAmbiguousArray
	}

	counts := make(map[int32]float32, len(tokens))
	for _, tok := range tokens {
		idx := hashToken(tok)
		counts[idx]++
	}

	indices := make([]int32, 0, len(counts))
	for idx := range counts {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	values := make([]float32, len(indices))
	for i, idx := range indices {
		values[i] = float32(math.Sqrt(float64(counts[idx])))
	}
	return SparseVector{Indices: indices, Values: values}, nil
}

func hashToken(tok string) int32 {
	var h uint32 = 2166136261
	for i := 0; i < len(tok); i++ {
		h ^= uint32(tok[i])
		h *= 16777619
	}
	return int32(h % sparseVocabSize)
}
