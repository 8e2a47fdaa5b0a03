package pipeline

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// VectorIndex is the retrieval backend the Hybrid Retriever queries against;
// satisfied by internal/vectorindex.Client.
type VectorIndex interface {
	HybridQuery(ctx context.Context, dense []float32, sparse SparseVector, alpha float64, topK int, filter *IndexFilter, minResults int) ([]Document, error)
	SparseQuery(ctx context.Context, sparse SparseVector, topK int, filter *IndexFilter) ([]Document, error)
}

// IndexFilter mirrors vectorindex.MetadataFilter without importing that
// package from pipeline; the httpapi/main wiring adapts between the two.
type IndexFilter struct {
	MustKeyword    map[string]string
	MustNotKeyword map[string]string
}

// RetrievalResult carries the raw matches plus the bookkeeping the
// orchestrator logs and the Finalizer's second pass reuses.
type RetrievalResult struct {
	Documents          []Document
	FilterFallbackUsed bool
}

// Retriever runs the weighted dense+sparse query described in the external
// vector index protocol, retrying once without the metadata filter when the
// filtered query starves the candidate pool.
type Retriever struct {
	index VectorIndex
}

// NewRetriever wires a VectorIndex implementation.
func NewRetriever(index VectorIndex) *Retriever {
	return &Retriever{index: index}
}

// Retrieve queries the index with alpha (the VectorIndex weights dense by
// alpha and sparse by (1-alpha)) and reports whether the metadata-filter
// fallback path was taken.
func (r *Retriever) Retrieve(ctx context.Context, dense []float32, sparse SparseVector, alpha float64, topK int, filter *IndexFilter, minResults int) (RetrievalResult, error) {
	start := time.Now()
	docs, err := r.index.HybridQuery(ctx, dense, sparse, alpha, topK, filter, minResults)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		slog.Error("dependency call failed", "dep", "qdrant", "op", "query", "ms", elapsed, "status", "ERR", "err", err)
		return RetrievalResult{}, err
	}
	slog.Info("dependency call ok", "dep", "qdrant", "op", "query", "ms", elapsed, "status", "OK", "count", len(docs))

	fallbackUsed := false
	if filter != nil && (len(filter.MustKeyword) > 0 || len(filter.MustNotKeyword) > 0) && len(docs) == 0 {
		fallbackUsed = true
		retryStart := time.Now()
		retried, err := r.index.HybridQuery(ctx, dense, sparse, alpha, topK, nil, minResults)
		retryElapsed := time.Since(retryStart).Milliseconds()
		if err != nil {
			slog.Error("dependency call failed", "dep", "qdrant", "op", "query_fallback", "ms", retryElapsed, "status", "ERR", "err", err)
			return RetrievalResult{Documents: docs, FilterFallbackUsed: true}, nil
		}
		slog.Info("dependency call ok", "dep", "qdrant", "op", "query_fallback", "ms", retryElapsed, "status", "OK", "count", len(retried))
		docs = retried
	}

	return RetrievalResult{Documents: docs, FilterFallbackUsed: fallbackUsed}, nil
}

// WidenedRetrieve runs a second-pass refill: a widened hybrid query plus a
// sparse-only query, merged and deduplicated, for the Similarity Gate's
// refill step and the Finalizer's guaranteed-K second pass. The two queries
// run concurrently via errgroup, the same fan-out shape the teacher uses to
// run its vector and BM25 searches in parallel.
func (r *Retriever) WidenedRetrieve(ctx context.Context, dense []float32, sparse SparseVector, alpha float64, widenedTopK int, filter *IndexFilter) ([]Document, error) {
	var hybrid, sparseOnly []Document
	var sparseErr error

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		hybrid, err = r.index.HybridQuery(gCtx, dense, sparse, alpha, widenedTopK, filter, 0)
		return err
	})
	g.Go(func() error {
		var err error
		sparseOnly, err = r.index.SparseQuery(gCtx, sparse, widenedTopK, filter)
		sparseErr = err
		return nil // sparse-only is best-effort: a failure here degrades to hybrid-only, not a hard error
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if sparseErr != nil {
		slog.Warn("dependency call failed", "dep", "qdrant", "op", "sparse_query", "status", "ERR", "err", sparseErr)
		return dedupe(hybrid), nil
	}
	return dedupe(append(append([]Document{}, hybrid...), sparseOnly...)), nil
}
