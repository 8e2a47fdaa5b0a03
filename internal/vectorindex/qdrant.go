// Package vectorindex implements the Hybrid Retriever's (C3) vector-index
// protocol against Qdrant: a combined dense+sparse query with a server-side
// metadata filter, and transparent fallback to an unfiltered query when the
// filtered query returns too few hits.
package vectorindex

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"

	"github.com/climate-resilient/query-pipeline/internal/genaiclient"
	"github.com/climate-resilient/query-pipeline/internal/pipeline"
)

// Client is a thin adapter over the Qdrant gRPC client exposing the exact
// operations the retriever needs: hybrid query, sparse-only query, and a
// metadata filter that can be retried without.
type Client struct {
	qc         *qdrant.Client
	collection string
}

// New dials addr (host:port) and returns a Client bound to collection.
func New(addr, collection, apiKey string) (*Client, error) {
	opts := &qdrant.Config{Host: addr, Port: 6334}
	if apiKey != "" {
		opts.APIKey = apiKey
	}
	qc, err := qdrant.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("vectorindex.New: %w", err)
	}
	return &Client{qc: qc, collection: collection}, nil
}

// MetadataFilter is a small conjunction of exact-match and exclusion
// conditions, enough to express the audience blocklist and domain-preference
// filters the Filter Pipeline (C4) builds. It is an alias of
// pipeline.IndexFilter so vectorindex.Client satisfies pipeline.VectorIndex
// directly, without an adapter layer.
type MetadataFilter = pipeline.IndexFilter

func filterEmpty(f *MetadataFilter) bool {
	return f == nil || (len(f.MustKeyword) == 0 && len(f.MustNotKeyword) == 0)
}

func buildFilter(f *MetadataFilter) *qdrant.Filter {
	if filterEmpty(f) {
		return nil
	}
	filter := &qdrant.Filter{}
	for k, v := range f.MustKeyword {
		filter.Must = append(filter.Must, qdrant.NewMatchKeyword(k, v))
	}
	for k, v := range f.MustNotKeyword {
		filter.MustNot = append(filter.MustNot, qdrant.NewMatchKeyword(k, v))
	}
	return filter
}

// HybridQuery issues a dense-vector query scaled by alpha; when sparse is
// non-empty, a sparse branch scaled by (1-alpha) is prefetched and the dense
// query scores those prefetched candidates (no fusion query is set). It tries the
// filter first; if the filtered result set is shorter than minResults, it
// retries once without the filter, per the documented fallback-without-filter
// retry behavior.
func (c *Client) HybridQuery(ctx context.Context, dense []float32, sparse pipeline.SparseVector, alpha float64, topK int, filter *MetadataFilter, minResults int) ([]pipeline.Document, error) {
	docs, err := genaiclient.WithRetry(ctx, "HybridQuery", func() ([]pipeline.Document, error) {
		return c.hybridQueryOnce(ctx, dense, sparse, alpha, topK, filter)
	})
	if err != nil {
		return nil, err
	}

	if !filterEmpty(filter) && len(docs) < minResults {
		unfiltered, err := genaiclient.WithRetry(ctx, "HybridQueryFallback", func() ([]pipeline.Document, error) {
			return c.hybridQueryOnce(ctx, dense, sparse, alpha, topK, nil)
		})
		if err != nil {
			return docs, nil
		}
		return unfiltered, nil
	}
	return docs, nil
}

func (c *Client) hybridQueryOnce(ctx context.Context, dense []float32, sparse pipeline.SparseVector, alpha float64, topK int, filter *MetadataFilter) ([]pipeline.Document, error) {
	scaledDense := scaleVector(dense, alpha)

	query := &qdrant.QueryPoints{
		CollectionName: c.collection,
		Query:          qdrant.NewQueryDense(scaledDense),
		Limit:          ptrUint64(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
		Filter:         buildFilter(filter),
	}

	if len(sparse.Indices) > 0 {
		scaledValues := make([]float32, len(sparse.Values))
		for i, v := range sparse.Values {
			scaledValues[i] = v * float32(1-alpha)
		}
		query.Prefetch = []*qdrant.PrefetchQuery{
			{
				Query: qdrant.NewQuerySparse(sparse.Indices, scaledValues),
				Using: ptrString("sparse"),
				Limit: ptrUint64(uint64(topK)),
			},
		}
	}

	points, err := c.qc.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("vectorindex.HybridQuery: %w", err)
	}
	return pointsToDocuments(points), nil
}

// SparseQuery issues a sparse-only query, used by the second-pass widen step
// when the rerank floor leaves too few keepers.
func (c *Client) SparseQuery(ctx context.Context, sparse pipeline.SparseVector, topK int, filter *MetadataFilter) ([]pipeline.Document, error) {
	return genaiclient.WithRetry(ctx, "SparseQuery", func() ([]pipeline.Document, error) {
		query := &qdrant.QueryPoints{
			CollectionName: c.collection,
			Query:          qdrant.NewQuerySparse(sparse.Indices, sparse.Values),
			Using:          ptrString("sparse"),
			Limit:          ptrUint64(uint64(topK)),
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
			Filter:         buildFilter(filter),
		}
		points, err := c.qc.Query(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("vectorindex.SparseQuery: %w", err)
		}
		return pointsToDocuments(points), nil
	})
}

func scaleVector(v []float32, alpha float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x * float32(alpha)
	}
	return out
}

func pointsToDocuments(points []*qdrant.ScoredPoint) []pipeline.Document {
	docs := make([]pipeline.Document, 0, len(points))
	for _, p := range points {
		doc := pipeline.Document{Score: float64(p.GetScore()), PineconeScore: float64(p.GetScore())}
		if id := p.GetId(); id != nil {
			if uuid := id.GetUuid(); uuid != "" {
				doc.ID = uuid
			} else {
				doc.ID = fmt.Sprintf("%d", id.GetNum())
			}
		}

		payload := p.GetPayload()
		doc.Metadata = make(map[string]any, len(payload))
		for k, v := range payload {
			doc.Metadata[k] = decodeValue(v)
		}
		applyKnownFields(&doc)

		if vectors := p.GetVectors(); vectors != nil {
			if dense := vectors.GetVector(); dense != nil {
				doc.Values = dense.GetData()
			}
		}
		docs = append(docs, doc)
	}
	return docs
}

func applyKnownFields(doc *pipeline.Document) {
	if t, ok := doc.Metadata["title"].(string); ok {
		doc.Title = t
	}
	if c, ok := doc.Metadata["content"].(string); ok {
		doc.Content = c
	}
	if u, ok := doc.Metadata["url"].(string); ok {
		doc.URLs = []string{u}
	}
	if st, ok := doc.Metadata["section_title"].(string); ok {
		doc.SectionTitle = st
	}
	if sid, ok := doc.Metadata["segment_id"].(string); ok {
		doc.SegmentID = sid
	}
}

func decodeValue(v *qdrant.Value) any {
	if v == nil {
		return nil
	}
	switch k := v.Kind.(type) {
	case *qdrant.Value_StringValue:
		return k.StringValue
	case *qdrant.Value_IntegerValue:
		return k.IntegerValue
	case *qdrant.Value_DoubleValue:
		return k.DoubleValue
	case *qdrant.Value_BoolValue:
		return k.BoolValue
	case *qdrant.Value_ListValue:
		out := make([]any, len(k.ListValue.Values))
		for i, e := range k.ListValue.Values {
			out[i] = decodeValue(e)
		}
		return out
	default:
		return nil
	}
}

func ptrUint64(v uint64) *uint64 { return &v }
func ptrString(v string) *string { return &v }

// HealthCheck confirms the configured collection exists and is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	exists, err := c.qc.CollectionExists(ctx, c.collection)
	if err != nil {
		return fmt.Errorf("vectorindex health check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("vectorindex health check failed: collection %q does not exist", c.collection)
	}
	return nil
}

// Close releases the underlying gRPC connection.
func (c *Client) Close() error {
	return c.qc.Close()
}
