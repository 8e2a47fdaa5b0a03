// Package embedclient generates dense query/document vectors via the Vertex
// AI text embedding REST API, backing the Query Embedder (C2).
package embedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"

	"golang.org/x/oauth2/google"

	"github.com/climate-resilient/query-pipeline/internal/genaiclient"
)

// maxBatchSize is the largest number of texts sent in a single predict call.
const maxBatchSize = 250

// Client calls the Vertex AI text embedding model with asymmetric task
// types: RETRIEVAL_DOCUMENT for indexed content, RETRIEVAL_QUERY for
// incoming queries. All returned vectors are L2-normalized so that cosine
// similarity reduces to a dot product downstream (gate, MMR, rerank floor).
type Client struct {
	project    string
	location   string
	model      string
	dimensions int
	httpClient *http.Client
}

// New creates a Client using default application credentials.
func New(ctx context.Context, project, location, model string, dimensions int) (*Client, error) {
	httpClient, err := google.DefaultClient(ctx, "https://www.googleapis.com/auth/cloud-platform")
	if err != nil {
		return nil, fmt.Errorf("embedclient.New: %w", err)
	}
	return &Client{
		project:    project,
		location:   location,
		model:      model,
		dimensions: dimensions,
		httpClient: httpClient,
	}, nil
}

type embeddingRequest struct {
	Instances  []embeddingInstance `json:"instances"`
	Parameters *embeddingParams    `json:"parameters,omitempty"`
}

type embeddingInstance struct {
	Content  string `json:"content"`
	TaskType string `json:"task_type"`
}

type embeddingParams struct {
	OutputDimensionality int `json:"outputDimensionality,omitempty"`
}

type embeddingResponse struct {
	Predictions []struct {
		Embeddings struct {
			Values []float32 `json:"values"`
		} `json:"embeddings"`
	} `json:"predictions"`
}

// EmbedDocuments embeds a batch of document chunks for indexing/retrieval,
// splitting into sub-batches of maxBatchSize.
func (c *Client) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return c.embedBatched(ctx, texts, "RETRIEVAL_DOCUMENT")
}

// EmbedQuery embeds a single user query using the RETRIEVAL_QUERY task type,
// which the model optimizes asymmetrically against RETRIEVAL_DOCUMENT
// vectors.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.embedBatched(ctx, []string{text}, "RETRIEVAL_QUERY")
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("embedclient.EmbedQuery: empty response")
	}
	return vecs[0], nil
}

func (c *Client) embedBatched(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var out [][]float32
	for start := 0; start < len(texts); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := genaiclient.WithRetry(ctx, "EmbedBatch", func() ([][]float32, error) {
			return c.doEmbed(ctx, texts[start:end], taskType)
		})
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (c *Client) doEmbed(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	instances := make([]embeddingInstance, len(texts))
	for i, t := range texts {
		instances[i] = embeddingInstance{Content: t, TaskType: taskType}
	}

	reqBody := embeddingRequest{Instances: instances}
	if c.dimensions > 0 {
		reqBody.Parameters = &embeddingParams{OutputDimensionality: c.dimensions}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("embedclient.doEmbed marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpointURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedclient.doEmbed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedclient.doEmbed call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedclient.doEmbed: status %d: %s", resp.StatusCode, respBody)
	}

	var embResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embResp); err != nil {
		return nil, fmt.Errorf("embedclient.doEmbed decode: %w", err)
	}

	results := make([][]float32, len(embResp.Predictions))
	for i, p := range embResp.Predictions {
		results[i] = l2Normalize(p.Embeddings.Values)
	}
	return results, nil
}

func (c *Client) endpointURL() string {
	if c.location == "global" {
		return fmt.Sprintf(
			"https://aiplatform.googleapis.com/v1/projects/%s/locations/global/publishers/google/models/%s:predict",
			c.project, c.model,
		)
	}
	return fmt.Sprintf(
		"https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/google/models/%s:predict",
		c.location, c.project, c.location, c.model,
	)
}

// l2Normalize scales v to unit length so downstream cosine similarity can be
// computed as a plain dot product. A zero vector is returned unchanged.
func l2Normalize(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return v
	}
	norm := math.Sqrt(sumSq)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// HealthCheck validates the embedding service connection.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.EmbedQuery(ctx, "health check")
	if err != nil {
		return fmt.Errorf("embedding health check failed (model: %s): %w", c.model, err)
	}
	return nil
}
