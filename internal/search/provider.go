// Package search implements the web-search fallback path the Faithfulness
// Guard (C12) triggers when an answer's faithfulness score falls below the
// low-faithfulness cutoff.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Result is a single search hit, turned into a pseudo-chunk for regeneration.
type Result struct {
	Title   string
	URL     string
	Snippet string
	Source  string
}

// Provider is the minimal interface the Faithfulness Guard (C12) depends on; it is
// satisfied by both the HTTP-backed runtime implementation and a file-backed
// test double.
type Provider interface {
	Search(ctx context.Context, query string, limit int) ([]Result, error)
	Name() string
}

// HTTPProvider issues a search query against a SearxNG-compatible JSON
// search endpoint.
type HTTPProvider struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func (p *HTTPProvider) Name() string { return "web-search" }

func (p *HTTPProvider) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if p.BaseURL == "" {
		return nil, fmt.Errorf("search.HTTPProvider: missing base url")
	}
	if limit <= 0 {
		limit = 5
	}

	u, err := url.Parse(p.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("search.HTTPProvider: %w", err)
	}
	if !strings.HasSuffix(u.Path, "/search") {
		u.Path = strings.TrimRight(u.Path, "/") + "/search"
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("format", "json")
	q.Set("safesearch", "1")
	if p.APIKey != "" {
		q.Set("apikey", p.APIKey)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("search.HTTPProvider: %w", err)
	}

	client := p.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search.HTTPProvider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("search.HTTPProvider: status %d", resp.StatusCode)
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("search.HTTPProvider: decode: %w", err)
	}

	out := make([]Result, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		if r.URL == "" || r.Title == "" {
			continue
		}
		out = append(out, Result{
			Title:   strings.TrimSpace(r.Title),
			URL:     strings.TrimSpace(r.URL),
			Snippet: strings.TrimSpace(r.Content),
			Source:  p.Name(),
		})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

type searchResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// NoopProvider reports no results; used when no web-search endpoint is
// configured, so the fallback path degrades gracefully instead of erroring.
type NoopProvider struct{}

func (NoopProvider) Name() string { return "noop" }

func (NoopProvider) Search(_ context.Context, _ string, _ int) ([]Result, error) {
	return nil, nil
}

// FileProvider is a deterministic, offline test double: it returns a fixed
// set of Results regardless of query, truncated to limit. Used in place of
// HTTPProvider in tests so the faithfulness web-fallback path is exercised
// without a live search endpoint.
type FileProvider struct {
	Results []Result
}

func (FileProvider) Name() string { return "file" }

func (p FileProvider) Search(_ context.Context, _ string, limit int) ([]Result, error) {
	if limit <= 0 || limit > len(p.Results) {
		limit = len(p.Results)
	}
	out := make([]Result, limit)
	copy(out, p.Results[:limit])
	return out, nil
}
