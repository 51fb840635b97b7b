// Package search implements the search-provider contract (C3):
// query -> ranked list of {title, url, snippet}. Non-2xx responses and
// timeouts yield an empty list; the provider never raises (spec.md §6).
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"deepresearch/internal/config"
	"deepresearch/internal/model"
)

// Request is a provider-agnostic search request.
type Request struct {
	Query   string
	Limit   int // Search caps this to 10 (spec.md §6)
	Timeout time.Duration
}

// Provider is the search-provider contract (C3).
type Provider interface {
	Search(ctx context.Context, req *Request) ([]model.SearchHit, error)
}

// NewProviderFromConfig constructs a search Provider. Only "searxng" is
// supported today, matching the teacher exactly.
func NewProviderFromConfig(cfg *config.Config) (Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}

	providerName := strings.ToLower(strings.TrimSpace(cfg.Search.Provider))
	if providerName == "" {
		providerName = "searxng"
	}

	switch providerName {
	case "searxng":
		return NewSearxngProvider(cfg.Search.Searxng)
	default:
		return nil, fmt.Errorf("unsupported search provider: %s", providerName)
	}
}

// SearxngProvider implements Provider against a SearxNG instance with
// its JSON API enabled.
type SearxngProvider struct {
	baseURL      string
	client       *http.Client
	defaultLimit int
	timeout      time.Duration
}

// NewSearxngProvider creates a new SearxngProvider from config.
func NewSearxngProvider(cfg config.SearxngConfig) (*SearxngProvider, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("search.searxng.baseURL is required")
	}

	timeoutMs := cfg.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = 10000
	}

	defaultLimit := cfg.DefaultLimit
	if defaultLimit <= 0 {
		defaultLimit = 10
	}

	return &SearxngProvider{
		baseURL:      base,
		client:       &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		defaultLimit: defaultLimit,
		timeout:      time.Duration(timeoutMs) * time.Millisecond,
	}, nil
}

type searxngResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search executes a query against the configured SearxNG instance. Any
// transport error, non-2xx status, or timeout yields an empty list and
// a logged-by-caller error; it never panics.
func (p *SearxngProvider) Search(ctx context.Context, req *Request) ([]model.SearchHit, error) {
	if req == nil || strings.TrimSpace(req.Query) == "" {
		return nil, nil
	}

	limit := req.Limit
	if limit <= 0 {
		limit = p.defaultLimit
	}
	if limit > 10 {
		limit = 10
	}

	values := url.Values{}
	values.Set("q", req.Query)
	values.Set("format", "json")
	values.Set("limit", strconv.Itoa(limit))
	values.Set("categories", "general")

	timeout := p.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/search", strings.NewReader(values.Encode()))
	if err != nil {
		return nil, nil
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("searxng search failed with status %d", resp.StatusCode)
	}

	var payload searxngResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}

	hits := make([]model.SearchHit, 0, len(payload.Results))
	for i, r := range payload.Results {
		if i >= limit {
			break
		}
		if strings.TrimSpace(r.URL) == "" {
			continue
		}
		hits = append(hits, model.SearchHit{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}

	return hits, nil
}
