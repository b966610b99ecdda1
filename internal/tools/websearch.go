package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/finchbot/finch/pkg/models"
)

// WebSearchConfig selects and configures the search provider.
type WebSearchConfig struct {
	// Provider: "brave" or "searxng". Default: brave.
	Provider string

	// APIKey for providers that need one.
	APIKey string

	// Endpoint overrides the provider's default URL (required for searxng).
	Endpoint string

	// MaxResults bounds the returned result count. Default: 5.
	MaxResults int
}

// WebSearchTool queries a web search provider and returns titled results.
type WebSearchTool struct {
	cfg    WebSearchConfig
	client *http.Client
}

func NewWebSearchTool(cfg WebSearchConfig) *WebSearchTool {
	if cfg.Provider == "" {
		cfg.Provider = "brave"
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	return &WebSearchTool{cfg: cfg, client: &http.Client{Timeout: 20 * time.Second}}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web and return the top results with URLs."
}

func (t *WebSearchTool) Schema() json.RawMessage {
	return ObjectSchema(map[string]any{
		"query": map[string]any{"type": "string", "description": "Search query."},
	}, "query")
}

type searchResult struct {
	Title string
	URL   string
	Desc  string
}

func (t *WebSearchTool) Execute(ctx context.Context, params json.RawMessage) (models.ToolResult, error) {
	var input struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return models.Fail(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	query := strings.TrimSpace(input.Query)
	if query == "" {
		return models.Fail("query is required"), nil
	}

	var results []searchResult
	var err error
	switch t.cfg.Provider {
	case "searxng":
		results, err = t.searchSearxng(ctx, query)
	default:
		results, err = t.searchBrave(ctx, query)
	}
	if err != nil {
		return models.Fail(fmt.Sprintf("search failed: %v", err)), nil
	}
	if len(results) == 0 {
		return models.Ok("No results."), nil
	}

	var sb strings.Builder
	for i, r := range results {
		if i >= t.cfg.MaxResults {
			break
		}
		fmt.Fprintf(&sb, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Desc != "" {
			fmt.Fprintf(&sb, "   %s\n", r.Desc)
		}
	}
	return models.Ok(strings.TrimRight(sb.String(), "\n")), nil
}

func (t *WebSearchTool) searchBrave(ctx context.Context, query string) ([]searchResult, error) {
	if t.cfg.APIKey == "" {
		return nil, fmt.Errorf("web_search provider brave requires an api key")
	}
	endpoint := t.cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://api.search.brave.com/res/v1/web/search"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?q="+url.QueryEscape(query), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Subscription-Token", t.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave returned HTTP %d", resp.StatusCode)
	}

	var payload struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxHTTPBody)).Decode(&payload); err != nil {
		return nil, err
	}
	out := make([]searchResult, 0, len(payload.Web.Results))
	for _, r := range payload.Web.Results {
		out = append(out, searchResult{Title: r.Title, URL: r.URL, Desc: r.Description})
	}
	return out, nil
}

func (t *WebSearchTool) searchSearxng(ctx context.Context, query string) ([]searchResult, error) {
	if t.cfg.Endpoint == "" {
		return nil, fmt.Errorf("web_search provider searxng requires an endpoint")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(t.cfg.Endpoint, "/")+"/search?format=json&q="+url.QueryEscape(query), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("searxng returned HTTP %d", resp.StatusCode)
	}

	var payload struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxHTTPBody)).Decode(&payload); err != nil {
		return nil, err
	}
	out := make([]searchResult, 0, len(payload.Results))
	for _, r := range payload.Results {
		out = append(out, searchResult{Title: r.Title, URL: r.URL, Desc: r.Content})
	}
	return out, nil
}
