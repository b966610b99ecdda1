package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/finchbot/finch/internal/net/ssrf"
	"github.com/finchbot/finch/internal/scrub"
	"github.com/finchbot/finch/internal/security"
	"github.com/finchbot/finch/pkg/models"
)

const maxHTTPBody = 512 * 1024

// HTTPRequestTool performs raw HTTP requests against allowlisted domains.
type HTTPRequestTool struct {
	policy  *security.Policy
	allowed []string
	client  *http.Client
}

func NewHTTPRequestTool(policy *security.Policy, allowedDomains []string) *HTTPRequestTool {
	return &HTTPRequestTool{
		policy:  policy,
		allowed: allowedDomains,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *HTTPRequestTool) Name() string { return "http_request" }

func (t *HTTPRequestTool) Description() string {
	return "Perform an HTTP request (GET/POST/PUT/DELETE) against an allowlisted domain."
}

func (t *HTTPRequestTool) Schema() json.RawMessage {
	return ObjectSchema(map[string]any{
		"url":    map[string]any{"type": "string", "description": "Target URL (http or https)."},
		"method": map[string]any{"type": "string", "description": "HTTP method, default GET."},
		"body":   map[string]any{"type": "string", "description": "Request body for POST/PUT."},
		"headers": map[string]any{
			"type":        "object",
			"description": "Request headers (string values).",
		},
	}, "url")
}

func (t *HTTPRequestTool) Execute(ctx context.Context, params json.RawMessage) (models.ToolResult, error) {
	var input struct {
		URL     string            `json:"url"`
		Method  string            `json:"method"`
		Body    string            `json:"body"`
		Headers map[string]string `json:"headers"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return models.Fail(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	u, err := ssrf.ValidateURL(input.URL, t.allowed)
	if err != nil {
		return models.Fail(err.Error()), nil
	}

	method := strings.ToUpper(strings.TrimSpace(input.Method))
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet && method != http.MethodHead {
		if err := t.policy.EnforceToolOperation(security.OpNetwork, t.Name()); err != nil {
			return models.Fail(err.Error()), nil
		}
		if !t.policy.RecordAction() {
			return models.ToolResult{Success: false, Output: "Rate limit exceeded, try again later."}, nil
		}
	}

	var body io.Reader
	if input.Body != "" {
		body = strings.NewReader(input.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return models.Fail(fmt.Sprintf("build request: %v", err)), nil
	}
	for k, v := range input.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return models.Fail(scrub.Credentials(fmt.Sprintf("request failed: %v", err))), nil
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBody))
	if err != nil {
		return models.Fail(fmt.Sprintf("read response: %v", err)), nil
	}
	out := fmt.Sprintf("HTTP %d\n%s", resp.StatusCode, scrub.Credentials(string(data)))
	if resp.StatusCode >= 400 {
		return models.Fail(out), nil
	}
	return models.Ok(out), nil
}

// WebFetchTool fetches a page and returns readable text.
type WebFetchTool struct {
	allowed []string
	client  *http.Client
}

func NewWebFetchTool(allowedDomains []string) *WebFetchTool {
	return &WebFetchTool{
		allowed: allowedDomains,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch a web page and return its text content."
}

func (t *WebFetchTool) Schema() json.RawMessage {
	return ObjectSchema(map[string]any{
		"url": map[string]any{"type": "string", "description": "Page URL to fetch."},
	}, "url")
}

func (t *WebFetchTool) Execute(ctx context.Context, params json.RawMessage) (models.ToolResult, error) {
	var input struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return models.Fail(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	u, err := ssrf.ValidateURL(input.URL, t.allowed)
	if err != nil {
		return models.Fail(err.Error()), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return models.Fail(fmt.Sprintf("build request: %v", err)), nil
	}
	req.Header.Set("User-Agent", "finch/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return models.Fail(fmt.Sprintf("fetch failed: %v", err)), nil
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return models.Fail(fmt.Sprintf("fetch failed: HTTP %d", resp.StatusCode)), nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBody))
	if err != nil {
		return models.Fail(fmt.Sprintf("read response: %v", err)), nil
	}
	text := string(data)
	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		text = stripHTML(text)
	}
	return models.Ok(text), nil
}

var (
	scriptBlockRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	tagRe         = regexp.MustCompile(`(?s)<[^>]*>`)
	entityMap     = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'", "&nbsp;", " ")
)

// stripHTML reduces a page to its visible text, roughly.
func stripHTML(html string) string {
	html = scriptBlockRe.ReplaceAllString(html, " ")
	html = tagRe.ReplaceAllString(html, " ")
	html = entityMap.Replace(html)
	lines := strings.Split(html, "\n")
	var out []string
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
