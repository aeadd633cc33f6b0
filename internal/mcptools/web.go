package mcptools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/html"

	"github.com/xonecas/symb/internal/mcp"
	"github.com/xonecas/symb/internal/store"
)

// webHTTPTimeout bounds both the fetch and the search HTTP round trips.
const webHTTPTimeout = 15 * time.Second

// maxWebBodyBytes caps how much of a response body is read.
const maxWebBodyBytes = 1 << 20

// --- WebFetch ---

// WebFetchArgs are the arguments to the WebFetch tool.
type WebFetchArgs struct {
	URL      string `json:"url"`
	MaxChars int    `json:"max_chars,omitempty"`
}

// NewWebFetchTool creates the WebFetch tool definition.
func NewWebFetchTool() mcp.Tool {
	return mcp.Tool{
		Name:        "WebFetch",
		Description: "Fetch a URL and return its content as cleaned text (HTML tags, scripts, and styles stripped). Results are cached.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"url":       {"type": "string", "description": "The URL to fetch."},
				"max_chars": {"type": "integer", "description": "Maximum characters to return. Default: 10000"}
			},
			"required": ["url"]
		}`),
	}
}

// MakeWebFetchHandler creates a WebFetch handler over cache (which may be
// nil; the cache no-ops on a nil receiver).
func MakeWebFetchHandler(cache *store.WebCache) mcp.ToolHandler {
	client := &http.Client{Timeout: webHTTPTimeout}

	return func(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
		var args WebFetchArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return toolError("Invalid arguments: %v", err), nil
		}
		if args.URL == "" {
			return toolError("url is required"), nil
		}
		if args.MaxChars <= 0 {
			args.MaxChars = 10000
		}

		if cached, ok := cache.GetFetch(args.URL); ok {
			log.Debug().Str("url", args.URL).Msg("WebFetch cache hit")
			return toolText(clipRunes(cached, args.MaxChars)), nil
		}

		text, errResult := fetchPage(ctx, client, args.URL)
		if errResult != nil {
			return errResult, nil
		}
		cache.SetFetch(args.URL, text)
		return toolText(clipRunes(text, args.MaxChars)), nil
	}
}

// fetchPage performs one GET and reduces the response to plain text.
func fetchPage(ctx context.Context, client *http.Client, url string) (string, *mcp.ToolResult) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", toolError("Bad URL: %v", err)
	}
	req.Header.Set("User-Agent", "Symb/0.1")
	req.Header.Set("Accept", "text/html, text/plain;q=0.9, */*;q=0.5")

	resp, err := client.Do(req)
	if err != nil {
		return "", toolError("Fetch failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", toolError("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWebBodyBytes))
	if err != nil {
		return "", toolError("Read failed: %v", err)
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		return htmlToText(body), nil
	}
	return string(body), nil
}

// --- WebSearch ---

// WebSearchArgs are the arguments to the WebSearch tool.
type WebSearchArgs struct {
	Query          string   `json:"query"`
	NumResults     int      `json:"num_results,omitempty"`
	Type           string   `json:"type,omitempty"`
	IncludeDomains []string `json:"include_domains,omitempty"`
}

// NewWebSearchTool creates the WebSearch tool definition.
func NewWebSearchTool() mcp.Tool {
	return mcp.Tool{
		Name:        "WebSearch",
		Description: "Search the web using Exa AI. Use this to look up documentation, APIs, libraries, or current information. Results are cached.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query":           {"type": "string", "description": "Search query."},
				"num_results":     {"type": "integer", "description": "Number of results to return. Default: 5"},
				"type":            {"type": "string", "description": "Search type: \"auto\" (default), \"fast\", or \"deep\".", "enum": ["auto", "fast", "deep"]},
				"include_domains": {"type": "array", "items": {"type": "string"}, "description": "Only include results from these domains."}
			},
			"required": ["query"]
		}`),
	}
}

// exaClient is a minimal client for Exa's POST /search endpoint.
type exaClient struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

type exaSearchRequest struct {
	Query          string            `json:"query"`
	Type           string            `json:"type"`
	NumResults     int               `json:"numResults"`
	Contents       exaSearchContents `json:"contents"`
	IncludeDomains []string          `json:"includeDomains,omitempty"`
}

type exaSearchContents struct {
	Text exaTextOptions `json:"text"`
}

type exaTextOptions struct {
	MaxCharacters int `json:"maxCharacters"`
}

type exaResult struct {
	Title         string `json:"title"`
	URL           string `json:"url"`
	Text          string `json:"text"`
	PublishedDate string `json:"publishedDate,omitempty"`
}

func (c *exaClient) search(ctx context.Context, req exaSearchRequest) ([]exaResult, *mcp.ToolResult) {
	bodyJSON, err := json.Marshal(req)
	if err != nil {
		return nil, toolError("Marshal failed: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(bodyJSON))
	if err != nil {
		return nil, toolError("Request failed: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, toolError("Search failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxWebBodyBytes))
	if err != nil {
		return nil, toolError("Read response failed: %v", err)
	}
	if resp.StatusCode >= 400 {
		return nil, toolError("Exa API error %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed struct {
		Results []exaResult `json:"results"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, toolError("Parse response failed: %v", err)
	}
	return parsed.Results, nil
}

const exaDefaultEndpoint = "https://api.exa.ai/search"

// MakeWebSearchHandler creates a WebSearch handler. endpoint overrides the
// Exa API URL for tests; pass "" for the default.
func MakeWebSearchHandler(cache *store.WebCache, apiKey, endpoint string) mcp.ToolHandler {
	if endpoint == "" {
		endpoint = exaDefaultEndpoint
	}
	exa := &exaClient{endpoint: endpoint, apiKey: apiKey, http: &http.Client{Timeout: webHTTPTimeout}}

	return func(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
		var args WebSearchArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return toolError("Invalid arguments: %v", err), nil
		}
		if args.Query == "" {
			return toolError("query is required"), nil
		}
		if apiKey == "" {
			return toolError("Exa AI API key not configured in credentials.json (providers.exa_ai.api_key)"), nil
		}
		if args.NumResults <= 0 {
			args.NumResults = 5
		}
		if args.Type == "" {
			args.Type = "auto"
		}

		// The cache key includes every search parameter so a repeat of the
		// same query with different num_results/type never returns the wrong
		// cached entry.
		cacheKey := fmt.Sprintf("%s|n=%d|t=%s|d=%s",
			args.Query, args.NumResults, args.Type, strings.Join(args.IncludeDomains, ","))
		if cached, ok := cache.GetSearch(cacheKey); ok {
			log.Debug().Str("query", args.Query).Msg("WebSearch exact cache hit")
			return toolText(cached), nil
		}
		// Previously cached result bodies may already answer the query.
		if cached, ok := cache.SearchCachedContent(args.Query); ok {
			log.Debug().Str("query", args.Query).Msg("WebSearch content cache hit")
			return toolText(cached), nil
		}

		results, errResult := exa.search(ctx, exaSearchRequest{
			Query:          args.Query,
			Type:           args.Type,
			NumResults:     args.NumResults,
			Contents:       exaSearchContents{Text: exaTextOptions{MaxCharacters: 2000}},
			IncludeDomains: args.IncludeDomains,
		})
		if errResult != nil {
			return errResult, nil
		}

		rendered := renderSearchResults(results)
		cache.SetSearch(cacheKey, rendered)
		return toolText(rendered), nil
	}
}

// renderSearchResults formats Exa results into readable text.
func renderSearchResults(results []exaResult) string {
	if len(results) == 0 {
		return "No results found."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d result(s):\n", len(results))
	for i, r := range results {
		fmt.Fprintf(&b, "\n--- %d. %s ---\nURL: %s\n", i+1, r.Title, r.URL)
		if r.PublishedDate != "" {
			fmt.Fprintf(&b, "Published: %s\n", r.PublishedDate)
		}
		if r.Text != "" {
			b.WriteString(r.Text)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// --- HTML to text ---

// suppressedTags have their entire content dropped.
var suppressedTags = map[string]bool{"script": true, "style": true, "noscript": true}

// blockTags start a new output line.
var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "h1": true, "h2": true, "h3": true,
	"h4": true, "h5": true, "h6": true, "li": true, "tr": true, "td": true,
	"th": true, "blockquote": true, "pre": true, "hr": true, "header": true,
	"footer": true, "section": true, "article": true, "nav": true, "main": true,
}

// htmlToText reduces an HTML document to its visible text, one line per
// block element, blank runs collapsed.
func htmlToText(data []byte) string {
	tokenizer := html.NewTokenizer(bytes.NewReader(data))
	var b strings.Builder
	suppressed := 0

	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			return collapseBlankLines(b.String())
		}
		tn, _ := tokenizer.TagName()
		tag := string(tn)

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			if suppressedTags[tag] {
				suppressed++
			}
			if blockTags[tag] && b.Len() > 0 {
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			if suppressedTags[tag] && suppressed > 0 {
				suppressed--
			}
		case html.TextToken:
			if suppressed == 0 {
				b.Write(tokenizer.Text())
			}
		}
	}
}

// collapseBlankLines trims each line and collapses runs of blank lines to
// one.
func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blanks := 0
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			blanks++
			if blanks <= 1 {
				out = append(out, "")
			}
			continue
		}
		blanks = 0
		out = append(out, trimmed)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// clipRunes cuts a string to maxChars runes.
func clipRunes(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars]) + "\n\n[Truncated]"
}
