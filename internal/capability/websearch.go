package capability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"

	mserrors "mediscope/internal/errors"
	"mediscope/internal/httpclient"
	jsonx "mediscope/internal/shared/json"
)

// WebSearchClient queries the Tavily search API for medical context related
// to the patient prompt. Top result pages are fetched concurrently and their
// extracted text is appended to the payload so synthesis has more than the
// snippet to work with.
type WebSearchClient struct {
	baseClient
	maxResults int
	// fetchPages controls whether top result pages are downloaded and parsed.
	fetchPages int
}

// NewWebSearchClient constructs a Tavily search adapter. fetchPages is the
// number of top results whose pages are fetched for full text (0 disables).
func NewWebSearchClient(endpoint, apiKey string, maxResults, fetchPages int, client *http.Client) *WebSearchClient {
	if endpoint == "" {
		endpoint = "https://api.tavily.com/search"
	}
	if maxResults < 1 {
		maxResults = 5
	}
	if maxResults > 10 {
		maxResults = 10
	}
	return &WebSearchClient{
		baseClient: newBaseClient("websearch", endpoint, apiKey, client),
		maxResults: maxResults,
		fetchPages: fetchPages,
	}
}

type tavilyRequest struct {
	APIKey        string `json:"api_key"`
	Query         string `json:"query"`
	MaxResults    int    `json:"max_results"`
	SearchDepth   string `json:"search_depth"`
	IncludeAnswer bool   `json:"include_answer"`
}

type tavilyResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

type tavilyResponse struct {
	Query   string         `json:"query"`
	Answer  string         `json:"answer"`
	Results []tavilyResult `json:"results"`
}

func (c *WebSearchClient) Invoke(ctx context.Context, req Request) (*Payload, error) {
	query := strings.TrimSpace(req.Reference)
	if query == "" {
		query = strings.TrimSpace(req.Prompt)
	}
	if query == "" {
		return nil, mserrors.NewPermanentError(errors.New("empty search query"), "No query was provided for web search.")
	}
	if c.apiKey == "" {
		return nil, mserrors.NewPermanentError(errors.New("web search not configured"), "Web search is not configured on this deployment.")
	}

	respBody, err := c.postJSON(ctx, c.endpoint, tavilyRequest{
		APIKey:        c.apiKey,
		Query:         query,
		MaxResults:    c.maxResults,
		SearchDepth:   "basic",
		IncludeAnswer: true,
	})
	if err != nil {
		return nil, err
	}

	var parsed tavilyResponse
	if err := jsonx.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	if parsed.Answer == "" && len(parsed.Results) == 0 {
		return nil, mserrors.NewTransientError(errors.New("empty search result"), "Web search returned no results.")
	}

	pageTexts := c.fetchTopPages(ctx, parsed.Results)

	var output strings.Builder
	output.WriteString(fmt.Sprintf("Search: %s\n\n", query))
	if parsed.Answer != "" {
		output.WriteString(fmt.Sprintf("Summary: %s\n\n", parsed.Answer))
	}
	for i, result := range parsed.Results {
		output.WriteString(fmt.Sprintf("%d. %s\n", i+1, result.Title))
		output.WriteString(fmt.Sprintf("   URL: %s\n", result.URL))
		output.WriteString(fmt.Sprintf("   %s\n", result.Content))
		if text := pageTexts[i]; text != "" {
			output.WriteString(fmt.Sprintf("   Page excerpt: %s\n", text))
		}
		output.WriteString("\n")
	}

	return &Payload{
		Text: output.String(),
		Data: map[string]any{
			"query":         query,
			"answer":        parsed.Answer,
			"results_count": len(parsed.Results),
		},
	}, nil
}

// fetchTopPages downloads up to fetchPages result pages in parallel. Page
// fetches are best effort; a failed fetch leaves an empty slot.
func (c *WebSearchClient) fetchTopPages(ctx context.Context, results []tavilyResult) []string {
	texts := make([]string, len(results))
	if c.fetchPages <= 0 {
		return texts
	}

	n := c.fetchPages
	if n > len(results) {
		n = len(results)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			text, err := c.fetchPage(gctx, results[i].URL)
			if err != nil {
				c.logger.Debug("Page fetch failed for %s: %v", results[i].URL, err)
				return nil
			}
			texts[i] = text
			return nil
		})
	}
	_ = g.Wait()
	return texts
}

func (c *WebSearchClient) fetchPage(ctx context.Context, url string) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Accept", "text/html")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/html") {
		return "", fmt.Errorf("unsupported content type %q", ct)
	}

	body, err := httpclient.ReadAllWithLimit(resp.Body, maxResponseBytes)
	if err != nil {
		return "", err
	}
	text, err := htmlToText(string(body))
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	const excerptLimit = 1500
	if len(text) > excerptLimit {
		text = text[:excerptLimit] + "..."
	}
	return text, nil
}
