package capability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	mserrors "mediscope/internal/errors"
	"mediscope/internal/httpclient"
	jsonx "mediscope/internal/shared/json"
)

// DocumentClient extracts text from a referenced patient document. HTML is
// parsed locally; PDFs and other binary formats are forwarded to a remote
// extraction service.
type DocumentClient struct {
	baseClient
	// extractEndpoint handles formats we cannot parse locally. Empty means
	// binary documents are rejected.
	extractEndpoint string
	maxChars        int
}

// NewDocumentClient constructs a document extraction adapter. extractEndpoint
// may be empty when only HTML documents are expected.
func NewDocumentClient(extractEndpoint, apiKey string, maxChars int, client *http.Client) *DocumentClient {
	if maxChars <= 0 {
		maxChars = 20000
	}
	return &DocumentClient{
		baseClient:      newBaseClient("document", extractEndpoint, apiKey, client),
		extractEndpoint: extractEndpoint,
		maxChars:        maxChars,
	}
}

type extractRequest struct {
	URL string `json:"url"`
}

type extractResponse struct {
	Text  string `json:"text"`
	Pages int    `json:"pages"`
}

func (c *DocumentClient) Invoke(ctx context.Context, req Request) (*Payload, error) {
	if req.Reference == "" {
		return nil, mserrors.NewPermanentError(errors.New("missing document reference"), "No document was provided for extraction.")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.Reference, nil)
	if err != nil {
		return nil, mserrors.NewPermanentError(fmt.Errorf("create document request: %w", err), "The document reference is not a valid URL.")
	}
	httpReq.Header.Set("Accept", "text/html, application/pdf, text/plain")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, wrapRequestError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, mapHTTPError(resp.StatusCode, []byte(fmt.Sprintf("fetch %s", req.Reference)))
	}

	contentType := resp.Header.Get("Content-Type")
	body, err := httpclient.ReadAllWithLimit(resp.Body, maxResponseBytes)
	if err != nil {
		if httpclient.IsResponseTooLarge(err) {
			return nil, mserrors.NewPermanentError(err, "The document is too large to process.")
		}
		return nil, fmt.Errorf("read document: %w", err)
	}

	var text string
	var pages int
	switch {
	case strings.Contains(contentType, "text/html"):
		text, err = htmlToText(string(body))
		if err != nil {
			return nil, mserrors.NewPermanentError(fmt.Errorf("parse html: %w", err), "The document could not be parsed.")
		}
	case strings.Contains(contentType, "text/plain"):
		text = string(body)
	default:
		text, pages, err = c.extractRemote(ctx, req.Reference)
		if err != nil {
			return nil, err
		}
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, mserrors.NewPermanentError(errors.New("empty document"), "The document contains no extractable text.")
	}
	if len(text) > c.maxChars {
		text = text[:c.maxChars] + "\n\n[document truncated]"
	}

	data := map[string]any{"content_type": contentType}
	if pages > 0 {
		data["pages"] = pages
	}
	return &Payload{Text: text, Data: data}, nil
}

func (c *DocumentClient) extractRemote(ctx context.Context, url string) (string, int, error) {
	if c.extractEndpoint == "" {
		return "", 0, mserrors.NewPermanentError(errors.New("no extraction backend"), "This document format is not supported.")
	}

	respBody, err := c.postJSON(ctx, c.extractEndpoint, extractRequest{URL: url})
	if err != nil {
		return "", 0, err
	}

	var parsed extractResponse
	if err := jsonx.Unmarshal(respBody, &parsed); err != nil {
		return "", 0, fmt.Errorf("decode extraction response: %w", err)
	}
	return parsed.Text, parsed.Pages, nil
}

// htmlToText converts HTML to clean markdown-like text.
func htmlToText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}

	doc.Find("script, style, nav, footer, header, aside, iframe").Remove()

	var content strings.Builder

	if title := doc.Find("title").Text(); title != "" {
		content.WriteString("# " + strings.TrimSpace(title) + "\n\n")
	}

	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(i int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			level := s.Get(0).Data[1] - '0'
			prefix := strings.Repeat("#", int(level))
			content.WriteString(prefix + " " + text + "\n\n")
		}
	})

	doc.Find("p, article, section, td").Each(func(i int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			content.WriteString(text + "\n\n")
		}
	})

	doc.Find("ul, ol").Each(func(i int, s *goquery.Selection) {
		s.Find("li").Each(func(j int, li *goquery.Selection) {
			if text := strings.TrimSpace(li.Text()); text != "" {
				content.WriteString("- " + text + "\n")
			}
		})
		content.WriteString("\n")
	})

	return content.String(), nil
}
