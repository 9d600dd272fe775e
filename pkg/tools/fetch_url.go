// Package tools holds the built-in research tools.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/odvcencio/quarry/pkg/tool"
)

const (
	defaultFetchLength = 6000
	maxFetchLength     = 40000
	fetchLinkLimit     = 10
	defaultUserAgent   = "quarry/1.0"
)

// FetchURL fetches a web page and extracts its readable text.
type FetchURL struct {
	Client    *http.Client
	UserAgent string
}

// NewFetchURL creates the tool with a 20 second HTTP timeout.
func NewFetchURL(userAgent string) *FetchURL {
	if strings.TrimSpace(userAgent) == "" {
		userAgent = defaultUserAgent
	}
	return &FetchURL{Client: &http.Client{Timeout: 20 * time.Second}, UserAgent: userAgent}
}

func (t *FetchURL) Name() string { return "fetch_url" }

func (t *FetchURL) Description() string {
	return "Fetch a web page and return its title, readable text and first links. Use for primary sources such as filings, press releases, documentation and news articles."
}

func (t *FetchURL) Parameters() tool.ParameterSchema {
	return tool.ParameterSchema{
		Type: "object",
		Properties: map[string]tool.PropertySchema{
			"url": {
				Type:        "string",
				Description: "Absolute http(s) URL to fetch",
			},
			"selector": {
				Type:        "string",
				Description: "Optional CSS selector to narrow the extracted content",
			},
			"max_length": {
				Type:        "integer",
				Description: "Maximum characters of text to return (default 6000)",
				Default:     defaultFetchLength,
			},
		},
		Required: []string{"url"},
	}
}

// QueryArgument tracks the URL for similarity warnings.
func (t *FetchURL) QueryArgument() string { return "url" }

type fetchResult struct {
	URL        string              `json:"url"`
	StatusCode int                 `json:"status_code"`
	Title      string              `json:"title,omitempty"`
	Text       string              `json:"text"`
	Truncated  bool                `json:"truncated,omitempty"`
	Links      []map[string]string `json:"links,omitempty"`
}

func (t *FetchURL) Execute(ctx context.Context, args map[string]any) (string, error) {
	rawURL := tool.StringArg(args, "url")
	if rawURL == "" {
		return "", fmt.Errorf("url parameter must be a non-empty string")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", fmt.Errorf("invalid url %q", rawURL)
	}
	maxLength := intArg(args, "max_length", defaultFetchLength)
	if maxLength <= 0 || maxLength > maxFetchLength {
		maxLength = defaultFetchLength
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", t.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("received status code %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript, svg, nav, footer").Remove()

	selection := doc.Find("body")
	if sel := tool.StringArg(args, "selector"); sel != "" {
		selection = doc.Find(sel)
		if selection.Length() == 0 {
			return "", fmt.Errorf("selector %q matched no elements", sel)
		}
	}

	res := fetchResult{
		URL:        parsed.String(),
		StatusCode: resp.StatusCode,
		Title:      strings.TrimSpace(doc.Find("title").First().Text()),
		Text:       strings.Join(strings.Fields(selection.Text()), " "),
		Links:      collectLinks(doc, parsed, fetchLinkLimit),
	}
	if utf8.RuneCountInString(res.Text) > maxLength {
		res.Text = string([]rune(res.Text)[:maxLength])
		res.Truncated = true
	}
	data, err := json.Marshal(res)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func collectLinks(doc *goquery.Document, base *url.URL, limit int) []map[string]string {
	var links []map[string]string
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if len(links) >= limit {
			return false
		}
		href, _ := s.Attr("href")
		linkURL, err := base.Parse(strings.TrimSpace(href))
		if err != nil || (linkURL.Scheme != "http" && linkURL.Scheme != "https") {
			return true
		}
		text := strings.Join(strings.Fields(s.Text()), " ")
		if text == "" {
			text = linkURL.String()
		}
		links = append(links, map[string]string{"title": text, "url": linkURL.String()})
		return true
	})
	return links
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}
