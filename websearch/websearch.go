// Package websearch is a thin client for a Brave-style search API plus a
// rendered-page fetch endpoint.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ErrUnavailable is returned when the search backend cannot be reached or
// answers with a server error.
var ErrUnavailable = errors.New("web search unavailable")

// DefaultTimeout bounds a single search or fetch request.
const DefaultTimeout = 30 * time.Second

const (
	defaultSearchURL = "https://api.search.brave.com/res/v1/web/search"
	defaultNewsURL   = "https://api.search.brave.com/res/v1/news/search"
)

// Result is one search hit.
type Result struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	Age         string `json:"age,omitempty"`
}

// Client talks to the search API.
type Client struct {
	apiKey    string
	searchURL string
	newsURL   string
	fetchURL  string
	http      *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithEndpoints overrides the search and news endpoints.
func WithEndpoints(searchURL, newsURL string) Option {
	return func(c *Client) {
		c.searchURL = searchURL
		c.newsURL = newsURL
	}
}

// WithFetchEndpoint sets the page-rendering fetch service.
func WithFetchEndpoint(fetchURL string) Option {
	return func(c *Client) {
		c.fetchURL = fetchURL
	}
}

// New creates a Client.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:    apiKey,
		searchURL: defaultSearchURL,
		newsURL:   defaultNewsURL,
		http:      &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Search runs a web search.
func (c *Client) Search(ctx context.Context, query string, count int) ([]Result, error) {
	return c.search(ctx, c.searchURL, query, count)
}

// News runs a news search.
func (c *Client) News(ctx context.Context, query string, count int) ([]Result, error) {
	return c.search(ctx, c.newsURL, query, count)
}

func (c *Client) search(ctx context.Context, endpoint, query string, count int) ([]Result, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("%w: no API key configured", ErrUnavailable)
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("count", strconv.Itoa(count))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, body)
	}

	var payload struct {
		Web struct {
			Results []Result `json:"results"`
		} `json:"web"`
		Results []Result `json:"results"` // news responses are flat
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	if len(payload.Web.Results) > 0 {
		return payload.Web.Results, nil
	}
	return payload.Results, nil
}

// Fetch retrieves a page's readable text. With waitForJS the rendering
// service executes scripts before extracting.
func (c *Client) Fetch(ctx context.Context, rawURL string, waitForJS bool) (string, error) {
	if c.fetchURL == "" {
		// No rendering service configured: plain GET.
		return c.fetchDirect(ctx, rawURL)
	}
	body, err := json.Marshal(map[string]any{"url": rawURL, "wait_for_js": waitForJS})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.fetchURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: fetch status %d", ErrUnavailable, resp.StatusCode)
	}
	text, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	return string(text), nil
}

func (c *Client) fetchDirect(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	return string(body), nil
}
