package tools

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/everydev1618/outie/websearch"
)

// WebClient is the subset of the search client the web tools use.
type WebClient interface {
	Search(ctx context.Context, query string, count int) ([]websearch.Result, error)
	News(ctx context.Context, query string, count int) ([]websearch.Result, error)
	Fetch(ctx context.Context, rawURL string, waitForJS bool) (string, error)
}

// Allowlist records which URLs fetch_page may retrieve. URLs enter by
// appearing in search results or in a user message; the list is
// in-memory and resets on restart.
type Allowlist struct {
	mu   sync.Mutex
	urls map[string]struct{}
}

// NewAllowlist creates an empty Allowlist.
func NewAllowlist() *Allowlist {
	return &Allowlist{urls: make(map[string]struct{})}
}

// Add records URLs as fetchable.
func (a *Allowlist) Add(urls ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, u := range urls {
		if u != "" {
			a.urls[u] = struct{}{}
		}
	}
}

var urlPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

// AddFromText extracts URLs from free text and records them as
// fetchable. User messages feed through here so the agent can open
// links it was sent.
func (a *Allowlist) AddFromText(text string) {
	for _, u := range urlPattern.FindAllString(text, -1) {
		a.Add(strings.TrimRight(u, ".,;:!?"))
	}
}

// Allowed reports whether a URL has entered the allowlist.
func (a *Allowlist) Allowed(u string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.urls[u]
	return ok
}

// WebTools registers web_search, news_search, and fetch_page.
type WebTools struct {
	Client    WebClient
	Allowlist *Allowlist
}

// Register adds the web tool set to the registry.
func (w *WebTools) Register(r *Registry) {
	r.MustRegister(Tool{
		Name:        "web_search",
		Description: "Search the web. Result URLs become fetchable with fetch_page.",
		InputSchema: objectSchema(map[string]any{
			"query": map[string]any{"type": "string"},
			"count": map[string]any{"type": "integer", "minimum": 1, "maximum": 20},
		}, "query"),
		Handler: w.webSearch,
	})
	r.MustRegister(Tool{
		Name:        "news_search",
		Description: "Search recent news. Result URLs become fetchable with fetch_page.",
		InputSchema: objectSchema(map[string]any{
			"query": map[string]any{"type": "string"},
			"count": map[string]any{"type": "integer", "minimum": 1, "maximum": 20},
		}, "query"),
		Handler: w.newsSearch,
	})
	r.MustRegister(Tool{
		Name:        "fetch_page",
		Description: "Fetch the readable text of a URL previously returned by web_search or news_search.",
		InputSchema: objectSchema(map[string]any{
			"url":         map[string]any{"type": "string"},
			"wait_for_js": map[string]any{"type": "boolean", "description": "Render scripts before extracting, for dynamic pages."},
		}, "url"),
		Handler: w.fetchPage,
	})
}

func (w *WebTools) webSearch(ctx context.Context, args map[string]any) (string, error) {
	return w.search(ctx, args, w.Client.Search)
}

func (w *WebTools) newsSearch(ctx context.Context, args map[string]any) (string, error) {
	return w.search(ctx, args, w.Client.News)
}

func (w *WebTools) search(ctx context.Context, args map[string]any, fn func(context.Context, string, int) ([]websearch.Result, error)) (string, error) {
	if w.Client == nil {
		return "", errors.New("web search is not configured")
	}
	query := argString(args, "query")
	count := argInt(args, "count", 5)
	results, err := fn(ctx, query, count)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "No results.", nil
	}
	if w.Allowlist != nil {
		for _, res := range results {
			w.Allowlist.Add(res.URL)
		}
	}
	var sb strings.Builder
	for i, res := range results {
		fmt.Fprintf(&sb, "%d. %s\n%s\n", i+1, res.Title, res.URL)
		if res.Description != "" {
			fmt.Fprintf(&sb, "%s\n", res.Description)
		}
		if res.Age != "" {
			fmt.Fprintf(&sb, "(%s)\n", res.Age)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// fetchPage consults the allowlist before any network activity: a URL
// outside it is refused without a request being made.
func (w *WebTools) fetchPage(ctx context.Context, args map[string]any) (string, error) {
	rawURL := argString(args, "url")
	if w.Allowlist == nil || !w.Allowlist.Allowed(rawURL) {
		return fmt.Sprintf("BLOCKED: URL %s not in allowlist. Only URLs returned by web_search or news_search can be fetched.", rawURL), nil
	}
	if w.Client == nil {
		return "", errors.New("web fetch is not configured")
	}
	text, err := w.Client.Fetch(ctx, rawURL, argBool(args, "wait_for_js"))
	if err != nil {
		return "", err
	}
	return text, nil
}
