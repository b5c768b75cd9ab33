// Package engine is the HTTP client for the reasoning engine: a
// session-based agent runtime the orchestrator prompts and observes.
package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Standard errors
var (
	// ErrUnavailable is returned when the engine cannot be reached.
	ErrUnavailable = errors.New("engine unavailable")

	// ErrSessionMissing is returned for operations on an unknown session.
	ErrSessionMissing = errors.New("engine session not found")
)

// Session states.
const (
	StateWorking = "working"
	StateIdle    = "idle"
	StateFailed  = "failed"
)

// DefaultPromptTimeout bounds one prompt turn end to end.
const DefaultPromptTimeout = 10 * time.Minute

// Session is the engine's view of one conversation.
type Session struct {
	ID          string `json:"id"`
	State       string `json:"state"`
	LastMessage string `json:"last_message,omitempty"`
}

// Event is one server-sent event from a session's stream.
type Event struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
}

// Event types the orchestrator reacts to.
const (
	EventIdle   = "session.idle"
	EventFailed = "session.failed"
)

// Client talks to the engine API.
type Client struct {
	baseURL       string
	apiKey        string
	http          *http.Client
	promptTimeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithPromptTimeout overrides the per-prompt deadline.
func WithPromptTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.promptTimeout = d
	}
}

// New creates a Client for the engine at baseURL.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiKey:        apiKey,
		http:          &http.Client{},
		promptTimeout: DefaultPromptTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateSession opens a new engine session.
func (c *Client) CreateSession(ctx context.Context) (Session, error) {
	var s Session
	if err := c.do(ctx, http.MethodPost, "/sessions", nil, &s); err != nil {
		return Session{}, err
	}
	return s, nil
}

// GetSession fetches a session's current state.
func (c *Client) GetSession(ctx context.Context, id string) (Session, error) {
	var s Session
	if err := c.do(ctx, http.MethodGet, "/sessions/"+id, nil, &s); err != nil {
		return Session{}, err
	}
	return s, nil
}

// Abort cancels whatever the session is doing. Aborting an idle session
// is a no-op on the engine side.
func (c *Client) Abort(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+id+"/abort", nil, nil)
}

// Prompt submits a turn and returns once the engine accepts it. The
// engine works asynchronously; WaitIdle observes completion.
func (c *Client) Prompt(ctx context.Context, id, system, prompt string) error {
	body := map[string]string{"system": system, "prompt": prompt}
	return c.do(ctx, http.MethodPost, "/sessions/"+id+"/prompt", body, nil)
}

// WaitIdle blocks until the session leaves the working state, following
// the session's SSE stream with a polling fallback. The prompt timeout
// bounds the whole wait.
func (c *Client) WaitIdle(ctx context.Context, id string) (Session, error) {
	ctx, cancel := context.WithTimeout(ctx, c.promptTimeout)
	defer cancel()

	done := make(chan struct{}, 1)
	go func() {
		// Stream errors fall through to polling.
		_ = c.Subscribe(ctx, id, func(ev Event) bool {
			if ev.Type == EventIdle || ev.Type == EventFailed {
				select {
				case done <- struct{}{}:
				default:
				}
				return false
			}
			return true
		})
	}()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Session{}, fmt.Errorf("session %s: prompt deadline exceeded", id)
			}
			return Session{}, ctx.Err()
		case <-done:
		case <-ticker.C:
		}
		s, err := c.GetSession(ctx, id)
		if err != nil {
			return Session{}, err
		}
		if s.State != StateWorking {
			return s, nil
		}
	}
}

// Subscribe follows a session's SSE stream, calling fn per event until
// fn returns false, the stream ends, or ctx is cancelled.
func (c *Client) Subscribe(ctx context.Context, id string, fn func(Event) bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sessions/"+id+"/events", nil)
	if err != nil {
		return err
	}
	c.auth(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrSessionMissing, id)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: events status %d", ErrUnavailable, resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var ev Event
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			ev.Type = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			ev.Data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "":
			if ev.Type != "" {
				if !fn(ev) {
					return nil
				}
			}
			ev = Event{}
		}
	}
	return scanner.Err()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	c.auth(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", ErrSessionMissing, method, path)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s %s: status %d", ErrUnavailable, method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) auth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
