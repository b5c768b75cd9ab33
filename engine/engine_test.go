package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestCreatePromptWaitIdle(t *testing.T) {
	var polls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/sessions":
			json.NewEncoder(w).Encode(Session{ID: "s1", State: StateIdle})
		case r.Method == http.MethodPost && r.URL.Path == "/sessions/s1/prompt":
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodGet && r.URL.Path == "/sessions/s1":
			// Working for the first two polls, then idle.
			state := StateWorking
			if polls.Add(1) > 2 {
				state = StateIdle
			}
			json.NewEncoder(w).Encode(Session{ID: "s1", State: state, LastMessage: "done"})
		case r.Method == http.MethodGet && r.URL.Path == "/sessions/s1/events":
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			fmt.Fprint(w, "event: session.idle\ndata: {}\n\n")
			flusher.Flush()
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	c := New(server.URL, "key", WithPromptTimeout(5*time.Second))
	ctx := context.Background()

	s, err := c.CreateSession(ctx)
	if err != nil || s.ID != "s1" {
		t.Fatalf("create: %v %+v", err, s)
	}
	if err := c.Prompt(ctx, s.ID, "system", "hello"); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	s, err = c.WaitIdle(ctx, s.ID)
	if err != nil {
		t.Fatalf("wait idle: %v", err)
	}
	if s.State != StateIdle || s.LastMessage != "done" {
		t.Errorf("session = %+v", s)
	}
}

func TestSessionMissing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	c := New(server.URL, "")
	_, err := c.GetSession(context.Background(), "ghost")
	if !errors.Is(err, ErrSessionMissing) {
		t.Errorf("err = %v, want ErrSessionMissing", err)
	}
}

func TestUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	c := New(server.URL, "")
	if _, err := c.CreateSession(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("5xx: err = %v, want ErrUnavailable", err)
	}

	server.Close()
	if _, err := c.CreateSession(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("connection refused: err = %v, want ErrUnavailable", err)
	}
}

func TestSubscribeParsesEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "event: tool.call\ndata: {\"name\":\"x\"}\n\n")
		fmt.Fprint(w, "event: session.idle\ndata: {}\n\n")
		flusher.Flush()
	}))
	defer server.Close()

	var seen []Event
	err := New(server.URL, "").Subscribe(context.Background(), "s1", func(ev Event) bool {
		seen = append(seen, ev)
		return ev.Type != EventIdle
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(seen) != 2 || seen[0].Type != "tool.call" || seen[1].Type != EventIdle {
		t.Errorf("events = %+v", seen)
	}
}
