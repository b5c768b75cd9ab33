package serve

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultAmbientInterval paces unprompted wake-ups.
const DefaultAmbientInterval = 30 * time.Minute

// Server is the orchestrator's HTTP surface plus the ambient ticker.
type Server struct {
	agent           Agent
	addr            string
	webhookSecret   string
	allowedUsers    map[string]bool
	ambientInterval time.Duration

	httpServer *http.Server
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithWebhookSecret requires the given shared secret on webhook calls.
func WithWebhookSecret(secret string) ServerOption {
	return func(s *Server) {
		s.webhookSecret = secret
	}
}

// WithWebhookUsers restricts webhook intake to the given user ids.
func WithWebhookUsers(ids ...string) ServerOption {
	return func(s *Server) {
		s.allowedUsers = make(map[string]bool, len(ids))
		for _, id := range ids {
			s.allowedUsers[id] = true
		}
	}
}

// WithAmbientInterval overrides the ambient wake-up cadence. Zero
// disables ambient triggers.
func WithAmbientInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		s.ambientInterval = d
	}
}

// NewServer creates a Server listening on addr.
func NewServer(addr string, agent Agent, opts ...ServerOption) *Server {
	s := &Server{
		agent:           agent,
		addr:            addr,
		ambientInterval: DefaultAmbientInterval,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.handleWebhook)
	mux.HandleFunc("/health", s.handleHealth)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Handler exposes the HTTP routes, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves HTTP and runs the ambient ticker until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.ambientInterval > 0 {
		go s.ambientLoop(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("serve: listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) ambientLoop(ctx context.Context) {
	ticker := time.NewTicker(s.ambientInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.agent.HandleAmbient(ctx)
		}
	}
}

// webhookPayload is the message intake body.
type webhookPayload struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

// handleWebhook accepts external message intake. Authentication failures
// are the only non-200 answers; everything past the secret gate returns
// 200 so callers cannot probe the allow-list.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.webhookSecret != "" {
		got := r.Header.Get("X-Webhook-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.webhookSecret)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.Text == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	if len(s.allowedUsers) > 0 && !s.allowedUsers[payload.UserID] {
		slog.Debug("serve: webhook from unknown user ignored", "user", payload.UserID)
		w.WriteHeader(http.StatusOK)
		return
	}

	if payload.Text == "/clear" {
		if err := s.agent.Clear(r.Context()); err != nil {
			slog.Error("serve: clear failed", "error", err)
		}
	} else {
		s.agent.HandleUserMessage(r.Context(), payload.Text, "webhook")
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
