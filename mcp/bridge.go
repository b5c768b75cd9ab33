package mcp

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DefaultRelayTimeout bounds how long a relayed MCP request waits for the
// orchestrator's answer.
const DefaultRelayTimeout = 30 * time.Second

const maxBodyBytes = 4 << 20

// frameRequest is one relayed HTTP body travelling down the uplink.
// Method is set for bodiless frames like session teardown (DELETE).
type frameRequest struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
}

// frameResponse is the orchestrator's answer travelling back.
type frameResponse struct {
	ID        string          `json:"id"`
	Status    int             `json:"status"`
	SessionID string          `json:"sessionId,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
}

// Bridge runs inside the sandbox. It exposes a streamable-HTTP MCP
// endpoint to local clients and relays every request to the orchestrator
// over an inverted WebSocket: the orchestrator dials in, the bridge never
// dials out.
type Bridge struct {
	timeout  time.Duration
	upgrader websocket.Upgrader

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan frameResponse
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithRelayTimeout overrides the per-request relay timeout.
func WithRelayTimeout(d time.Duration) BridgeOption {
	return func(b *Bridge) {
		b.timeout = d
	}
}

// NewBridge creates a Bridge.
func NewBridge(opts ...BridgeOption) *Bridge {
	b := &Bridge{
		timeout: DefaultRelayTimeout,
		pending: make(map[string]chan frameResponse),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Connected reports whether an uplink is attached.
func (b *Bridge) Connected() bool {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	return b.conn != nil
}

// Handler returns the bridge's HTTP surface: /mcp for protocol traffic,
// /uplink for the orchestrator's WebSocket, /health for probes.
func (b *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", b.handleMCP)
	mux.HandleFunc("/uplink", b.handleUplink)
	mux.HandleFunc("/health", b.handleHealth)
	return mux
}

func (b *Bridge) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		b.relay(w, r)
	case http.MethodDelete:
		// Session teardown is relayed as best effort so the orchestrator
		// drops the session; the local answer is immediate either way.
		if id := r.Header.Get(SessionHeader); id != "" {
			frame := frameRequest{ID: uuid.NewString(), SessionID: id, Method: http.MethodDelete}
			if err := b.writeFrame(frame); err != nil {
				slog.Debug("bridge: session teardown relay failed", "session", id, "error", err)
			}
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (b *Bridge) relay(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if !b.Connected() {
		http.Error(w, "orchestrator uplink not connected", http.StatusServiceUnavailable)
		return
	}

	id := uuid.NewString()
	ch := make(chan frameResponse, 1)
	b.pendingMu.Lock()
	b.pending[id] = ch
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, id)
		b.pendingMu.Unlock()
	}()

	frame := frameRequest{ID: id, SessionID: r.Header.Get(SessionHeader), Body: body}
	if err := b.writeFrame(frame); err != nil {
		http.Error(w, "orchestrator uplink not connected", http.StatusServiceUnavailable)
		return
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			http.Error(w, "orchestrator uplink lost", http.StatusServiceUnavailable)
			return
		}
		if resp.SessionID != "" {
			w.Header().Set(SessionHeader, resp.SessionID)
		}
		if len(resp.Body) > 0 {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(resp.Status)
		w.Write(resp.Body)

	case <-time.After(b.timeout):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(errorBody(requestID(body), ErrCodeTimeout,
			fmt.Sprintf("orchestrator did not answer within %s", b.timeout)))

	case <-r.Context().Done():
	}
}

func (b *Bridge) handleUplink(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("bridge: uplink upgrade failed", "error", err)
		return
	}

	b.connMu.Lock()
	if b.conn != nil {
		// A reconnecting orchestrator replaces the old uplink.
		b.conn.Close()
	}
	b.conn = conn
	b.connMu.Unlock()
	b.failAllPending()
	slog.Info("bridge: uplink connected", "remote", r.RemoteAddr)

	go b.readLoop(conn)
}

func (b *Bridge) readLoop(conn *websocket.Conn) {
	for {
		var resp frameResponse
		if err := conn.ReadJSON(&resp); err != nil {
			slog.Warn("bridge: uplink read failed", "error", err)
			b.connMu.Lock()
			if b.conn == conn {
				b.conn = nil
			}
			b.connMu.Unlock()
			conn.Close()
			b.failAllPending()
			return
		}
		b.pendingMu.Lock()
		ch, ok := b.pending[resp.ID]
		b.pendingMu.Unlock()
		if !ok {
			slog.Debug("bridge: response for unknown request", "id", resp.ID)
			continue
		}
		ch <- resp
	}
}

func (b *Bridge) writeFrame(frame frameRequest) error {
	b.connMu.Lock()
	conn := b.conn
	b.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("no uplink")
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return conn.WriteJSON(frame)
}

// failAllPending unblocks every in-flight relay; each answers 503.
func (b *Bridge) failAllPending() {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	for id, ch := range b.pending {
		close(ch)
		delete(b.pending, id)
	}
}

func (b *Bridge) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":           "ok",
		"uplink_connected": b.Connected(),
	})
}

// requestID extracts the JSON-RPC id of a single request so timeout
// errors can reference it. Batches get a null id.
func requestID(body []byte) json.RawMessage {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil
	}
	return req.ID
}
