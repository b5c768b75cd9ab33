package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// reconnectDelay paces uplink redial attempts.
const reconnectDelay = 2 * time.Second

// Uplink is the orchestrator's end of the bridge: it dials the sandbox's
// WebSocket endpoint and answers relayed MCP requests against a Service.
type Uplink struct {
	service  *Service
	url      string
	dialer   *websocket.Dialer
	dialFunc func(ctx context.Context) (*websocket.Conn, error)

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// UplinkOption configures an Uplink.
type UplinkOption func(*Uplink)

// WithDialFunc replaces the default dialer. The sandbox adapter supplies
// one so the container is woken before each connection attempt.
func WithDialFunc(fn func(ctx context.Context) (*websocket.Conn, error)) UplinkOption {
	return func(u *Uplink) {
		u.dialFunc = fn
	}
}

// NewUplink creates an Uplink that serves service over the bridge at url
// (a ws:// URL ending in /uplink).
func NewUplink(service *Service, url string, opts ...UplinkOption) *Uplink {
	u := &Uplink{
		service: service,
		url:     url,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Run dials the bridge and serves until ctx is cancelled, redialling on
// any connection loss.
func (u *Uplink) Run(ctx context.Context) error {
	for {
		if err := u.serveOnce(ctx); err != nil {
			slog.Warn("uplink: connection lost", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

// Connect dials once without the retry loop, for callers that manage
// their own lifecycle.
func (u *Uplink) Connect(ctx context.Context) error {
	var (
		conn *websocket.Conn
		err  error
	)
	if u.dialFunc != nil {
		conn, err = u.dialFunc(ctx)
	} else {
		conn, _, err = u.dialer.DialContext(ctx, u.url, nil)
	}
	if err != nil {
		return err
	}
	u.mu.Lock()
	if u.conn != nil {
		u.conn.Close()
	}
	u.conn = conn
	u.mu.Unlock()
	return nil
}

// Close tears down the current connection.
func (u *Uplink) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return nil
	}
	err := u.conn.Close()
	u.conn = nil
	return err
}

func (u *Uplink) serveOnce(ctx context.Context) error {
	if err := u.Connect(ctx); err != nil {
		return err
	}
	slog.Info("uplink: connected", "url", u.url)

	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()

	// Close the socket when ctx ends so the read below unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	// Requests are handled in arrival order: tool calls stay serial.
	for {
		var frame frameRequest
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		// Teardown frames carry no body and expect no response.
		if frame.Method == http.MethodDelete {
			u.service.DropSession(frame.SessionID)
			continue
		}
		res := u.service.Handle(ctx, frame.SessionID, frame.Body)
		resp := frameResponse{
			ID:        frame.ID,
			Status:    res.Status,
			SessionID: res.SessionID,
			Body:      res.Body,
		}
		u.writeMu.Lock()
		err := conn.WriteJSON(resp)
		u.writeMu.Unlock()
		if err != nil {
			return err
		}
	}
}
