package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/everydev1618/outie/tools"
)

// Service dispatches MCP messages against a tool registry. It is
// transport-agnostic: the bridge feeds it raw HTTP bodies relayed over
// the uplink.
type Service struct {
	registry *tools.Registry
	name     string
	version  string

	mu       sync.Mutex
	sessions map[string]struct{}
}

// NewService creates a Service over a registry.
func NewService(registry *tools.Registry, name, version string) *Service {
	return &Service{
		registry: registry,
		name:     name,
		version:  version,
		sessions: make(map[string]struct{}),
	}
}

// HandleResult is the HTTP-shaped outcome of one MCP message.
type HandleResult struct {
	Status    int
	Body      []byte // nil for 202
	SessionID string // set when initialize opened a session
}

// Handle processes one raw JSON-RPC message or batch. Tool calls run
// serially within a message; an all-notification batch yields 202.
func (s *Service) Handle(ctx context.Context, sessionID string, raw []byte) HandleResult {
	if sessionID != "" && !s.hasSession(sessionID) {
		return HandleResult{Status: http.StatusNotFound, Body: errorBody(nil, ErrCodeInvalidRequest, "unknown session")}
	}

	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return s.handleBatch(ctx, trimmed)
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return HandleResult{Status: http.StatusBadRequest, Body: errorBody(nil, ErrCodeParse, "parse error")}
	}
	resp, newSession := s.dispatch(ctx, &req)
	if resp == nil {
		return HandleResult{Status: http.StatusAccepted}
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return HandleResult{Status: http.StatusInternalServerError, Body: errorBody(req.ID, ErrCodeInternal, "encode response")}
	}
	return HandleResult{Status: http.StatusOK, Body: body, SessionID: newSession}
}

func (s *Service) handleBatch(ctx context.Context, raw []byte) HandleResult {
	var reqs []Request
	if err := json.Unmarshal(raw, &reqs); err != nil {
		return HandleResult{Status: http.StatusBadRequest, Body: errorBody(nil, ErrCodeParse, "parse error")}
	}
	if len(reqs) == 0 {
		return HandleResult{Status: http.StatusBadRequest, Body: errorBody(nil, ErrCodeInvalidRequest, "empty batch")}
	}

	var responses []*Response
	var newSession string
	for i := range reqs {
		resp, sess := s.dispatch(ctx, &reqs[i])
		if sess != "" {
			newSession = sess
		}
		if resp != nil {
			responses = append(responses, resp)
		}
	}
	if len(responses) == 0 {
		return HandleResult{Status: http.StatusAccepted}
	}
	body, err := json.Marshal(responses)
	if err != nil {
		return HandleResult{Status: http.StatusInternalServerError, Body: errorBody(nil, ErrCodeInternal, "encode response")}
	}
	return HandleResult{Status: http.StatusOK, Body: body, SessionID: newSession}
}

// dispatch handles one request. Notifications return a nil response.
func (s *Service) dispatch(ctx context.Context, req *Request) (*Response, string) {
	if req.JSONRPC != "2.0" {
		if req.IsNotification() {
			return nil, ""
		}
		return errResponse(req.ID, ErrCodeInvalidRequest, "jsonrpc must be 2.0"), ""
	}

	switch req.Method {
	case "initialize":
		sessionID := s.newSession()
		return okResponse(req.ID, InitializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerInfo:      ServerInfo{Name: s.name, Version: s.version},
			Capabilities:    Capabilities{Tools: &ToolsCapability{}},
		}), sessionID

	case "notifications/initialized", "notifications/cancelled":
		return nil, ""

	case "ping":
		if req.IsNotification() {
			return nil, ""
		}
		return okResponse(req.ID, struct{}{}), ""

	case "tools/list":
		return okResponse(req.ID, map[string]any{"tools": s.registry.List()}), ""

	case "tools/call":
		return s.callTool(ctx, req), ""

	default:
		if req.IsNotification() {
			slog.Debug("mcp: ignoring notification", "method", req.Method)
			return nil, ""
		}
		return errResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method)), ""
	}
}

func (s *Service) callTool(ctx context.Context, req *Request) *Response {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, ErrCodeInvalidParams, "invalid tools/call params")
	}
	result, err := s.registry.Call(ctx, params.Name, params.Arguments)
	switch {
	case errors.Is(err, tools.ErrToolNotFound):
		return errResponse(req.ID, ErrCodeMethodNotFound, err.Error())
	case errors.Is(err, tools.ErrInvalidArgs):
		return errResponse(req.ID, ErrCodeInvalidParams, err.Error())
	case err != nil:
		return errResponse(req.ID, ErrCodeInternal, err.Error())
	}
	return okResponse(req.ID, result)
}

func (s *Service) newSession() string {
	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = struct{}{}
	s.mu.Unlock()
	return id
}

func (s *Service) hasSession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	return ok
}

// DropSession forgets a session id; subsequent requests carrying it 404.
func (s *Service) DropSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func okResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: normalizeID(id), Result: result}
}

func errResponse(id json.RawMessage, code int, msg string) *Response {
	return &Response{JSONRPC: "2.0", ID: normalizeID(id), Error: &RPCError{Code: code, Message: msg}}
}

func errorBody(id json.RawMessage, code int, msg string) []byte {
	body, _ := json.Marshal(errResponse(id, code, msg))
	return body
}

// normalizeID keeps a null id valid JSON for error responses to
// unparseable requests.
func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
