package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/everydev1618/outie/tools"
)

func testService(t *testing.T) *Service {
	t.Helper()
	r := tools.NewRegistry()
	r.MustRegister(tools.Tool{
		Name:        "echo",
		Description: "echoes text",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
			"required":   []any{"text"},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			s, _ := args["text"].(string)
			return s, nil
		},
	})
	return NewService(r, "outie", "test")
}

func handleOne(t *testing.T, s *Service, raw string) (HandleResult, Response) {
	t.Helper()
	res := s.Handle(context.Background(), "", []byte(raw))
	var resp Response
	if len(res.Body) > 0 {
		if err := json.Unmarshal(res.Body, &resp); err != nil {
			t.Fatalf("decode response %q: %v", res.Body, err)
		}
	}
	return res, resp
}

func TestInitializeOpensSession(t *testing.T) {
	s := testService(t)
	res, resp := handleOne(t, s, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26"}}`)
	if res.Status != http.StatusOK {
		t.Fatalf("status = %d", res.Status)
	}
	if res.SessionID == "" {
		t.Error("initialize should open a session")
	}
	raw, _ := json.Marshal(resp.Result)
	var init InitializeResult
	json.Unmarshal(raw, &init)
	if init.ProtocolVersion != ProtocolVersion {
		t.Errorf("protocolVersion = %q", init.ProtocolVersion)
	}
	if init.Capabilities.Tools == nil {
		t.Error("tools capability missing")
	}

	// The opened session is accepted, an unknown one is not.
	ok := s.Handle(context.Background(), res.SessionID, []byte(`{"jsonrpc":"2.0","id":2,"method":"ping"}`))
	if ok.Status != http.StatusOK {
		t.Errorf("known session status = %d", ok.Status)
	}
	bad := s.Handle(context.Background(), "bogus", []byte(`{"jsonrpc":"2.0","id":3,"method":"ping"}`))
	if bad.Status != http.StatusNotFound {
		t.Errorf("unknown session status = %d", bad.Status)
	}
}

func TestToolsListAndCall(t *testing.T) {
	s := testService(t)

	res, resp := handleOne(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if res.Status != http.StatusOK || resp.Error != nil {
		t.Fatalf("list: status=%d err=%v", res.Status, resp.Error)
	}

	res, resp = handleOne(t, s, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"text":"hi"}}}`)
	if res.Status != http.StatusOK || resp.Error != nil {
		t.Fatalf("call: status=%d err=%v", res.Status, resp.Error)
	}
	raw, _ := json.Marshal(resp.Result)
	var result tools.Result
	json.Unmarshal(raw, &result)
	if len(result.Content) != 1 || result.Content[0].Text != "hi" {
		t.Errorf("result = %+v", result)
	}
}

func TestCallErrors(t *testing.T) {
	s := testService(t)

	_, resp := handleOne(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"ghost"}}`)
	if resp.Error == nil || resp.Error.Code != ErrCodeMethodNotFound {
		t.Errorf("unknown tool error = %+v", resp.Error)
	}

	_, resp = handleOne(t, s, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"text":7}}}`)
	if resp.Error == nil || resp.Error.Code != ErrCodeInvalidParams {
		t.Errorf("invalid args error = %+v", resp.Error)
	}

	_, resp = handleOne(t, s, `{"jsonrpc":"2.0","id":3,"method":"no/such"}`)
	if resp.Error == nil || resp.Error.Code != ErrCodeMethodNotFound {
		t.Errorf("unknown method error = %+v", resp.Error)
	}

	res, resp := handleOne(t, s, `{not json`)
	if res.Status != http.StatusBadRequest || resp.Error == nil || resp.Error.Code != ErrCodeParse {
		t.Errorf("parse error: status=%d err=%+v", res.Status, resp.Error)
	}
}

func TestBatchHandling(t *testing.T) {
	s := testService(t)

	res := s.Handle(context.Background(), "", []byte(`[
		{"jsonrpc":"2.0","id":1,"method":"ping"},
		{"jsonrpc":"2.0","method":"notifications/initialized"},
		{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"text":"a"}}}
	]`))
	if res.Status != http.StatusOK {
		t.Fatalf("status = %d", res.Status)
	}
	var resps []Response
	if err := json.Unmarshal(res.Body, &resps); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if len(resps) != 2 {
		t.Errorf("responses = %d, want 2 (notification answered nothing)", len(resps))
	}

	// All notifications: no body to return.
	res = s.Handle(context.Background(), "", []byte(`[{"jsonrpc":"2.0","method":"notifications/initialized"}]`))
	if res.Status != http.StatusAccepted || len(res.Body) != 0 {
		t.Errorf("all-notification batch: status=%d body=%q", res.Status, res.Body)
	}

	res = s.Handle(context.Background(), "", []byte(`[]`))
	if res.Status != http.StatusBadRequest {
		t.Errorf("empty batch status = %d", res.Status)
	}
}

func TestNotificationGetsNoResponse(t *testing.T) {
	s := testService(t)
	res := s.Handle(context.Background(), "", []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	if res.Status != http.StatusAccepted || len(res.Body) != 0 {
		t.Errorf("status=%d body=%q", res.Status, res.Body)
	}
}
