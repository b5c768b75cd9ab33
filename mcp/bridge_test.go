package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func wsURL(server *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + path
}

func TestMCPEndpointWithoutUplink(t *testing.T) {
	bridge := NewBridge()
	server := httptest.NewServer(bridge.Handler())
	defer server.Close()

	resp, err := http.Post(server.URL+"/mcp", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestMCPEndpointMethods(t *testing.T) {
	bridge := NewBridge()
	server := httptest.NewServer(bridge.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/mcp")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, server.URL+"/mcp", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("DELETE status = %d, want 204", resp.StatusCode)
	}
}

func TestHealthReportsUplinkState(t *testing.T) {
	bridge := NewBridge()
	server := httptest.NewServer(bridge.Handler())
	defer server.Close()

	var health struct {
		Status          string `json:"status"`
		UplinkConnected bool   `json:"uplink_connected"`
	}
	resp, err := http.Get(server.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if health.Status != "ok" || health.UplinkConnected {
		t.Errorf("health = %+v", health)
	}

	uplink := NewUplink(testService(t), wsURL(server, "/uplink"))
	if err := uplink.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer uplink.Close()
	waitFor(t, bridge.Connected)

	resp, err = http.Get(server.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if !health.UplinkConnected {
		t.Error("uplink_connected should be true after connect")
	}
}

func TestRelayRoundTrip(t *testing.T) {
	bridge := NewBridge()
	server := httptest.NewServer(bridge.Handler())
	defer server.Close()

	uplink := NewUplink(testService(t), wsURL(server, "/uplink"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go uplink.Run(ctx)
	waitFor(t, bridge.Connected)

	resp, err := http.Post(server.URL+"/mcp", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"echo","arguments":{"text":"over the wire"}}}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var rpc Response
	if err := json.NewDecoder(resp.Body).Decode(&rpc); err != nil {
		t.Fatal(err)
	}
	if rpc.Error != nil {
		t.Fatalf("rpc error: %+v", rpc.Error)
	}
	if string(rpc.ID) != "7" {
		t.Errorf("id = %s", rpc.ID)
	}
	raw, _ := json.Marshal(rpc.Result)
	if !strings.Contains(string(raw), "over the wire") {
		t.Errorf("result = %s", raw)
	}
}

func TestRelaySessionHeader(t *testing.T) {
	bridge := NewBridge()
	server := httptest.NewServer(bridge.Handler())
	defer server.Close()

	uplink := NewUplink(testService(t), wsURL(server, "/uplink"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go uplink.Run(ctx)
	waitFor(t, bridge.Connected)

	resp, err := http.Post(server.URL+"/mcp", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get(SessionHeader) == "" {
		t.Error("initialize response should carry " + SessionHeader)
	}
}

func TestRelayTimeout(t *testing.T) {
	bridge := NewBridge(WithRelayTimeout(100 * time.Millisecond))
	server := httptest.NewServer(bridge.Handler())
	defer server.Close()

	// A silent uplink: connected but never answers.
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, "/uplink"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	waitFor(t, bridge.Connected)

	resp, err := http.Post(server.URL+"/mcp", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":3,"method":"ping"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var rpc Response
	if err := json.NewDecoder(resp.Body).Decode(&rpc); err != nil {
		t.Fatal(err)
	}
	if rpc.Error == nil || rpc.Error.Code != ErrCodeTimeout {
		t.Errorf("error = %+v, want code %d", rpc.Error, ErrCodeTimeout)
	}
	if string(rpc.ID) != "3" {
		t.Errorf("timeout error should echo the request id, got %s", rpc.ID)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestDeleteRelaysSessionTeardown(t *testing.T) {
	bridge := NewBridge()
	server := httptest.NewServer(bridge.Handler())
	defer server.Close()

	uplink := NewUplink(testService(t), wsURL(server, "/uplink"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go uplink.Run(ctx)
	waitFor(t, bridge.Connected)

	resp, err := http.Post(server.URL+"/mcp", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	session := resp.Header.Get(SessionHeader)
	if session == "" {
		t.Fatal("initialize did not open a session")
	}

	ping := func() int {
		req, _ := http.NewRequest(http.MethodPost, server.URL+"/mcp",
			strings.NewReader(`{"jsonrpc":"2.0","id":2,"method":"ping"}`))
		req.Header.Set(SessionHeader, session)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if ping() != http.StatusOK {
		t.Fatal("session should be live before teardown")
	}

	req, _ := http.NewRequest(http.MethodDelete, server.URL+"/mcp", nil)
	req.Header.Set(SessionHeader, session)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE status = %d, want 204", resp.StatusCode)
	}

	// Teardown travels the uplink asynchronously; the session must be
	// gone shortly after.
	waitFor(t, func() bool { return ping() == http.StatusNotFound })
}
