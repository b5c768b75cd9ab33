// Command outie-bridge runs inside the sandbox. It exposes the MCP
// endpoint to local clients and relays everything to the orchestrator
// over the inverted WebSocket uplink.
package main

import (
	"flag"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/everydev1618/outie/mcp"
)

func main() {
	addr := flag.String("addr", ":8900", "listen address")
	timeout := flag.Duration("timeout", mcp.DefaultRelayTimeout, "relay timeout per request")
	flag.Parse()

	bridge := mcp.NewBridge(mcp.WithRelayTimeout(*timeout))
	server := &http.Server{
		Addr:              *addr,
		Handler:           bridge.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("bridge: listening", "addr", *addr)
	if err := server.ListenAndServe(); err != nil {
		slog.Error("bridge: server failed", "error", err)
		os.Exit(1)
	}
}
