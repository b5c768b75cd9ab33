// Command outie runs the agent orchestrator.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"

	"github.com/everydev1618/outie"
	"github.com/everydev1618/outie/coding"
	"github.com/everydev1618/outie/embedder"
	"github.com/everydev1618/outie/engine"
	"github.com/everydev1618/outie/githubapp"
	"github.com/everydev1618/outie/mcp"
	"github.com/everydev1618/outie/prompt"
	"github.com/everydev1618/outie/sandbox"
	"github.com/everydev1618/outie/scheduler"
	"github.com/everydev1618/outie/search"
	"github.com/everydev1618/outie/serve"
	"github.com/everydev1618/outie/store"
	"github.com/everydev1618/outie/tools"
	"github.com/everydev1618/outie/websearch"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "reset":
		cmdReset(os.Args[2:])
	case "version":
		fmt.Println("outie " + version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Print(`outie - stateful agent orchestrator

Usage:
  outie serve [-config path]    run the orchestrator
  outie reset -yes [-all]       clear the conversation buffer (-all removes the database)
  outie version                 print the version
`)
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config YAML")
	fs.Parse(args)

	cfg, err := outie.LoadConfig(*configPath)
	if err != nil {
		fatal(err)
	}

	st, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer st.Close()
	if err := st.Init(); err != nil {
		fatal(err)
	}

	emb := embedder.New()
	searcher := search.New(st, emb)
	builder := prompt.New(st)
	eng := engine.New(cfg.Engine.URL, cfg.Engine.APIKey)

	// Telegram first: it is both intake and the reply sink.
	var tgOpts []serve.TelegramOption
	if cfg.Telegram.OwnerChatID != 0 {
		tgOpts = append(tgOpts, serve.WithOwnerChatID(cfg.Telegram.OwnerChatID))
	}
	if len(cfg.Telegram.AllowedUsers) > 0 {
		tgOpts = append(tgOpts, serve.WithAllowedUsers(cfg.Telegram.AllowedUsers...))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	allow := tools.NewAllowlist()
	coord := outie.NewCoordinator(st, eng, builder,
		outie.WithURLCollector(allow.AddFromText),
	)

	bot, err := serve.NewTelegramBot(cfg.Telegram.Token, coord, tgOpts...)
	if err != nil {
		fatal(err)
	}
	coord.SetSink(bot)

	sched := scheduler.New(st, coord.HandleAlarm)
	defer sched.Stop()
	if err := sched.Reschedule(); err != nil {
		slog.Error("initial reschedule failed", "error", err)
	}

	// Sandbox and coding delegation.
	var sbOpts []sandbox.Option
	if cfg.Sandbox.Image != "" {
		sbOpts = append(sbOpts, sandbox.WithImage(cfg.Sandbox.Image))
	}
	sb, err := sandbox.NewManager(cfg.DataDir, sbOpts...)
	if err != nil {
		fatal(err)
	}
	defer sb.Close()

	var runnerOpts []coding.Option
	if cfg.GitHub.ClientID != "" {
		pem, err := os.ReadFile(cfg.GitHub.PrivateKeyPath)
		if err != nil {
			fatal(fmt.Errorf("github private key: %w", err))
		}
		app, err := githubapp.New(cfg.GitHub.ClientID, cfg.GitHub.InstallationID, pem)
		if err != nil {
			fatal(err)
		}
		runnerOpts = append(runnerOpts, coding.WithTokenSource(app))
	}
	runnerOpts = append(runnerOpts, coding.WithClassifier(&coding.EngineClassifier{Engine: eng}))
	runner := coding.NewRunner(st, sb, eng, runnerOpts...)

	// Tool registry served over the MCP uplink.
	registry := tools.NewRegistry()
	(&tools.MemoryTools{Store: st, Embedder: emb, Searcher: searcher}).Register(registry)
	(&tools.ScheduleTools{Store: st, Scheduler: sched}).Register(registry)
	(&tools.ConversationTools{Store: st}).Register(registry)
	(&tools.TelegramTools{Sink: bot}).Register(registry)
	if cfg.Search.BraveAPIKey != "" {
		web := websearch.New(cfg.Search.BraveAPIKey, websearch.WithFetchEndpoint(cfg.Search.FetchURL))
		(&tools.WebTools{Client: web, Allowlist: allow}).Register(registry)
	}
	(&tools.CodingTools{Runner: runner}).Register(registry)

	service := mcp.NewService(registry, "outie", version)
	var uplinkOpts []mcp.UplinkOption
	if sb.IsAvailable() {
		uplinkOpts = append(uplinkOpts, mcp.WithDialFunc(func(ctx context.Context) (*websocket.Conn, error) {
			return sb.WSConnect(ctx, cfg.Sandbox.BridgeURL)
		}))
	}
	uplink := mcp.NewUplink(service, cfg.Sandbox.BridgeURL, uplinkOpts...)
	go uplink.Run(ctx)

	go bot.Start(ctx)

	srv := serve.NewServer(cfg.ListenAddr, coord,
		serve.WithWebhookSecret(cfg.Webhook.Secret),
		serve.WithWebhookUsers(cfg.Webhook.AllowedUsers...),
		serve.WithAmbientInterval(cfg.AmbientInterval),
	)
	if err := srv.Start(ctx); err != nil {
		fatal(err)
	}
}

func cmdReset(args []string) {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config YAML")
	all := fs.Bool("all", false, "delete the entire database, not just the conversation buffer")
	yes := fs.Bool("yes", false, "confirm the reset")
	fs.Parse(args)

	if !*yes {
		fmt.Fprintln(os.Stderr, "refusing to reset without -yes")
		os.Exit(1)
	}

	cfg, err := outie.LoadConfig(*configPath)
	if err != nil {
		fatal(err)
	}

	if *all {
		if err := os.Remove(cfg.DBPath); err != nil && !os.IsNotExist(err) {
			fatal(err)
		}
		fmt.Println("database removed:", cfg.DBPath)
		return
	}

	st, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer st.Close()
	if err := st.Init(); err != nil {
		fatal(err)
	}
	if err := st.ClearMessages(); err != nil {
		fatal(err)
	}
	fmt.Println("conversation buffer cleared")
}

func fatal(err error) {
	slog.Error("fatal", "error", err)
	os.Exit(1)
}
