// ABOUTME: Entry point for the hearth conversation server
// ABOUTME: Serves turns and offers small client commands against a running server

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/hearth/internal/client"
	"github.com/2389/hearth/internal/config"
	"github.com/2389/hearth/internal/gateway"
	"github.com/2389/hearth/internal/session"
	"github.com/2389/hearth/internal/stream"
	"github.com/2389/hearth/internal/tracing"
)

// Version is set at build time.
var version = "dev"

const banner = `
  _                     _   _
 | |__   ___  __ _ _ __| |_| |__
 | '_ \ / _ \/ _' | '__| __| '_ \
 | | | |  __/ (_| | |  | |_| | | |
 |_| |_|\___|\__,_|_|   \__|_| |_|
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: hearth <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                                Start the server")
		fmt.Println("  health                               Check server health")
		fmt.Println("  conversations                        List recent conversations")
		fmt.Println("  chat [-c ID] [--fork] [--tools] MSG  Send one message and stream the reply")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "conversations":
		err = runConversations(ctx)
	case "chat":
		err = runChat(ctx, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	level := new(slog.LevelVar)
	logger := setupLogger(cfg.Logging, level)
	slog.SetDefault(logger)

	go func() {
		if err := config.WatchLevel(ctx, configPath, level, logger); err != nil {
			logger.Warn("config watch disabled", "error", err)
		}
	}()

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Runtime:   %s\n", cfg.Runtime.Kind)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Driver)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName: cfg.Tracing.ServiceName,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flushing traces", "error", err)
		}
	}()

	logger.Info("starting hearth",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"runtime", cfg.Runtime.Kind,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

// newClient returns a client for the configured server
func newClient() (*client.Client, error) {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.Tailscale.Enabled {
		return client.New(fmt.Sprintf("http://%s:%d", cfg.Tailscale.Hostname, cfg.Tailscale.HTTPPort)), nil
	}
	return client.New("http://" + cfg.Server.HTTPAddr), nil
}

func runHealth(ctx context.Context) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	if err := c.Ready(ctx); err != nil {
		return fmt.Errorf("unhealthy: %w", err)
	}
	fmt.Println("healthy")
	return nil
}

func runConversations(ctx context.Context) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	convs, err := c.Conversations(ctx, 20, 0)
	if err != nil {
		return fmt.Errorf("listing conversations: %w", err)
	}

	gray := color.New(color.FgHiBlack)
	for _, conv := range convs {
		fmt.Printf("%s  %3d turns  %s\n", conv.ID, conv.TurnCount, conv.Title)
		gray.Printf("    updated %s\n", conv.UpdatedAt.Local().Format(time.DateTime))
	}
	return nil
}

// runChat sends one message and prints the streamed reply
func runChat(ctx context.Context, args []string) error {
	var (
		req  client.TurnRequest
		rest []string
	)
	for i := 0; i < len(args); i++ {
		switch arg := args[i]; {
		case arg == "-c" || arg == "--conversation":
			if i+1 >= len(args) {
				return errors.New("--conversation requires a value")
			}
			req.ConversationID = args[i+1]
			i++
		case arg == "--fork":
			req.SessionID = session.Null()
		case arg == "--tools":
			req.ToolsEnabled = true
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			rest = append(rest, arg)
		}
	}
	if len(rest) == 0 {
		return errors.New("message is required")
	}
	req.Message = strings.Join(rest, " ")

	c, err := newClient()
	if err != nil {
		return err
	}
	ts, err := c.Submit(ctx, req, "")
	if err != nil {
		return err
	}
	defer ts.Close()

	gray := color.New(color.FgHiBlack)
	red := color.New(color.FgRed)
	gray.Printf("conversation %s\n", ts.ConversationID)

	for {
		ev, err := ts.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		switch ev.Type {
		case stream.TypeContentDelta:
			var p stream.TextPayload
			if json.Unmarshal(ev.Data, &p) == nil {
				fmt.Print(p.Text)
			}
		case stream.TypeToolUseStart:
			var p stream.ToolUsePayload
			if json.Unmarshal(ev.Data, &p) == nil {
				gray.Printf("\n[tool %s]\n", p.ToolName)
			}
		case stream.TypeDone:
			var p stream.DonePayload
			if json.Unmarshal(ev.Data, &p) == nil {
				fmt.Println()
				gray.Printf("turn %d %s\n", p.TurnID, p.Status)
			}
		case stream.TypeError:
			var p stream.ErrorPayload
			if json.Unmarshal(ev.Data, &p) == nil {
				fmt.Println()
				red.Printf("%s: %s\n", p.Code, p.Error)
			}
		}
	}
}
