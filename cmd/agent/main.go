// Command agent is the client-side CLI: activation, the heartbeat loop,
// configuration pull/push and local status.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/goudaren0528/orderinfo-server/internal/agent"
	"github.com/goudaren0528/orderinfo-server/internal/config"
	"github.com/goudaren0528/orderinfo-server/internal/infrastructure"
)

const usage = `usage: agent <command> [arguments]

commands:
  activate <code>       bind this machine to a license code
  run                   start the heartbeat loop (blocks until interrupted)
  config pull           fetch and print the merged configuration
  config push <file>    upload a configuration overlay from a JSON file
  status                print the cached activation state
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "agent:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := infrastructure.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}

	a, err := agent.New(cfg.Agent, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "activate":
		if len(args) != 2 {
			return fmt.Errorf("usage: agent activate <code>")
		}
		if err := a.Activate(ctx, args[1]); err != nil {
			return err
		}
		fmt.Println("activated")
		return nil

	case "run":
		if err := a.Heartbeat(ctx); err != nil {
			return err
		}
		log.Info("heartbeat loop started",
			slog.Duration("interval", cfg.Agent.HeartbeatInterval),
		)
		a.RunHeartbeatLoop(ctx)
		return nil

	case "config":
		return runConfig(ctx, a, args[1:])

	case "status":
		status, err := a.Status()
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(status)

	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runConfig(ctx context.Context, a *agent.Agent, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: agent config pull|push")
	}
	switch args[0] {
	case "pull":
		common, user, err := a.FetchConfig(ctx)
		if err != nil {
			return err
		}
		out := map[string]any{"common_config": common, "user_config": user}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)

	case "push":
		if len(args) != 2 {
			return fmt.Errorf("usage: agent config push <file>")
		}
		raw, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		var overlay map[string]any
		if err := json.Unmarshal(raw, &overlay); err != nil {
			return fmt.Errorf("parse %s: %w", args[1], err)
		}
		if err := a.SaveConfig(ctx, overlay); err != nil {
			return err
		}
		fmt.Println("configuration saved")
		return nil

	default:
		return fmt.Errorf("unknown config command %q", args[0])
	}
}
