package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"botctl/internal/bootstrap"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// usage documents the operator CLI surface required by spec.md §6: start/stop
// the daemon, list bots, start/stop a bot by id, and submit a one-off
// reconciliation sweep. The daemon itself is the default ("run") subcommand.
func usage() {
	fmt.Fprintf(os.Stderr, `botctl - autonomous trading bot controller

Usage:
  botctl [-config path] run          start the daemon (default)
  botctl [-config path] bots list    list every configured bot and status
  botctl [-config path] bots start <id>
  botctl [-config path] bots stop <id>
  botctl [-config path] reconcile    run one reconciliation sweep and exit
  botctl -version                    print version and exit
`)
}

func main() {
	fs := flag.NewFlagSet("botctl", flag.ExitOnError)
	configPath := fs.String("config", "configs/botctl.yaml", "Path to configuration file")
	showVersion := fs.Bool("version", false, "Show version and exit")
	fs.Usage = usage
	fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("botctl version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	args := fs.Args()
	cmd := "run"
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	if cmd != "run" {
		if err := runOneShot(*configPath, cmd, args); err != nil {
			fmt.Fprintf(os.Stderr, "botctl: %v\n", err)
			os.Exit(1)
		}
		return
	}

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start botctl: %v\n", err)
		os.Exit(1)
	}

	app.Logger.Info("starting botctl", "version", version)

	if err := app.Run(context.Background()); err != nil {
		app.Logger.Error("botctl stopped with error", "error", err)
		os.Exit(1)
	}

	app.Logger.Info("botctl stopped")
}

// runOneShot handles every non-daemon subcommand: it bootstraps the same
// App composition root (so it shares the configured store/exchange) but
// never calls Run, performs a single operation, and exits. In a
// multi-process deployment this relies on the Persistence interface's
// single-writer-per-record guarantee (spec.md §6); it does not reach into
// a separately-running daemon process over any RPC, since the HTTP/REST
// façade is explicitly out of scope (spec.md §1).
func runOneShot(configPath, cmd string, args []string) error {
	app, err := bootstrap.NewApp(configPath)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer app.Close()

	ctx := context.Background()

	switch cmd {
	case "bots":
		return runBotsSubcommand(ctx, app, args)
	case "reconcile":
		result := app.ReconcileOnce(ctx)
		fmt.Printf("reconciled=%d completed=%d failed=%d still_pending=%d\n",
			result.Reconciled, result.Completed, result.Failed, result.StillPending)
		return nil
	default:
		usage()
		return fmt.Errorf("unknown subcommand %q", cmd)
	}
}

func runBotsSubcommand(ctx context.Context, app *bootstrap.App, args []string) error {
	if len(args) == 0 {
		usage()
		return fmt.Errorf("bots: missing subcommand (list|start|stop)")
	}

	switch args[0] {
	case "list":
		bots, err := app.ListBots(ctx)
		if err != nil {
			return fmt.Errorf("list bots: %w", err)
		}
		for _, b := range bots {
			fmt.Printf("%d\t%s\t%s\t%s\n", b.ID, b.Name, b.Pair, b.Status)
		}
		return nil
	case "start", "stop":
		if len(args) < 2 {
			return fmt.Errorf("bots %s: missing bot id", args[0])
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("bots %s: invalid bot id %q: %w", args[0], args[1], err)
		}
		if args[0] == "start" {
			return app.StartBot(ctx, id)
		}
		return app.StopBot(ctx, id)
	default:
		usage()
		return fmt.Errorf("bots: unknown subcommand %q", args[0])
	}
}
