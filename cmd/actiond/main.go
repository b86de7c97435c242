package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/strophon/actionserver/pkg/config"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()

	cmd := "serve"
	if len(args) > 1 {
		cmd = args[1]
	}

	switch cmd {
	case "serve":
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := serve(ctx, cfg, newLogger(cfg, stderr)); err != nil {
			_, _ = fmt.Fprintf(stderr, "actiond: %v\n", err)
			return 1
		}
		return 0
	case "pause", "resume":
		return runPauseCmd(context.Background(), cfg, cmd == "pause", stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", cmd)
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: actiond <command>")
	_, _ = fmt.Fprintln(w, "\nCommands:")
	_, _ = fmt.Fprintln(w, "  serve    Run the action server (default)")
	_, _ = fmt.Fprintln(w, "  pause    Reject actions not allowed while paused")
	_, _ = fmt.Fprintln(w, "  resume   Clear the pause flag")
}

func runPauseCmd(ctx context.Context, cfg *config.Config, pause bool, stdout, stderr io.Writer) int {
	sessions := openSessions(cfg)
	defer func() { _ = sessions.Close() }()

	if pause {
		if err := sessions.Pause(ctx); err != nil {
			_, _ = fmt.Fprintf(stderr, "pause: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintln(stdout, "paused")
		return 0
	}
	was, err := sessions.Resume(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "resume: %v\n", err)
		return 1
	}
	if was {
		_, _ = fmt.Fprintln(stdout, "resumed")
	} else {
		_, _ = fmt.Fprintln(stdout, "not paused")
	}
	return 0
}
