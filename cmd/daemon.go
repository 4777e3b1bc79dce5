package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sessync/ses-local/internal/config"
	"github.com/sessync/ses-local/internal/daemon"
)

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the harvesting daemon in the foreground",
		Run: func(cmd *cobra.Command, args []string) {
			runDaemon()
		},
	}
}

func runDaemon() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = daemon.Run(ctx, cfg, Version)
	if errors.Is(err, daemon.ErrAlreadyRunning) {
		// Notice goes to stderr; the exit stays clean.
		alreadyRunningNotice(os.Stderr)
		return
	}
	if err != nil {
		slog.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
}

func alreadyRunningNotice(w io.Writer) {
	fmt.Fprintln(w, "ses-local daemon is already running, nothing to do")
}
