package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"windlass.sh/core/log"
	"windlass.sh/core/poller"
)

func main() {
	// local development convenience; a missing .env is fine
	godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ctx = log.NewContext(ctx, "windlass")
	l := log.FromContext(ctx)

	cmd := &cli.Command{
		Name:    "windlass",
		Usage:   "haul CI artifacts from the forge into the store, incrementally",
		Version: versioninfo.Short(),
		Commands: []*cli.Command{
			poller.RunCommand(),
			poller.UpCommand(),
			poller.CheckCommand(),
			poller.TailCommand(),
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		if errors.Is(err, context.Canceled) {
			l.Info("shutting down")
			return
		}
		l.Error("error running windlass", "error", err)
		os.Exit(-1)
	}
}
