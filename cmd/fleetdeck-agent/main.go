package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/fleetdeck/fleetdeck/internal/agentd"
)

var version = "1.0.0"

func main() {
	// Structured JSON on stderr: the console classifies these lines and
	// re-logs them at their level.
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := agentd.New(os.Stdin, os.Stdout, logger)
	a.Version = version
	if err := a.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
