package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/odvcencio/quarry/pkg/terminal"
)

// Version information, set via ldflags during build.
var (
	version   = "0.1.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		terminal.NewWithOutput(os.Stderr).Error("%v", err)
	}
	os.Exit(exitCodeForError(err))
}
