package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/sstent/garminbackup/cmd"
)

func main() {
	// Ctrl-C cancels the context; in-flight downloads either commit
	// atomically or leave nothing behind.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd.Execute(ctx)
}
