package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/callwatch/callwatch/app/tracker"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := tracker.Initialize(ctx)
	if err != nil {
		panic(err)
	}

	// Immediate pass before cron
	app.ProcessOnce(ctx)

	// Start cron scheduler
	app.StartCron()

	// Setup server
	app.SetupServer()

	// Start server
	app.Start(ctx)
}
