package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/edgegate/edgegate/internal/observability"
)

// waitForShutdown blocks until SIGINT or SIGTERM, then drains the
// application within the configured shutdown timeout.
func waitForShutdown(app *application, logger observability.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutdown signal received", observability.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	app.stop(ctx)
	logger.Info("gateway stopped")
}
