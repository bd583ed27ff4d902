// Package app contains the shared logic for running the service processes.
package app

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/tinywideclouds/go-delivery-service/deliveryservice"
	"github.com/tinywideclouds/go-delivery-service/internal/realtime"
)

// shutdownGrace is how long in-flight work gets to finish once a stop
// signal arrives.
const shutdownGrace = 15 * time.Second

// Run executes the application lifecycle: it starts the API service and the
// WebSocket connection manager, blocks until an OS signal or a component
// failure, then shuts both down gracefully. It returns the first failure
// observed, or nil on a clean signal-driven exit.
func Run(
	ctx context.Context,
	logger *slog.Logger,
	apiService *deliveryservice.Service,
	connManager *realtime.ConnectionManager,
) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 2)

	logger.Info("Starting API Service...")
	go func() {
		err := apiService.Start(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr <- err
			return
		}
		runErr <- nil
	}()

	logger.Info("Starting Connection Manager...")
	go func() {
		err := connManager.Start(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr <- err
			return
		}
		runErr <- nil
	}()

	var cause error
	select {
	case cause = <-runErr:
		if cause != nil {
			logger.Error("Component failed, initiating shutdown.", "err", cause)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received.")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := apiService.Shutdown(shutdownCtx); err != nil {
		logger.Error("API Service shutdown failed.", "err", err)
		if cause == nil {
			cause = err
		}
	}
	if err := connManager.Shutdown(shutdownCtx); err != nil {
		logger.Error("Connection Manager shutdown failed.", "err", err)
		if cause == nil {
			cause = err
		}
	}

	logger.Info("All services shut down.")
	return cause
}
