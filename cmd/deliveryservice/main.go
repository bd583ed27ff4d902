/*
File: cmd/deliveryservice/main.go
Description: Main entrypoint for the delivery service.
Handles config loading, dependency injection, and starting the application.
*/
package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-delivery-service/deliveryservice"
	"github.com/tinywideclouds/go-delivery-service/deliveryservice/config"
	"github.com/tinywideclouds/go-delivery-service/internal/app"
	"github.com/tinywideclouds/go-delivery-service/internal/platform/auth"
	"github.com/tinywideclouds/go-delivery-service/internal/platform/persistence"
	"github.com/tinywideclouds/go-delivery-service/internal/presence"
	"github.com/tinywideclouds/go-delivery-service/internal/realtime"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

//go:embed config.yaml
var configFile []byte

func main() {
	// --- 1. Setup structured logging ---
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-delivery-service")
	slog.SetDefault(logger)

	// The presence, relay and realtime layers log through zerolog.
	zlogger := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", "go-delivery-service").
		Logger()

	// --- 2. Load Configuration (Stage 0: Unmarshal) ---
	yamlCfg, err := config.ParseYaml(configFile)
	if err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}

	// --- 3. Build Config (Stage 1: YAML to struct, env overrides, validate) ---
	cfg, err := config.NewConfigFromYaml(yamlCfg)
	if err != nil {
		logger.Error("Failed to build configuration", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// --- 4. Create dependencies ---
	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err = redisClient.Ping(ctx).Err(); err != nil {
		logger.Error("Failed to connect to Redis", "addr", cfg.RedisAddr, "err", err)
		os.Exit(1)
	}

	eventStore, err := newEventStore(ctx, cfg, zlogger)
	if err != nil {
		logger.Error("Failed to initialize event store", "err", err)
		os.Exit(1)
	}

	// Identity is established upstream; the middleware trusts the
	// gateway-injected user header on both the API and WebSocket ports.
	authMiddleware := auth.NewHeaderAuthMiddleware()

	registry, err := presence.NewRegistry(redisClient, cfg.ConnectionTTL, zlogger)
	if err != nil {
		logger.Error("Failed to create presence registry", "err", err)
		os.Exit(1)
	}

	// --- 5. Create the two main services ---
	connManager, err := realtime.NewConnectionManager(
		cfg.WebSocketPort,
		authMiddleware,
		registry,
		cfg.RenewInterval,
		zlogger,
	)
	if err != nil {
		logger.Error("Failed to create Connection Manager", "err", err)
		os.Exit(1)
	}

	apiService, err := deliveryservice.New(
		cfg,
		redisClient,
		registry,
		connManager,
		eventStore,
		authMiddleware,
		zlogger,
		logger,
	)
	if err != nil {
		logger.Error("Failed to create API service", "err", err)
		os.Exit(1)
	}

	// --- 6. Run the application ---
	if err = app.Run(ctx, logger, apiService, connManager); err != nil {
		os.Exit(1)
	}
}

// newEventStore selects the event persistence backend from the run mode.
func newEventStore(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (delivery.EventStore, error) {
	switch cfg.RunMode {
	case "local":
		return persistence.NewMemoryEventStore(), nil
	case "prod":
		fsClient, err := firestore.NewClient(ctx, cfg.FirestoreProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to firestore: %w", err)
		}
		return persistence.NewFirestoreEventStore(fsClient, cfg.FirestoreEventsCollection, logger)
	default:
		return nil, fmt.Errorf("unknown run_mode: %q", cfg.RunMode)
	}
}
