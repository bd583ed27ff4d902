// Package deliveryservice wires the delivery core together: presence
// registry, relay, durable queue, worker pool, sender pipeline, and the
// API surface. All collaborators are explicitly constructed and injected;
// nothing is a process-wide singleton.
package deliveryservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tinywideclouds/go-delivery-service/deliveryservice/config"
	"github.com/tinywideclouds/go-delivery-service/internal/api"
	"github.com/tinywideclouds/go-delivery-service/internal/deliveryqueue"
	"github.com/tinywideclouds/go-delivery-service/internal/pipeline"
	"github.com/tinywideclouds/go-delivery-service/internal/presence"
	"github.com/tinywideclouds/go-delivery-service/internal/realtime"
	"github.com/tinywideclouds/go-delivery-service/internal/relay"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// Service is the assembled delivery service minus the WebSocket side,
// which lives in the separately-started ConnectionManager.
type Service struct {
	cfg        *config.AppConfig
	registry   *presence.Registry
	reconciler *presence.Reconciler
	relay      *relay.Relay
	store      *deliveryqueue.Store
	worker     *deliveryqueue.Worker
	dispatcher *pipeline.Dispatcher
	connMgr    *realtime.ConnectionManager
	server     *http.Server
	logger     zerolog.Logger

	relayCancel context.CancelFunc
}

// New assembles the service around an existing registry and connection
// manager (both are also needed by the transport side, so the caller
// constructs them first). The queue and pipeline packages log through
// slog while the presence and relay layers take zerolog, so both
// loggers are injected.
func New(
	cfg *config.AppConfig,
	client *redis.Client,
	registry *presence.Registry,
	connMgr *realtime.ConnectionManager,
	eventStore delivery.EventStore,
	authMiddleware func(http.Handler) http.Handler,
	logger zerolog.Logger,
	slogger *slog.Logger,
) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if connMgr == nil {
		return nil, fmt.Errorf("connection manager cannot be nil")
	}
	if eventStore == nil {
		return nil, fmt.Errorf("event store cannot be nil")
	}
	if slogger == nil {
		slogger = slog.Default()
	}

	reconciler, err := presence.NewReconciler(client, cfg.ReconcileInterval, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconciler: %w", err)
	}

	rly, err := relay.NewRelay(client, cfg.RelayChannel, connMgr.InstanceID(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create relay: %w", err)
	}

	store, err := deliveryqueue.NewStore(client, deliveryqueue.StoreOptions{
		InitialDelay:         cfg.QueueInitialDelay,
		MaxAttempts:          cfg.QueueMaxAttempts,
		VisibilityTimeout:    cfg.QueueVisibilityTimeout,
		DeadLetterRetention:  cfg.QueueDeadLetterRetention,
		DeadLetterMaxEntries: cfg.QueueDeadLetterMaxEntries,
	}, slogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create job store: %w", err)
	}

	worker, err := deliveryqueue.NewWorker(store, registry, rly, deliveryqueue.WorkerOptions{
		Concurrency:  cfg.QueueWorkerConcurrency,
		PollInterval: cfg.QueueWorkerPollInterval,
		RateLimit:    rate.Limit(cfg.QueueWorkerRateLimit),
		Backoff:      deliveryqueue.NewExponentialBackoff(cfg.QueueBackoffBase, cfg.QueueBackoffCap),
	}, slogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker: %w", err)
	}

	dispatcher, err := pipeline.NewDispatcher(registry, rly, store, slogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	apiHandler := api.NewAPI(eventStore, dispatcher, store, registry, connMgr, slogger)

	mux := http.NewServeMux()
	mux.Handle("POST /api/send", authMiddleware(http.HandlerFunc(apiHandler.SendHandler)))
	mux.Handle("GET /api/stats", http.HandlerFunc(apiHandler.StatsHandler))
	mux.Handle("GET /healthz", http.HandlerFunc(apiHandler.HealthzHandler))

	return &Service{
		cfg:        cfg,
		registry:   registry,
		reconciler: reconciler,
		relay:      rly,
		store:      store,
		worker:     worker,
		dispatcher: dispatcher,
		connMgr:    connMgr,
		server:     &http.Server{Addr: ":" + cfg.APIPort, Handler: mux},
		logger:     logger,
	}, nil
}

// Dispatcher returns the sender pipeline entry point for in-process
// callers (message/conversation services embedding this module).
func (s *Service) Dispatcher() *pipeline.Dispatcher { return s.dispatcher }

// Start runs the background components and then blocks serving the API
// until Shutdown is called or a component fails.
func (s *Service) Start(ctx context.Context) error {
	if err := s.reconciler.Start(); err != nil {
		return fmt.Errorf("failed to start reconciler: %w", err)
	}
	if err := s.worker.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	relayCtx, cancel := context.WithCancel(context.Background())
	s.relayCancel = cancel

	errChan := make(chan error, 2)
	go func() {
		err := s.relay.Run(relayCtx, s.connMgr)
		if err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("relay subscription failed: %w", err)
		}
	}()
	go func() {
		s.logger.Info().Str("addr", s.server.Addr).Msg("API server starting...")
		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("api server failed: %w", err)
		} else {
			errChan <- nil
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown gracefully stops all service components in the correct order:
// stop accepting work, drain the worker, then tear down the background
// loops.
func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down service components...")
	var finalErr error

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("API server shutdown failed.")
		finalErr = err
	}
	if err := s.worker.Stop(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Worker shutdown failed.")
		finalErr = err
	}
	if s.relayCancel != nil {
		s.relayCancel()
	}
	s.reconciler.Stop()

	s.logger.Info().Msg("All components shut down.")
	return finalErr
}
