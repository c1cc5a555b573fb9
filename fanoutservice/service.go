// Package fanoutservice assembles the fan-out pipeline, the shared worker
// pool and the device registration API behind one microservice.
package fanoutservice

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-fanout-service/fanoutservice/config"
	"github.com/tinywideclouds/go-fanout-service/internal/api"
	"github.com/tinywideclouds/go-fanout-service/internal/fanout"
	"github.com/tinywideclouds/go-fanout-service/internal/pipeline"
	"github.com/tinywideclouds/go-fanout-service/internal/workerpool"
	"github.com/tinywideclouds/go-fanout-service/pkg/dispatch"
)

type Wrapper struct {
	*microservice.BaseServer
	pipelineService *messagepipeline.StreamingService[dispatch.Message]
	pool            *workerpool.Pool
	coordinator     *fanout.Coordinator
	logger          *slog.Logger
}

// New assembles the service. The gateway and device store are chosen by the caller.
func New(
	cfg *config.Config,
	consumer messagepipeline.MessageConsumer,
	gateway dispatch.Gateway,
	store dispatch.DeviceStore,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
) (*Wrapper, error) {

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. Fan-out core: one pool shared by every fan-out
	pool := workerpool.New(workerpool.Config{Workers: cfg.Fanout.Workers}, logger)
	reconciler := fanout.NewReconciler(store, logger)
	dispatcher := fanout.NewDispatcher(gateway, pool, reconciler, cfg.Fanout.CallTimeout, logger)
	coordinator := fanout.NewCoordinator(fanout.Config{
		BatchSize:       cfg.Fanout.BatchSize,
		AlwaysMulticast: cfg.Fanout.AlwaysMulticast,
	}, store, gateway, dispatcher, logger)

	// 3. Pipeline
	streamingService, err := messagepipeline.NewStreamingService(
		messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumPipelineWorkers},
		consumer,
		pipeline.FanoutRequestTransformer,
		pipeline.NewProcessor(coordinator, logger),
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create streaming service: %w", err)
	}

	// 4. API (Device Registration)
	accepts := api.RecipientToken
	if cfg.Gateway.Kind == config.GatewayWeb {
		accepts = api.RecipientSubscription
	}
	deviceAPI := api.NewDeviceAPI(store, accepts, logger)

	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)

	handle := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, corsMiddleware(authMiddleware(handlerFunc)))
	}
	handle("POST /api/v1/devices/register", deviceAPI.RegisterDevice)
	handle("POST /api/v1/devices/unregister", deviceAPI.UnregisterDevice)

	// CORS preflight for the API namespace
	mux.Handle("OPTIONS /api/v1/", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	logger.Info("Fan-out service assembled",
		"batch_size", coordinator.BatchSize(),
		"workers", cfg.Fanout.Workers,
		"call_timeout", cfg.Fanout.CallTimeout,
	)

	return &Wrapper{
		BaseServer:      baseServer,
		pipelineService: streamingService,
		pool:            pool,
		coordinator:     coordinator,
		logger:          logger,
	}, nil
}

// Coordinator exposes the fan-out entry point for in-process callers.
func (w *Wrapper) Coordinator() *fanout.Coordinator { return w.coordinator }

func (w *Wrapper) Start(ctx context.Context) error {
	w.pool.Start(ctx)
	w.logger.Info("Core processing pipeline starting...")
	if err := w.pipelineService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start processing service: %w", err)
	}
	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

// Shutdown stops intake first, then lets the pool drain already scheduled
// batches before the HTTP server goes away.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	var finalErr error
	if err := w.pipelineService.Stop(ctx); err != nil {
		w.logger.Error("Processing pipeline shutdown failed.", "err", err)
		finalErr = err
	}
	if err := w.pool.Stop(ctx); err != nil {
		w.logger.Error("Worker pool did not drain before shutdown deadline.", "pending", w.pool.Pending(), "err", err)
		finalErr = err
	}
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
