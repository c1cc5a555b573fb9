package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"

	firebase "firebase.google.com/go/v4"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-fanout-service/internal/platform/apns"
	"github.com/tinywideclouds/go-fanout-service/internal/platform/fcm"
	"github.com/tinywideclouds/go-fanout-service/internal/platform/gcm"
	"github.com/tinywideclouds/go-fanout-service/internal/platform/web"

	"github.com/tinywideclouds/go-fanout-service/internal/storage/cache"
	fsStore "github.com/tinywideclouds/go-fanout-service/internal/storage/firestore"
	"github.com/tinywideclouds/go-fanout-service/internal/storage/memory"
	"github.com/tinywideclouds/go-fanout-service/pkg/dispatch"

	"github.com/tinywideclouds/go-fanout-service/fanoutservice"
	"github.com/tinywideclouds/go-fanout-service/fanoutservice/config"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"
)

//go:embed local.yaml
var configFile []byte

func main() {
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "info", "INFO":
		logLevel = slog.LevelInfo
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-fanout-service")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		logger.Error("Config mapping failed", "err", err)
		os.Exit(1)
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	// --- Infrastructure Clients ---
	psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		logger.Error("PubSub client failed", "err", err)
		os.Exit(1)
	}
	defer psClient.Close()

	// --- Device Registry (optionally decorated) ---
	var store dispatch.DeviceStore
	switch cfg.Registry.Backend {
	case config.RegistryMemory:
		store = memory.NewRegistry()
		logger.Warn("Registry is in-memory; registrations are lost on restart")
	default:
		fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			logger.Error("Firestore client failed", "err", err)
			os.Exit(1)
		}
		defer fsClient.Close()
		store = fsStore.NewRegistry(fsClient, cfg.Registry.Collection, logger)
	}
	logger.Info("Registry initialized", "type", cfg.Registry.Backend)

	if cfg.Redis.Enabled {
		logger.Info("Initializing Redis Cache layer...", "addr", cfg.Redis.Addr)
		recipientList, err := cache.NewRedisRecipientList(ctx, cfg.Redis)
		if err != nil {
			logger.Error("Failed to connect to Redis", "err", err)
			os.Exit(1)
		}
		defer recipientList.Close()
		store = cache.NewCachedRegistry(store, recipientList, cfg.Redis.TTL, logger)
		logger.Info("Registry upgraded", "type", "redis_cached")
	}

	// --- Auth ---
	identityURL := os.Getenv("IDENTITY_SERVICE_URL")
	if identityURL == "" {
		identityURL = "http://localhost:3000"
	}
	jwksURL, err := middleware.DiscoverAndValidateJWTConfig(identityURL, middleware.RSA256, logger)
	if err != nil {
		logger.Error("JWT discovery failed", "url", identityURL, "err", err)
		os.Exit(1)
	}
	authMiddleware, err := middleware.NewJWKSAuthMiddleware(jwksURL, logger)
	if err != nil {
		logger.Error("JWT middleware failed", "err", err)
		os.Exit(1)
	}

	// --- Gateway ---
	gateway, err := newGateway(ctx, cfg, logger)
	if err != nil {
		logger.Error("Gateway initialization failed", "kind", cfg.Gateway.Kind, "err", err)
		os.Exit(1)
	}
	logger.Info("Gateway initialized", "kind", cfg.Gateway.Kind)

	// --- Consumer & Service ---
	consumer, err := newIngestionConsumer(ctx, cfg, psClient, logger)
	if err != nil {
		logger.Error("Consumer creation failed", "err", err)
		os.Exit(1)
	}

	service, err := fanoutservice.New(cfg, consumer, gateway, store, authMiddleware, logger)
	if err != nil {
		logger.Error("Service creation failed", "err", err)
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := service.Shutdown(shutdownCtx); err != nil {
			logger.Error("Shutdown incomplete", "err", err)
		}
	}()

	logger.Info("Starting service...")
	if err := service.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Service shutdown with error", "err", err)
		os.Exit(1)
	}
}

func newGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger) (dispatch.Gateway, error) {
	switch cfg.Gateway.Kind {
	case config.GatewayGCM:
		return gcm.NewGateway(gcm.Config{
			ServerKey: cfg.Gateway.GCM.ServerKey,
			Endpoint:  cfg.Gateway.GCM.Endpoint,
			Retries:   gcm.DefaultRetries,
		}, logger), nil

	case config.GatewayAPNs:
		gw, err := apns.NewGateway(apns.Config{
			KeyID:           cfg.Gateway.APNs.KeyID,
			TeamID:          cfg.Gateway.APNs.TeamID,
			BundleID:        cfg.Gateway.APNs.BundleID,
			P8KeyContent:    cfg.Gateway.APNs.P8KeyContent,
			Production:      cfg.Gateway.APNs.Production,
			PushesPerSecond: cfg.Gateway.PushesPerSecond,
		}, logger)
		if err != nil {
			return nil, err
		}
		return gw, nil

	case config.GatewayWeb:
		if cfg.Vapid.PrivateKey == "" || cfg.Vapid.PublicKey == "" {
			return nil, fmt.Errorf("web gateway requires VAPID keys")
		}
		return web.NewGateway(cfg.Vapid, cfg.Gateway.PushesPerSecond, logger), nil

	default:
		fbApp, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Firebase App: %w", err)
		}
		fcmMessaging, err := fbApp.Messaging(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create FCM messaging client: %w", err)
		}
		return fcm.NewGateway(fcmMessaging, logger), nil
	}
}

func newIngestionConsumer(ctx context.Context, cfg *config.Config, psClient *pubsub.Client, logger *slog.Logger) (messagepipeline.MessageConsumer, error) {
	sub := convertPubsub(cfg.ProjectID, cfg.PubsubConsumerConfig.SubscriptionID, "subscriptions")
	topicID := convertPubsub(cfg.ProjectID, cfg.TopicID, "topics")

	subConfig := &pubsubpb.Subscription{
		Name:               sub,
		Topic:              topicID,
		AckDeadlineSeconds: 10,
	}
	if cfg.SubscriptionDLQTopicID != "" {
		subConfig.DeadLetterPolicy = &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     convertPubsub(cfg.ProjectID, cfg.SubscriptionDLQTopicID, "topics"),
			MaxDeliveryAttempts: 5,
		}
	}
	logger.Debug("Ensuring subscription exists", "sub", subConfig.Name, "topic", subConfig.Topic)
	_, err := psClient.SubscriptionAdminClient.CreateSubscription(ctx, subConfig)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug("Subscription already exists, skipping creation", "sub", subConfig.Name)
		} else {
			logger.Error("Failed to create subscription", "sub", subConfig.Name, "err", err)
			return nil, fmt.Errorf("could not create sub: %s", sub)
		}
	}

	return messagepipeline.NewGooglePubsubConsumer(
		messagepipeline.NewGooglePubsubConsumerDefaults(subConfig.Name), psClient, logger,
	)
}

type PS string

func convertPubsub(project, id string, ps PS) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, ps, id)
}
