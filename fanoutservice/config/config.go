package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

const (
	DefaultBatchSize   = 1000
	DefaultWorkers     = 5
	DefaultCallTimeout = 10 * time.Second
	DefaultCacheTTL    = 5 * time.Minute
)

// GatewayKind selects the push gateway the service fans out through.
type GatewayKind string

const (
	GatewayFCM  GatewayKind = "fcm"
	GatewayGCM  GatewayKind = "gcm"
	GatewayAPNs GatewayKind = "apns"
	GatewayWeb  GatewayKind = "web"
)

// RegistryBackend selects where device registrations live.
type RegistryBackend string

const (
	RegistryFirestore RegistryBackend = "firestore"
	RegistryMemory    RegistryBackend = "memory"
)

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

type VapidConfig struct {
	PublicKey       string
	PrivateKey      string
	SubscriberEmail string
}

type FanoutConfig struct {
	BatchSize       int
	Workers         int
	CallTimeout     time.Duration
	AlwaysMulticast bool
}

type GCMConfig struct {
	ServerKey string
	Endpoint  string
}

type APNsConfig struct {
	KeyID        string
	TeamID       string
	BundleID     string
	P8KeyContent string
	Production   bool
}

type GatewayConfig struct {
	Kind            GatewayKind
	PushesPerSecond int
	GCM             GCMConfig
	APNs            APNsConfig
}

type RegistryConfig struct {
	Backend    RegistryBackend
	Collection string
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID              string
	ListenAddr             string
	SubscriptionID         string
	SubscriptionDLQTopicID string
	NumPipelineWorkers     int

	CorsConfig middleware.CorsConfig
	Redis      RedisConfig
	Vapid      VapidConfig
	Fanout     FanoutConfig
	Gateway    GatewayConfig
	Registry   RegistryConfig

	TopicID              string
	PubsubConsumerConfig *messagepipeline.GooglePubsubConsumerConfig
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	if val := os.Getenv("PROJECT_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "PROJECT_ID", "source", "env")
		cfg.ProjectID = val
	}
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	if val := os.Getenv("SUBSCRIPTION_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_ID", "source", "env")
		cfg.SubscriptionID = val
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(val)
	}
	if val := os.Getenv("SUBSCRIPTION_DLQ_TOPIC_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_DLQ_TOPIC_ID", "source", "env")
		cfg.SubscriptionDLQTopicID = val
	}
	if val := os.Getenv("NUM_PIPELINE_WORKERS"); val != "" {
		if workers, err := strconv.Atoi(val); err == nil && workers > 0 {
			logger.Debug("Overriding config value", "key", "NUM_PIPELINE_WORKERS", "source", "env")
			cfg.NumPipelineWorkers = workers
		}
	}

	// Fan-out
	if val := os.Getenv("FANOUT_BATCH_SIZE"); val != "" {
		size, err := strconv.Atoi(val)
		if err != nil || size <= 0 {
			return nil, fmt.Errorf("FANOUT_BATCH_SIZE must be a positive integer, got %q", val)
		}
		cfg.Fanout.BatchSize = size
	}
	if val := os.Getenv("FANOUT_WORKERS"); val != "" {
		workers, err := strconv.Atoi(val)
		if err != nil || workers <= 0 {
			return nil, fmt.Errorf("FANOUT_WORKERS must be a positive integer, got %q", val)
		}
		cfg.Fanout.Workers = workers
	}
	if val := os.Getenv("FANOUT_CALL_TIMEOUT"); val != "" {
		timeout, err := time.ParseDuration(val)
		if err != nil || timeout <= 0 {
			return nil, fmt.Errorf("FANOUT_CALL_TIMEOUT must be a positive duration, got %q", val)
		}
		cfg.Fanout.CallTimeout = timeout
	}
	if val := os.Getenv("FANOUT_ALWAYS_MULTICAST"); val != "" {
		always, _ := strconv.ParseBool(val)
		cfg.Fanout.AlwaysMulticast = always
	}

	// Gateway
	if val := os.Getenv("GATEWAY_KIND"); val != "" {
		logger.Debug("Overriding config value", "key", "GATEWAY_KIND", "source", "env")
		cfg.Gateway.Kind = GatewayKind(strings.ToLower(val))
	}
	if val := os.Getenv("GATEWAY_PUSHES_PER_SECOND"); val != "" {
		if pps, err := strconv.Atoi(val); err == nil && pps >= 0 {
			cfg.Gateway.PushesPerSecond = pps
		}
	}
	if val := os.Getenv("GCM_SERVER_KEY"); val != "" {
		cfg.Gateway.GCM.ServerKey = val
	}
	if val := os.Getenv("GCM_ENDPOINT"); val != "" {
		cfg.Gateway.GCM.Endpoint = val
	}
	if val := os.Getenv("APNS_KEY_ID"); val != "" {
		cfg.Gateway.APNs.KeyID = val
	}
	if val := os.Getenv("APNS_TEAM_ID"); val != "" {
		cfg.Gateway.APNs.TeamID = val
	}
	if val := os.Getenv("APNS_BUNDLE_ID"); val != "" {
		cfg.Gateway.APNs.BundleID = val
	}
	if val := os.Getenv("APNS_P8_KEY"); val != "" {
		cfg.Gateway.APNs.P8KeyContent = val
	}
	if val := os.Getenv("APNS_PRODUCTION"); val != "" {
		production, _ := strconv.ParseBool(val)
		cfg.Gateway.APNs.Production = production
	}

	// Registry
	if val := os.Getenv("REGISTRY_BACKEND"); val != "" {
		logger.Debug("Overriding config value", "key", "REGISTRY_BACKEND", "source", "env")
		cfg.Registry.Backend = RegistryBackend(strings.ToLower(val))
	}
	if val := os.Getenv("REGISTRY_COLLECTION"); val != "" {
		cfg.Registry.Collection = val
	}

	// Redis Overrides
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
		cfg.Redis.Enabled = true
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = db
		}
	}
	if val := os.Getenv("REDIS_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.Redis.Enabled = enabled
	}

	// VAPID Overrides
	if val := os.Getenv("VAPID_PUBLIC_KEY"); val != "" {
		logger.Debug("Overriding config value", "key", "VAPID_PUBLIC_KEY", "source", "env")
		cfg.Vapid.PublicKey = val
	}
	if val := os.Getenv("VAPID_PRIVATE_KEY"); val != "" {
		logger.Debug("Overriding config value", "key", "VAPID_PRIVATE_KEY", "source", "env")
		cfg.Vapid.PrivateKey = val
	}
	if val := os.Getenv("VAPID_SUB_EMAIL"); val != "" {
		logger.Debug("Overriding config value", "key", "VAPID_SUB_EMAIL", "source", "env")
		cfg.Vapid.SubscriberEmail = val
	}

	// CORS Overrides
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		var cleanOrigins []string
		for _, o := range strings.Split(corsOrigins, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
	}

	// 2. Final Validation
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required (set via YAML or PROJECT_ID env var)")
	}
	if cfg.SubscriptionID == "" {
		return nil, fmt.Errorf("subscription_id is required (set via YAML or SUBSCRIPTION_ID env var)")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.NumPipelineWorkers <= 0 {
		cfg.NumPipelineWorkers = 1
	}

	applyFanoutDefaults(&cfg.Fanout)
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = DefaultCacheTTL
	}

	switch cfg.Gateway.Kind {
	case "":
		cfg.Gateway.Kind = GatewayFCM
	case GatewayFCM, GatewayGCM, GatewayAPNs, GatewayWeb:
	default:
		return nil, fmt.Errorf("unknown gateway kind %q (want fcm, gcm, apns or web)", cfg.Gateway.Kind)
	}
	if cfg.Gateway.Kind == GatewayGCM && cfg.Gateway.GCM.ServerKey == "" {
		return nil, fmt.Errorf("gcm gateway requires a server key (set via YAML or GCM_SERVER_KEY env var)")
	}

	switch cfg.Registry.Backend {
	case "":
		cfg.Registry.Backend = RegistryFirestore
	case RegistryFirestore, RegistryMemory:
	default:
		return nil, fmt.Errorf("unknown registry backend %q (want firestore or memory)", cfg.Registry.Backend)
	}

	if cfg.PubsubConsumerConfig == nil && cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("Configuration finalized and validated successfully",
		"gateway", cfg.Gateway.Kind,
		"registry", cfg.Registry.Backend,
		"batch_size", cfg.Fanout.BatchSize,
		"workers", cfg.Fanout.Workers,
	)
	return cfg, nil
}

func applyFanoutDefaults(f *FanoutConfig) {
	if f.BatchSize <= 0 {
		f.BatchSize = DefaultBatchSize
	}
	if f.Workers <= 0 {
		f.Workers = DefaultWorkers
	}
	if f.CallTimeout <= 0 {
		f.CallTimeout = DefaultCallTimeout
	}
}
