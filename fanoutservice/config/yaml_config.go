package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
	TTL      string `yaml:"ttl"`
}

type YamlVapidConfig struct {
	PublicKey       string `yaml:"public_key"`
	PrivateKey      string `yaml:"private_key"`
	SubscriberEmail string `yaml:"subscriber_email"`
}

type YamlFanoutConfig struct {
	BatchSize       int    `yaml:"batch_size"`
	Workers         int    `yaml:"workers"`
	CallTimeout     string `yaml:"call_timeout"`
	AlwaysMulticast bool   `yaml:"always_multicast"`
}

type YamlGatewayConfig struct {
	Kind            string `yaml:"kind"`
	PushesPerSecond int    `yaml:"pushes_per_second"`
	GCM             struct {
		ServerKey string `yaml:"server_key"`
		Endpoint  string `yaml:"endpoint"`
	} `yaml:"gcm"`
	APNs struct {
		KeyID      string `yaml:"key_id"`
		TeamID     string `yaml:"team_id"`
		BundleID   string `yaml:"bundle_id"`
		Production bool   `yaml:"production"`
	} `yaml:"apns"`
}

type YamlRegistryConfig struct {
	Backend    string `yaml:"backend"`
	Collection string `yaml:"collection"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID              string             `yaml:"project_id"`
	ListenAddr             string             `yaml:"listen_addr"`
	TopicID                string             `yaml:"topic_id"`
	SubscriptionID         string             `yaml:"subscription_id"`
	SubscriptionDLQTopicID string             `yaml:"subscription_dlq_topic_id"`
	CorsConfig             YamlCorsConfig     `yaml:"cors"`
	RedisConfig            YamlRedisConfig    `yaml:"redis"`
	VapidConfig            YamlVapidConfig    `yaml:"vapid"`
	FanoutConfig           YamlFanoutConfig   `yaml:"fanout"`
	GatewayConfig          YamlGatewayConfig  `yaml:"gateway"`
	RegistryConfig         YamlRegistryConfig `yaml:"registry"`
	NumPipelineWorkers     int                `yaml:"num_pipeline_workers"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
// Secrets (GCM server key, APNs p8 key) are only ever read from the environment.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	callTimeout, err := parseOptionalDuration(baseCfg.FanoutConfig.CallTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid fanout.call_timeout: %w", err)
	}
	cacheTTL, err := parseOptionalDuration(baseCfg.RedisConfig.TTL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis.ttl: %w", err)
	}

	gw := baseCfg.GatewayConfig
	cfg := &Config{
		ProjectID:      baseCfg.ProjectID,
		ListenAddr:     baseCfg.ListenAddr,
		TopicID:        baseCfg.TopicID,
		SubscriptionID: baseCfg.SubscriptionID,
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
		Redis: RedisConfig{
			Addr:     baseCfg.RedisConfig.Addr,
			Password: baseCfg.RedisConfig.Password,
			DB:       baseCfg.RedisConfig.DB,
			Enabled:  baseCfg.RedisConfig.Enabled,
			TTL:      cacheTTL,
		},
		Vapid: VapidConfig{
			PublicKey:       baseCfg.VapidConfig.PublicKey,
			PrivateKey:      baseCfg.VapidConfig.PrivateKey,
			SubscriberEmail: baseCfg.VapidConfig.SubscriberEmail,
		},
		Fanout: FanoutConfig{
			BatchSize:       baseCfg.FanoutConfig.BatchSize,
			Workers:         baseCfg.FanoutConfig.Workers,
			CallTimeout:     callTimeout,
			AlwaysMulticast: baseCfg.FanoutConfig.AlwaysMulticast,
		},
		Gateway: GatewayConfig{
			Kind:            GatewayKind(gw.Kind),
			PushesPerSecond: gw.PushesPerSecond,
			GCM:             GCMConfig{Endpoint: gw.GCM.Endpoint},
			APNs: APNsConfig{
				KeyID:      gw.APNs.KeyID,
				TeamID:     gw.APNs.TeamID,
				BundleID:   gw.APNs.BundleID,
				Production: gw.APNs.Production,
			},
		},
		Registry: RegistryConfig{
			Backend:    RegistryBackend(baseCfg.RegistryConfig.Backend),
			Collection: baseCfg.RegistryConfig.Collection,
		},
		SubscriptionDLQTopicID: baseCfg.SubscriptionDLQTopicID,
		NumPipelineWorkers:     baseCfg.NumPipelineWorkers,
	}

	if cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"subscription_id", cfg.SubscriptionID,
		"gateway", cfg.Gateway.Kind,
	)

	return cfg, nil
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
