package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-fanout-service/fanoutservice/config"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"gopkg.in/yaml.v3"
)

func TestNewConfigFromYaml(t *testing.T) {
	logger := newTestLogger()

	t.Run("Success - maps all fields correctly", func(t *testing.T) {
		raw := `
project_id: yaml-project
listen_addr: ":9000"
topic_id: yaml-topic
subscription_id: yaml-subscription
subscription_dlq_topic_id: yaml-dlq
num_pipeline_workers: 5
cors:
  allowed_origins: ["http://yaml.com"]
  role: editor
vapid:
  public_key: yaml-public-key
  private_key: yaml-private-key
  subscriber_email: yaml@test.com
redis:
  addr: localhost:6379
  enabled: true
  ttl: 30s
fanout:
  batch_size: 500
  workers: 7
  call_timeout: 4s
gateway:
  kind: apns
  pushes_per_second: 100
  apns:
    key_id: KEY
    team_id: TEAM
    bundle_id: com.example.app
registry:
  backend: firestore
  collection: phones
`
		var yamlCfg config.YamlConfig
		require.NoError(t, yaml.Unmarshal([]byte(raw), &yamlCfg))

		cfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "yaml-project", cfg.ProjectID)
		assert.Equal(t, ":9000", cfg.ListenAddr)
		assert.Equal(t, "yaml-topic", cfg.TopicID)
		assert.Equal(t, "yaml-subscription", cfg.SubscriptionID)
		assert.Equal(t, "yaml-dlq", cfg.SubscriptionDLQTopicID)
		assert.Equal(t, 5, cfg.NumPipelineWorkers)

		assert.Equal(t, []string{"http://yaml.com"}, cfg.CorsConfig.AllowedOrigins)
		assert.Equal(t, middleware.CorsRoleEditor, cfg.CorsConfig.Role)

		assert.Equal(t, "yaml-public-key", cfg.Vapid.PublicKey)
		assert.Equal(t, "yaml-private-key", cfg.Vapid.PrivateKey)
		assert.Equal(t, "yaml@test.com", cfg.Vapid.SubscriberEmail)
		assert.Equal(t, 30*time.Second, cfg.Redis.TTL)

		assert.Equal(t, 500, cfg.Fanout.BatchSize)
		assert.Equal(t, 7, cfg.Fanout.Workers)
		assert.Equal(t, 4*time.Second, cfg.Fanout.CallTimeout)

		assert.Equal(t, config.GatewayAPNs, cfg.Gateway.Kind)
		assert.Equal(t, 100, cfg.Gateway.PushesPerSecond)
		assert.Equal(t, "com.example.app", cfg.Gateway.APNs.BundleID)
		assert.Equal(t, config.RegistryFirestore, cfg.Registry.Backend)
		assert.Equal(t, "phones", cfg.Registry.Collection)

		assert.NotNil(t, cfg.PubsubConsumerConfig)
	})

	t.Run("Success - Handles missing optional fields gracefully", func(t *testing.T) {
		yamlCfg := &config.YamlConfig{
			ProjectID:      "minimal-project",
			SubscriptionID: "minimal-sub",
		}

		cfg, err := config.NewConfigFromYaml(yamlCfg, logger)

		require.NoError(t, err)
		assert.Equal(t, "minimal-project", cfg.ProjectID)
		assert.Equal(t, 0, cfg.NumPipelineWorkers)
		assert.Empty(t, cfg.ListenAddr)
		assert.Empty(t, cfg.Vapid.PublicKey)
		assert.Zero(t, cfg.Fanout.CallTimeout)
	})

	t.Run("Failure - bad duration", func(t *testing.T) {
		yamlCfg := &config.YamlConfig{ProjectID: "p"}
		yamlCfg.FanoutConfig.CallTimeout = "soon"

		_, err := config.NewConfigFromYaml(yamlCfg, logger)
		assert.Error(t, err)
	})
}
