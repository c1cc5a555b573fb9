package config_test

import (
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-fanout-service/fanoutservice/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestUpdateConfigWithEnvOverrides(t *testing.T) {
	logger := newTestLogger()

	baseConfig := func() *config.Config {
		return &config.Config{
			ProjectID:          "base-project",
			ListenAddr:         ":8080",
			SubscriptionID:     "base-sub",
			NumPipelineWorkers: 2,
			Vapid: config.VapidConfig{
				PublicKey:  "base-pub",
				PrivateKey: "base-priv",
			},
		}
	}

	t.Run("Success - All overrides applied", func(t *testing.T) {
		cfg := baseConfig()

		t.Setenv("PROJECT_ID", "env-project")
		t.Setenv("PORT", "9090")
		t.Setenv("SUBSCRIPTION_ID", "env-sub")
		t.Setenv("VAPID_PUBLIC_KEY", "env-pub")
		t.Setenv("VAPID_PRIVATE_KEY", "env-priv")
		t.Setenv("VAPID_SUB_EMAIL", "env@test.com")
		t.Setenv("FANOUT_BATCH_SIZE", "250")
		t.Setenv("FANOUT_WORKERS", "8")
		t.Setenv("FANOUT_CALL_TIMEOUT", "3s")
		t.Setenv("FANOUT_ALWAYS_MULTICAST", "true")
		t.Setenv("GATEWAY_KIND", "GCM")
		t.Setenv("GCM_SERVER_KEY", "server-key")
		t.Setenv("GATEWAY_PUSHES_PER_SECOND", "50")
		t.Setenv("REGISTRY_BACKEND", "memory")
		t.Setenv("REDIS_ADDR", "localhost:6379")

		finalCfg, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.NoError(t, err)

		assert.Equal(t, "env-project", finalCfg.ProjectID)
		assert.Equal(t, ":9090", finalCfg.ListenAddr)
		assert.Equal(t, "env-sub", finalCfg.SubscriptionID)
		assert.Equal(t, "env-pub", finalCfg.Vapid.PublicKey)
		assert.Equal(t, "env-priv", finalCfg.Vapid.PrivateKey)
		assert.Equal(t, "env@test.com", finalCfg.Vapid.SubscriberEmail)

		assert.Equal(t, 250, finalCfg.Fanout.BatchSize)
		assert.Equal(t, 8, finalCfg.Fanout.Workers)
		assert.Equal(t, 3*time.Second, finalCfg.Fanout.CallTimeout)
		assert.True(t, finalCfg.Fanout.AlwaysMulticast)

		assert.Equal(t, config.GatewayGCM, finalCfg.Gateway.Kind)
		assert.Equal(t, "server-key", finalCfg.Gateway.GCM.ServerKey)
		assert.Equal(t, 50, finalCfg.Gateway.PushesPerSecond)
		assert.Equal(t, config.RegistryMemory, finalCfg.Registry.Backend)
		assert.True(t, finalCfg.Redis.Enabled)
	})

	t.Run("Success - Defaults preserved", func(t *testing.T) {
		cfg := baseConfig()
		finalCfg, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.NoError(t, err)

		assert.Equal(t, "base-project", finalCfg.ProjectID)
		assert.Equal(t, "base-pub", finalCfg.Vapid.PublicKey)
		assert.Equal(t, config.DefaultBatchSize, finalCfg.Fanout.BatchSize)
		assert.Equal(t, config.DefaultWorkers, finalCfg.Fanout.Workers)
		assert.Equal(t, config.DefaultCallTimeout, finalCfg.Fanout.CallTimeout)
		assert.Equal(t, config.GatewayFCM, finalCfg.Gateway.Kind)
		assert.Equal(t, config.RegistryFirestore, finalCfg.Registry.Backend)
		assert.Equal(t, config.DefaultCacheTTL, finalCfg.Redis.TTL)
	})

	t.Run("Validation Failure - Missing ProjectID", func(t *testing.T) {
		cfg := &config.Config{SubscriptionID: "sub"}
		os.Unsetenv("PROJECT_ID")
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		assert.Error(t, err)
	})

	t.Run("Validation Failure - Bad batch size", func(t *testing.T) {
		t.Setenv("FANOUT_BATCH_SIZE", "0")
		_, err := config.UpdateConfigWithEnvOverrides(baseConfig(), logger)
		assert.Error(t, err)
	})

	t.Run("Validation Failure - Unknown gateway", func(t *testing.T) {
		t.Setenv("GATEWAY_KIND", "carrier-pigeon")
		_, err := config.UpdateConfigWithEnvOverrides(baseConfig(), logger)
		assert.Error(t, err)
	})

	t.Run("Validation Failure - GCM without server key", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Gateway.Kind = config.GatewayGCM
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		assert.Error(t, err)
	})

	t.Run("Validation Failure - Unknown registry", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Registry.Backend = "postgres"
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		assert.Error(t, err)
	})
}
