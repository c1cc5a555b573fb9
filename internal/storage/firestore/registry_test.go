//go:build integration

package firestore_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-test/emulators"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fs "github.com/tinywideclouds/go-fanout-service/internal/storage/firestore"
	"github.com/tinywideclouds/go-fanout-service/pkg/dispatch"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupSuite(t *testing.T) (context.Context, *firestore.Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	t.Cleanup(cancel)

	projectID := "test-device-registry"
	conn := emulators.SetupFirestoreEmulator(t, ctx, emulators.GetDefaultFirestoreConfig(projectID))
	client, err := firestore.NewClient(ctx, projectID, conn.ClientOptions...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return ctx, client
}

// newRegistry isolates each subtest in its own collection.
func newRegistry(client *firestore.Client) *fs.Registry {
	return fs.NewRegistry(client, "devices-"+uuid.NewString(), newTestLogger())
}

func TestRegistry_Integration(t *testing.T) {
	ctx, client := setupSuite(t)

	t.Run("Registration lifecycle", func(t *testing.T) {
		registry := newRegistry(client)

		require.NoError(t, registry.RegisterRecipient(ctx, "token-a", "owner-1"))
		require.NoError(t, registry.RegisterRecipient(ctx, "token-b", "owner-1"))
		// Re-registering is an upsert, not a duplicate.
		require.NoError(t, registry.RegisterRecipient(ctx, "token-a", "owner-1"))

		recipients, err := registry.ListRecipients(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []dispatch.Recipient{"token-a", "token-b"}, recipients)

		require.NoError(t, registry.RemoveRecipient(ctx, "token-a"))
		require.NoError(t, registry.RemoveRecipient(ctx, "token-a"))

		recipients, err = registry.ListRecipients(ctx)
		require.NoError(t, err)
		assert.Equal(t, []dispatch.Recipient{"token-b"}, recipients)
	})

	t.Run("Canonical migration keeps owner", func(t *testing.T) {
		registry := newRegistry(client)
		require.NoError(t, registry.RegisterRecipient(ctx, "r2", "owner-2"))

		require.NoError(t, registry.UpdateRecipient(ctx, "r2", "r2-canonical"))
		// Replaying the same update is harmless.
		require.NoError(t, registry.UpdateRecipient(ctx, "r2", "r2-canonical"))

		recipients, err := registry.ListRecipients(ctx)
		require.NoError(t, err)
		assert.Equal(t, []dispatch.Recipient{"r2-canonical"}, recipients)
	})

	t.Run("Migration onto an existing device collapses the pair", func(t *testing.T) {
		registry := newRegistry(client)
		require.NoError(t, registry.RegisterRecipient(ctx, "old", "owner-3"))
		require.NoError(t, registry.RegisterRecipient(ctx, "new", "owner-3"))

		require.NoError(t, registry.UpdateRecipient(ctx, "old", "new"))

		recipients, err := registry.ListRecipients(ctx)
		require.NoError(t, err)
		assert.Equal(t, []dispatch.Recipient{"new"}, recipients)
	})

	t.Run("Updating an unknown recipient is a no-op", func(t *testing.T) {
		registry := newRegistry(client)
		require.NoError(t, registry.UpdateRecipient(ctx, "ghost", "ghost-canonical"))

		recipients, err := registry.ListRecipients(ctx)
		require.NoError(t, err)
		assert.Empty(t, recipients)
	})
}
